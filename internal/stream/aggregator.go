// Package stream bridges a streaming chat response to an observable live buffer and an append-only
// conversation history.
//
// The streaming channel delivers cumulative snapshots: every chunk carries the whole response produced so
// far, so the live buffer is replaced on each chunk and never appended to. When the stream completes the
// last snapshot becomes the assistant message.
package stream

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/dm-companion/internal/models"
	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
)

// State is the streaming state of an Aggregator.
type State string

// Aggregator states.
const (
	StateIdle      State = "Idle"
	StateStreaming State = "Streaming"
)

type trigger string

const (
	triggerStart    trigger = "Start"
	triggerComplete trigger = "Complete"
	triggerAbort    trigger = "Abort"
)

// ErrStreamInProgress is returned when a request is started while the previous response of the same
// conversation is still streaming.
var ErrStreamInProgress = errors.New("a response is still streaming")

// Aggregator owns the history of one conversation and the live buffer of its in-flight response. All
// methods are safe for concurrent use; stream callbacks usually arrive on a different goroutine than the
// request that started the stream.
type Aggregator struct {
	mu sync.Mutex

	fsm       *stateless.StateMachine
	history   []models.Message
	buffer    string
	sessionID string
	lastErr   error

	now   func() time.Time
	newID func() string
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithSessionID binds the aggregator to an existing backend session.
func WithSessionID(id string) Option {
	return func(a *Aggregator) {
		a.sessionID = id
	}
}

// WithHistory seeds the history with previously exchanged messages, e.g. when a chat is resumed.
func WithHistory(messages []models.Message) Option {
	return func(a *Aggregator) {
		a.history = slices.Clone(messages)
	}
}

// WithClock replaces the clock used to timestamp messages.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// New returns an idle Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(a)
	}

	fsm := stateless.NewStateMachine(StateIdle)
	fsm.Configure(StateIdle).
		Permit(triggerStart, StateStreaming)
	fsm.Configure(StateStreaming).
		Permit(triggerComplete, StateIdle).
		Permit(triggerAbort, StateIdle)
	a.fsm = fsm

	return a
}

// Start begins a streaming request for text. Blank text is ignored and reported as not started. Starting
// while another response is streaming fails with ErrStreamInProgress. On success the user message is
// appended to the history, the live buffer is cleared and sessionID is adopted if the conversation has
// none yet.
func (a *Aggregator) Start(text, sessionID string) (bool, error) {
	if strings.TrimSpace(text) == "" {
		return false, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.streaming() {
		return false, ErrStreamInProgress
	}
	if err := a.fsm.Fire(triggerStart); err != nil {
		return false, fmt.Errorf("failed to start stream: %w", err)
	}

	a.adoptSessionID(sessionID)
	a.history = append(a.history, a.message(models.RoleUser, text))
	a.buffer = ""
	a.lastErr = nil

	return true, nil
}

// OnChunk replaces the live buffer with snapshot. Chunks arriving while idle are ignored.
func (a *Aggregator) OnChunk(snapshot string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.streaming() {
		return
	}
	a.buffer = snapshot
}

// OnComplete commits the live buffer as an assistant message and returns to idle. It returns the
// committed message, or false when there was no active stream.
func (a *Aggregator) OnComplete() (models.Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.streaming() {
		return models.Message{}, false
	}
	if err := a.fsm.Fire(triggerComplete); err != nil {
		return models.Message{}, false
	}

	msg := a.message(models.RoleAssistant, a.buffer)
	a.history = append(a.history, msg)
	a.buffer = ""

	return msg, true
}

// Abort releases an active stream after a failure or cancellation: the live buffer is discarded, err is
// kept as LastError and the aggregator returns to idle. It reports whether a stream was aborted.
func (a *Aggregator) Abort(err error) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.streaming() {
		return false
	}
	if fireErr := a.fsm.Fire(triggerAbort); fireErr != nil {
		return false
	}

	a.buffer = ""
	a.lastErr = err

	return true
}

// OnSessionIDAssigned adopts id as the session id unless one is already set. The first non-empty id
// sticks for the lifetime of the conversation.
func (a *Aggregator) OnSessionIDAssigned(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.adoptSessionID(id)
}

// AppendExchange records a completed single-shot exchange: the user message and the assistant reply are
// appended together. Blank user text is ignored. It fails with ErrStreamInProgress while a response is
// streaming, because the pair would otherwise interleave with the streamed one.
func (a *Aggregator) AppendExchange(userText, assistantText, sessionID string) (bool, error) {
	if strings.TrimSpace(userText) == "" {
		return false, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.streaming() {
		return false, ErrStreamInProgress
	}

	a.adoptSessionID(sessionID)
	a.history = append(a.history,
		a.message(models.RoleUser, userText),
		a.message(models.RoleAssistant, assistantText),
	)

	return true, nil
}

// State returns the current state.
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state()
}

// Streaming reports whether a response is in flight.
func (a *Aggregator) Streaming() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.streaming()
}

// Buffer returns the live buffer.
func (a *Aggregator) Buffer() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.buffer
}

// History returns a copy of the conversation history in insertion order.
func (a *Aggregator) History() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	return slices.Clone(a.history)
}

// SessionID returns the session id, empty until the backend assigned one.
func (a *Aggregator) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.sessionID
}

// LastError returns the error of the last aborted stream. It is reset by Start.
func (a *Aggregator) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.lastErr
}

func (a *Aggregator) state() State {
	return a.fsm.MustState().(State)
}

func (a *Aggregator) streaming() bool {
	return a.state() == StateStreaming
}

func (a *Aggregator) adoptSessionID(id string) {
	if a.sessionID == "" && id != "" {
		a.sessionID = id
	}
}

func (a *Aggregator) message(role models.Role, text string) models.Message {
	return models.Message{
		ID:        a.newID(),
		Role:      role,
		Text:      text,
		Timestamp: a.now(),
	}
}
