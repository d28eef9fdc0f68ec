package handlers

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	dmcompanion "github.com/MegaGrindStone/dm-companion"
	"github.com/MegaGrindStone/dm-companion/internal/models"
	"github.com/MegaGrindStone/dm-companion/internal/stream"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/tmaxmax/go-sse"
)

// ChatService is the chat backend as seen by the web UI: the message exchange in its single-shot and
// streaming forms, plus read access to stored chats.
type ChatService interface {
	SendMessage(ctx context.Context, payload models.MessagePayload) (models.MessageReply, error)
	SendMessageStreaming(ctx context.Context, payload models.MessagePayload, cb models.StreamCallbacks) error

	Items(ctx context.Context, skip, limit int) (models.ChatList, error)
	Item(ctx context.Context, id string) (models.Chat, error)
	ItemMessages(ctx context.Context, id string) ([]models.Message, error)
}

// Renderer converts markdown message text to safe HTML.
type Renderer interface {
	Render(src string) template.HTML
	WriteCSS(w io.Writer) error
}

// Main handles the core functionality of the chat application, managing server-sent events,
// HTML templates, and the conversations opened in the browser. Every conversation view owns a
// stream.Aggregator that collects the streamed response of the backend.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	chats    ChatService
	renderer Renderer

	convs   *conversations
	streams *sync.WaitGroup

	requestTimeout time.Duration

	logger *slog.Logger
}

// Option configures Main.
type Option func(*Main)

// WithRequestTimeout bounds every call to the chat backend, including a whole streamed response.
func WithRequestTimeout(d time.Duration) Option {
	return func(m *Main) {
		m.requestTimeout = d
	}
}

// WithConversationTTL sets how long a conversation view is kept after its last use. Views with an open
// event stream or a message in flight are never evicted.
func WithConversationTTL(d time.Duration) Option {
	return func(m *Main) {
		m.convs.ttl = d
	}
}

// WithClock replaces the clock used to expire conversation views.
func WithClock(now func() time.Time) Option {
	return func(m *Main) {
		m.convs.now = now
	}
}

type conversation struct {
	id  string
	agg *stream.Aggregator

	// busy is held from the moment a send is accepted until its reply is recorded or dropped.
	busy atomic.Bool

	// guarded by conversations.mu
	sessions int
	lastSeen time.Time
}

type conversations struct {
	mu    sync.Mutex
	items map[string]*conversation

	ttl time.Duration
	now func() time.Time
}

const (
	defaultRequestTimeout  = 2 * time.Minute
	defaultConversationTTL = 30 * time.Minute
	chatListLimit          = 100
)

// SSE event types pushed to a conversation view.
var (
	liveSSEType   = sse.Type("live")
	finalSSEType  = sse.Type("final")
	failedSSEType = sse.Type("failed")
	closeSSEType  = sse.Type("closeMessage")
)

// NewMain creates a new Main instance backed by chats and renderer. It initializes the SSE server and
// parses the required HTML templates from the embedded filesystem. Every SSE client is subscribed to the
// default topic and to the topic of the conversation it asks for.
func NewMain(chats ChatService, renderer Renderer, logger *slog.Logger, opts ...Option) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(templateFuncs()).ParseFS(
		dmcompanion.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	convs := &conversations{
		items: make(map[string]*conversation),
		ttl:   defaultConversationTTL,
		now:   time.Now,
	}

	m := Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic}

				convID := s.Req.URL.Query().Get("conversation_id")
				if convID != "" {
					topics = append(topics, conversationTopic(convID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates:      tmpl,
		chats:          chats,
		renderer:       renderer,
		convs:          convs,
		streams:        &sync.WaitGroup{},
		requestTimeout: defaultRequestTimeout,
		logger:         logger.With(slog.String("module", "main")),
	}
	for _, opt := range opts {
		opt(&m)
	}

	return m, nil
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"openItemURL": OpenItemURL,
		"formatTime": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("Jan 2, 15:04")
		},
	}
}

// OpenItemURL returns the chat page URL that resumes the chat with the given id.
func OpenItemURL(id string) string {
	return "/chat?id=" + url.QueryEscape(id)
}

func conversationTopic(id string) string {
	return fmt.Sprintf("conversation-%s", id)
}

// open registers a new conversation view. Expired views are evicted first, so the registry only grows
// with views that are still in use.
func (c *conversations) open(opts ...stream.Option) (*conversation, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate conversation id: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evict(now)

	conv := &conversation{id: id, agg: stream.New(opts...), lastSeen: now}
	c.items[id] = conv

	return conv, nil
}

// get returns the conversation with id and marks it as used.
func (c *conversations) get(id string) (*conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.items[id]
	if ok {
		conv.lastSeen = c.now()
	}
	return conv, ok
}

// attach records an open event stream of the conversation with id. The returned func detaches it.
func (c *conversations) attach(id string) (func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.items[id]
	if !ok {
		return nil, false
	}
	conv.sessions++
	conv.lastSeen = c.now()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		conv.sessions--
		conv.lastSeen = c.now()
	}, true
}

// evict must be called with c.mu held.
func (c *conversations) evict(now time.Time) {
	for id, conv := range c.items {
		if conv.sessions > 0 || conv.busy.Load() {
			continue
		}
		if now.Sub(conv.lastSeen) > c.ttl {
			delete(c.items, id)
		}
	}
}

// Shutdown gracefully terminates the Main instance. It broadcasts a close message to all connected
// clients, waits for in-flight streams to finish and then shuts the SSE server down, waiting up to 5
// seconds for connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	done := make(chan struct{})
	go func() {
		m.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for streams: %w", ctx.Err())
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
