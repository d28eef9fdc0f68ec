package stream_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/dm-companion/internal/models"
	"github.com/MegaGrindStone/dm-companion/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func texts(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = fmt.Sprintf("%s:%s", m.Role, m.Text)
	}
	return out
}

func TestAggregatorExchange(t *testing.T) {
	a := stream.New()

	started, err := a.Start("hi", "")
	require.NoError(t, err)
	require.True(t, started)
	assert.Equal(t, stream.StateStreaming, a.State())
	assert.Equal(t, []string{"user:hi"}, texts(a.History()))

	a.OnChunk("He")
	assert.Equal(t, "He", a.Buffer())
	a.OnChunk("Hello")
	assert.Equal(t, "Hello", a.Buffer())

	msg, ok := a.OnComplete()
	require.True(t, ok)
	assert.Equal(t, "Hello", msg.Text)
	assert.Equal(t, models.RoleAssistant, msg.Role)
	assert.NotEmpty(t, msg.ID)

	assert.Equal(t, []string{"user:hi", "assistant:Hello"}, texts(a.History()))
	assert.Empty(t, a.Buffer())
	assert.Equal(t, stream.StateIdle, a.State())
}

func TestAggregatorFinalTextIsLastSnapshot(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{name: "no chunks", chunks: nil, want: ""},
		{name: "single", chunks: []string{"done"}, want: "done"},
		{name: "growing", chunks: []string{"A", "A b", "A b c"}, want: "A b c"},
		{name: "shrinking snapshot", chunks: []string{"long text", "short"}, want: "short"},
		{name: "markdown fragments", chunks: []string{"| a |", "| a |\n|---|", "| a |\n|---|\n| 1 |"}, want: "| a |\n|---|\n| 1 |"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := stream.New()
			_, err := a.Start("question", "")
			require.NoError(t, err)

			for _, c := range tt.chunks {
				a.OnChunk(c)
			}
			msg, ok := a.OnComplete()
			require.True(t, ok)
			assert.Equal(t, tt.want, msg.Text)
		})
	}
}

func TestAggregatorHistoryGrowsByOne(t *testing.T) {
	a := stream.New(stream.WithHistory([]models.Message{
		{ID: "1", Role: models.RoleUser, Text: "old question"},
		{ID: "2", Role: models.RoleAssistant, Text: "old answer"},
	}))

	before := len(a.History())
	_, err := a.Start("next", "")
	require.NoError(t, err)
	assert.Len(t, a.History(), before+1)

	a.OnChunk("partial")
	assert.Len(t, a.History(), before+1)

	beforeComplete := len(a.History())
	_, ok := a.OnComplete()
	require.True(t, ok)
	assert.Len(t, a.History(), beforeComplete+1)
	assert.Equal(t, "1", a.History()[0].ID)
}

func TestAggregatorBlankInput(t *testing.T) {
	for _, in := range []string{"", " ", "\n\t  \n"} {
		a := stream.New()
		started, err := a.Start(in, "session")
		require.NoError(t, err)
		assert.False(t, started)
		assert.Empty(t, a.History())
		assert.Empty(t, a.Buffer())
		assert.Empty(t, a.SessionID())
		assert.Equal(t, stream.StateIdle, a.State())

		ok, err := a.AppendExchange(in, "reply", "")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, a.History())
	}
}

func TestAggregatorBlankInputWhileStreamingKeepsBuffer(t *testing.T) {
	a := stream.New()
	_, err := a.Start("hi", "")
	require.NoError(t, err)
	a.OnChunk("He")

	started, err := a.Start("   ", "")
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, "He", a.Buffer())
	assert.Len(t, a.History(), 1)
}

func TestAggregatorRejectsOverlappingStart(t *testing.T) {
	a := stream.New()
	_, err := a.Start("first", "")
	require.NoError(t, err)
	a.OnChunk("partial")

	started, err := a.Start("second", "")
	require.ErrorIs(t, err, stream.ErrStreamInProgress)
	assert.False(t, started)
	assert.Equal(t, "partial", a.Buffer())
	assert.Equal(t, []string{"user:first"}, texts(a.History()))

	_, err = a.AppendExchange("single", "reply", "")
	require.ErrorIs(t, err, stream.ErrStreamInProgress)
}

func TestAggregatorIdleEventsAreIgnored(t *testing.T) {
	a := stream.New()

	a.OnChunk("stray")
	assert.Empty(t, a.Buffer())

	_, ok := a.OnComplete()
	assert.False(t, ok)
	assert.Empty(t, a.History())

	assert.False(t, a.Abort(errors.New("boom")))
	assert.NoError(t, a.LastError())

	_, err := a.Start("hi", "")
	require.NoError(t, err)
	_, ok = a.OnComplete()
	require.True(t, ok)

	_, ok = a.OnComplete()
	assert.False(t, ok, "second completion must be a no-op")
	assert.Len(t, a.History(), 2)
}

func TestAggregatorAbort(t *testing.T) {
	a := stream.New()
	_, err := a.Start("hi", "")
	require.NoError(t, err)
	a.OnChunk("half an ans")

	boom := errors.New("connection reset")
	assert.True(t, a.Abort(boom))
	assert.Equal(t, stream.StateIdle, a.State())
	assert.Empty(t, a.Buffer())
	assert.ErrorIs(t, a.LastError(), boom)
	assert.Equal(t, []string{"user:hi"}, texts(a.History()))

	started, err := a.Start("retry", "")
	require.NoError(t, err)
	assert.True(t, started)
	assert.NoError(t, a.LastError())
}

func TestAggregatorSessionIDIsSticky(t *testing.T) {
	a := stream.New()
	assert.Empty(t, a.SessionID())

	a.OnSessionIDAssigned("")
	assert.Empty(t, a.SessionID())

	a.OnSessionIDAssigned("chat-1")
	assert.Equal(t, "chat-1", a.SessionID())

	a.OnSessionIDAssigned("chat-2")
	a.OnSessionIDAssigned("")
	assert.Equal(t, "chat-1", a.SessionID())

	_, err := a.Start("hi", "chat-3")
	require.NoError(t, err)
	assert.Equal(t, "chat-1", a.SessionID())

	_, _ = a.OnComplete()
	_, err = a.AppendExchange("q", "a", "chat-4")
	require.NoError(t, err)
	assert.Equal(t, "chat-1", a.SessionID())
}

func TestAggregatorStartAdoptsSessionID(t *testing.T) {
	a := stream.New()
	_, err := a.Start("hi", "chat-9")
	require.NoError(t, err)
	assert.Equal(t, "chat-9", a.SessionID())

	b := stream.New(stream.WithSessionID("resumed"))
	_, err = b.Start("hi", "other")
	require.NoError(t, err)
	assert.Equal(t, "resumed", b.SessionID())
}

func TestAggregatorAppendExchange(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := stream.New(stream.WithClock(func() time.Time { return now }))

	ok, err := a.AppendExchange("What is a fireball?", "A **3rd level** spell.", "chat-1")
	require.NoError(t, err)
	require.True(t, ok)

	h := a.History()
	require.Len(t, h, 2)
	assert.Equal(t, []string{"user:What is a fireball?", "assistant:A **3rd level** spell."}, texts(h))
	assert.Equal(t, now, h[0].Timestamp)
	assert.NotEqual(t, h[0].ID, h[1].ID)
	assert.Equal(t, "chat-1", a.SessionID())
	assert.Equal(t, stream.StateIdle, a.State())
}

func TestAggregatorHistoryIsACopy(t *testing.T) {
	a := stream.New()
	_, err := a.AppendExchange("q", "a", "")
	require.NoError(t, err)

	h := a.History()
	h[0].Text = "mutated"
	assert.Equal(t, "q", a.History()[0].Text)
}

func TestAggregatorConcurrentChunks(t *testing.T) {
	a := stream.New()
	_, err := a.Start("hi", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			a.OnChunk(fmt.Sprintf("snapshot %d", i))
		}()
		go func() {
			defer wg.Done()
			_ = a.Buffer()
			_ = a.History()
		}()
	}
	wg.Wait()

	msg, ok := a.OnComplete()
	require.True(t, ok)
	assert.Contains(t, msg.Text, "snapshot ")
	assert.Equal(t, stream.StateIdle, a.State())
}
