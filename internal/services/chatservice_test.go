package services_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MegaGrindStone/dm-companion/internal/logger"
	"github.com/MegaGrindStone/dm-companion/internal/models"
	"github.com/MegaGrindStone/dm-companion/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedStream struct {
	sessions []string
	chunks   []string
	done     int
}

func (r *recordedStream) callbacks() models.StreamCallbacks {
	return models.StreamCallbacks{
		OnSession: func(id string) { r.sessions = append(r.sessions, id) },
		OnChunk:   func(s string) { r.chunks = append(r.chunks, s) },
		OnDone:    func() { r.done++ },
	}
}

func newChatService(t *testing.T, h http.Handler) services.ChatService {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return services.NewChatService(srv.URL+"/", srv.Client(), logger.Discard())
}

func writeEvent(w http.ResponseWriter, typ string, data any) {
	b, _ := json.Marshal(data)
	fmt.Fprintf(w, "event:%s\ndata:%s\n\n", typ, b)
	w.(http.Flusher).Flush()
}

func TestSendMessage(t *testing.T) {
	cs := newChatService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/chats/message", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var p models.MessagePayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "What is fireball?", p.Message)
		assert.Empty(t, p.ID)

		_ = json.NewEncoder(w).Encode(models.MessageReply{Message: "A spell.", ID: "chat-1"})
	}))

	reply, err := cs.SendMessage(context.Background(), models.MessagePayload{Message: "What is fireball?"})
	require.NoError(t, err)
	assert.Equal(t, models.MessageReply{Message: "A spell.", ID: "chat-1"}, reply)
}

func TestSendMessageServerError(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantDetail string
		notFound   bool
	}{
		{name: "not found", status: http.StatusNotFound, body: `{"detail":"Chat not found"}`,
			wantDetail: "Chat not found", notFound: true},
		{name: "bad request", status: http.StatusBadRequest, body: `{"detail":"message is required"}`,
			wantDetail: "message is required"},
		{name: "plain body", status: http.StatusInternalServerError, body: "boom\n", wantDetail: "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := newChatService(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))

			_, err := cs.SendMessage(context.Background(), models.MessagePayload{Message: "hi", ID: "x"})
			require.Error(t, err)

			var se *services.ServerError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, tt.wantDetail, se.Detail)
			assert.Equal(t, tt.notFound, services.IsNotFound(err))
			assert.False(t, services.IsRetryable(err))
		})
	}
}

func TestSendMessageNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cs := services.NewChatService(url, nil, logger.Discard())
	_, err := cs.SendMessage(context.Background(), models.MessagePayload{Message: "hi"})

	var ne *services.NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "sendMessage", ne.Op)
	assert.True(t, services.IsRetryable(err))
}

func TestSendMessageStreaming(t *testing.T) {
	cs := newChatService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chats/message/streaming", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")

		writeEvent(w, models.StreamEventSession, models.StreamEvent{ID: "chat-7"})
		writeEvent(w, models.StreamEventMessage, models.StreamEvent{Text: "He"})
		writeEvent(w, models.StreamEventMessage, models.StreamEvent{Text: "Hello"})
		writeEvent(w, models.StreamEventMessage, models.StreamEvent{Text: "Hello\n\n  - indented"})
		writeEvent(w, models.StreamEventDone, models.StreamEvent{Text: models.StreamFinishedMarker})
		writeEvent(w, models.StreamEventMessage, models.StreamEvent{Text: "after done"})
	}))

	var rec recordedStream
	err := cs.SendMessageStreaming(context.Background(), models.MessagePayload{Message: "hi"}, rec.callbacks())
	require.NoError(t, err)

	assert.Equal(t, []string{"chat-7"}, rec.sessions)
	assert.Equal(t, []string{"He", "Hello", "Hello\n\n  - indented"}, rec.chunks)
	assert.Equal(t, 1, rec.done)
}

func TestSendMessageStreamingTruncated(t *testing.T) {
	cs := newChatService(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, models.StreamEventMessage, models.StreamEvent{Text: "partial"})
	}))

	var rec recordedStream
	err := cs.SendMessageStreaming(context.Background(), models.MessagePayload{Message: "hi"}, rec.callbacks())

	var ne *services.NetworkError
	require.ErrorAs(t, err, &ne)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, []string{"partial"}, rec.chunks)
	assert.Zero(t, rec.done)
}

func TestSendMessageStreamingErrorEvent(t *testing.T) {
	cs := newChatService(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, models.StreamEventMessage, models.StreamEvent{Text: "par"})
		writeEvent(w, models.StreamEventError, models.StreamEvent{Text: "llm unavailable"})
	}))

	var rec recordedStream
	err := cs.SendMessageStreaming(context.Background(), models.MessagePayload{Message: "hi"}, rec.callbacks())

	var se *services.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "llm unavailable", se.Detail)
	assert.Zero(t, rec.done)
}

func TestSendMessageStreamingRejectedBeforeStream(t *testing.T) {
	cs := newChatService(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail":"Chat not found"}`)
	}))

	var rec recordedStream
	err := cs.SendMessageStreaming(context.Background(), models.MessagePayload{Message: "hi", ID: "gone"}, rec.callbacks())
	assert.True(t, services.IsNotFound(err))
	assert.Empty(t, rec.chunks)
}

func TestSendMessageStreamingMalformedChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event:message\ndata:not json\n\n")
		writeEvent(w, models.StreamEventDone, models.StreamEvent{Text: models.StreamFinishedMarker})
	}))
	t.Cleanup(srv.Close)

	var logs bytes.Buffer
	cs := services.NewChatService(srv.URL, srv.Client(), logger.New(&logs, "debug", "json"))

	var rec recordedStream
	err := cs.SendMessageStreaming(context.Background(), models.MessagePayload{Message: "hi"}, rec.callbacks())
	require.NoError(t, err)
	assert.Equal(t, []string{"not json"}, rec.chunks)

	var warning map[string]any
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["level"] == "WARN" {
			warning = entry
		}
	}
	require.NotNil(t, warning, "malformed event should be logged")
	assert.NotEmpty(t, warning[logger.ErrKey])
}

func TestSendMessageStreamingNilCallbacks(t *testing.T) {
	cs := newChatService(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, models.StreamEventSession, models.StreamEvent{ID: "c"})
		writeEvent(w, models.StreamEventMessage, models.StreamEvent{Text: "x"})
		writeEvent(w, models.StreamEventDone, models.StreamEvent{Text: models.StreamFinishedMarker})
	}))

	err := cs.SendMessageStreaming(context.Background(), models.MessagePayload{Message: "hi"}, models.StreamCallbacks{})
	assert.NoError(t, err)
}

func TestItems(t *testing.T) {
	cs := newChatService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/items":
			assert.Equal(t, "5", r.URL.Query().Get("skip"))
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			_ = json.NewEncoder(w).Encode(models.ChatList{
				Data:  []models.Chat{{ID: "1", Title: "Fireball"}},
				Count: 6,
			})
		case "/api/v1/items/1":
			_ = json.NewEncoder(w).Encode(models.Chat{ID: "1", Title: "Fireball"})
		case "/api/v1/items/1/messages":
			_ = json.NewEncoder(w).Encode(models.MessageList{
				Data:  []models.Message{{ID: "m1", Role: models.RoleUser, Text: "Fireball?"}},
				Count: 1,
			})
		default:
			http.NotFound(w, r)
		}
	}))

	ctx := context.Background()

	list, err := cs.Items(ctx, 5, 5)
	require.NoError(t, err)
	assert.Equal(t, 6, list.Count)
	require.Len(t, list.Data, 1)

	chat, err := cs.Item(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "Fireball", chat.Title)

	msgs, err := cs.ItemMessages(ctx, "1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)

	_, err = cs.Item(ctx, "2")
	assert.True(t, services.IsNotFound(err))
}
