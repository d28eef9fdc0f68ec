package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/dm-companion/internal/logger"
	"github.com/MegaGrindStone/dm-companion/internal/models"
	"github.com/MegaGrindStone/dm-companion/internal/services"
	"github.com/MegaGrindStone/dm-companion/internal/stream"
	"github.com/tmaxmax/go-sse"
)

type chatItem struct {
	ID          string
	Title       string
	Description string
	CreatedAt   time.Time
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	StreamingState string
}

type homePageData struct {
	Chats []chatItem
	Count int
	Error string
}

type chatPageData struct {
	ConversationID string
	SessionID      string
	Title          string
	Messages       []message
}

const (
	modeStream = "stream"
	modeSingle = "single"

	errBusyText = "A response is still streaming"
)

// HandleHome renders the list of stored chats. Each chat links to its chat page through OpenItemURL.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), m.requestTimeout)
	defer cancel()

	data := homePageData{}
	list, err := m.chats.Items(ctx, 0, chatListLimit)
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(logger.ErrKey, err.Error()))
		data.Error = "Chats are unavailable right now."
	}
	for _, c := range list.Data {
		data.Chats = append(data.Chats, chatItem{
			ID:          c.ID,
			Title:       c.Title,
			Description: c.Description,
			CreatedAt:   c.CreatedAt,
		})
	}
	data.Count = list.Count

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(logger.ErrKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleChat opens a new conversation view. With an "id" query parameter the view resumes that chat:
// its stored messages seed the history and the id becomes the session id.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("id")
	data := chatPageData{Title: "New chat"}

	var opts []stream.Option
	if sessionID != "" {
		ctx, cancel := context.WithTimeout(r.Context(), m.requestTimeout)
		defer cancel()

		chat, history, err := m.resumeChat(ctx, sessionID)
		if services.IsNotFound(err) {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		if err != nil {
			m.logger.Error("Failed to resume chat",
				slog.String("chatID", sessionID),
				slog.String(logger.ErrKey, err.Error()))
			http.Error(w, "Failed to load chat", http.StatusBadGateway)
			return
		}

		data.Title = chat.Title
		opts = append(opts, stream.WithSessionID(chat.ID), stream.WithHistory(history))
	}

	conv, err := m.convs.open(opts...)
	if err != nil {
		m.logger.Error("Failed to open conversation", slog.String(logger.ErrKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data.ConversationID = conv.id
	data.SessionID = conv.agg.SessionID()
	data.Messages = m.renderHistory(conv.agg)

	if err := m.templates.ExecuteTemplate(w, "chat.html", data); err != nil {
		m.logger.Error("Failed to execute chat template", slog.String(logger.ErrKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) resumeChat(ctx context.Context, id string) (models.Chat, []models.Message, error) {
	chat, err := m.chats.Item(ctx, id)
	if err != nil {
		return models.Chat{}, nil, fmt.Errorf("failed to get chat: %w", err)
	}
	history, err := m.chats.ItemMessages(ctx, id)
	if err != nil {
		return models.Chat{}, nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return chat, history, nil
}

// HandleSend processes a message typed in a conversation view.
//
// The handler expects the "conversation_id" and "message" form fields and an optional "mode" field.
// In the default stream mode the user message is rendered right away together with a loading
// placeholder, and the response is pushed to the view over SSE as it streams in. In single mode the
// handler waits for the whole reply and renders both messages. Blank messages are ignored with 204, and a
// message sent while the previous response is still streaming is rejected with 409.
func (m Main) HandleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conv, ok := m.convs.get(r.FormValue("conversation_id"))
	if !ok {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	text := r.FormValue("message")
	if strings.TrimSpace(text) == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch mode := r.FormValue("mode"); mode {
	case "", modeStream:
		m.sendStreaming(w, conv, text)
	case modeSingle:
		m.sendSingle(w, r, conv, text)
	default:
		http.Error(w, fmt.Sprintf("Unknown mode %q", mode), http.StatusBadRequest)
	}
}

func (m Main) sendStreaming(w http.ResponseWriter, conv *conversation, text string) {
	if !conv.busy.CompareAndSwap(false, true) {
		http.Error(w, errBusyText, http.StatusConflict)
		return
	}

	started, err := conv.agg.Start(text, "")
	if err != nil || !started {
		conv.busy.Store(false)
	}
	if errors.Is(err, stream.ErrStreamInProgress) {
		http.Error(w, errBusyText, http.StatusConflict)
		return
	}
	if err != nil {
		m.logger.Error("Failed to start stream", slog.String(logger.ErrKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !started {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	history := conv.agg.History()
	userMsg := history[len(history)-1]

	m.streams.Add(1)
	go m.stream(conv, text)

	if err := m.templates.ExecuteTemplate(w, "user_message", m.renderMessage(userMsg, models.StreamingStateEnded)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	err = m.templates.ExecuteTemplate(w, "ai_message", message{
		Role:           string(models.RoleAssistant),
		StreamingState: models.StreamingStateLoading,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// stream runs one streaming exchange of conv and publishes every state change to the conversation
// topic. The aggregator is always released: either by the done event or by Abort.
func (m Main) stream(conv *conversation, text string) {
	defer m.streams.Done()

	topic := conversationTopic(conv.id)

	// Ensure SSE connection cleanup on function exit
	defer func() {
		e := &sse.Message{Type: closeSSEType}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e, topic)
	}()

	// released before closeMessage is published
	defer conv.busy.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), m.requestTimeout)
	defer cancel()

	var err error
	defer func() {
		if conv.agg.Abort(err) {
			m.logger.Warn("Stream aborted", slog.String("conversationID", conv.id))
		}
	}()

	err = m.chats.SendMessageStreaming(ctx, models.MessagePayload{
		Message: text,
		ID:      conv.agg.SessionID(),
	}, models.StreamCallbacks{
		OnSession: conv.agg.OnSessionIDAssigned,
		OnChunk: func(snapshot string) {
			conv.agg.OnChunk(snapshot)
			m.publish(topic, liveSSEType, string(m.renderer.Render(conv.agg.Buffer())))
		},
		OnDone: func() {
			msg, ok := conv.agg.OnComplete()
			if !ok {
				return
			}
			var sb strings.Builder
			if err := m.templates.ExecuteTemplate(&sb, "ai_message", m.renderMessage(msg, models.StreamingStateEnded)); err != nil {
				m.logger.Error("Failed to execute ai_message template", slog.String(logger.ErrKey, err.Error()))
				return
			}
			m.publish(topic, finalSSEType, sb.String())
		},
	})
	if err != nil {
		m.logger.Error("Stream failed",
			slog.String("conversationID", conv.id),
			slog.Bool("retryable", services.IsRetryable(err)),
			slog.String(logger.ErrKey, err.Error()))
		m.publish(topic, failedSSEType, template.HTMLEscapeString(failureText(err)))
	}
}

// sendSingle holds the conversation for the whole call, so the reply can always be recorded once the
// backend has stored it.
func (m Main) sendSingle(w http.ResponseWriter, r *http.Request, conv *conversation, text string) {
	if !conv.busy.CompareAndSwap(false, true) {
		http.Error(w, errBusyText, http.StatusConflict)
		return
	}
	defer conv.busy.Store(false)

	ctx, cancel := context.WithTimeout(r.Context(), m.requestTimeout)
	defer cancel()

	reply, err := m.chats.SendMessage(ctx, models.MessagePayload{
		Message: text,
		ID:      conv.agg.SessionID(),
	})
	if err != nil {
		m.logger.Error("Failed to send message",
			slog.String("conversationID", conv.id),
			slog.String(logger.ErrKey, err.Error()))
		http.Error(w, failureText(err), http.StatusBadGateway)
		return
	}

	if _, err := conv.agg.AppendExchange(text, reply.Message, reply.ID); err != nil {
		m.logger.Error("Failed to record exchange",
			slog.String("conversationID", conv.id),
			slog.String(logger.ErrKey, err.Error()))
		http.Error(w, errBusyText, http.StatusConflict)
		return
	}

	history := conv.agg.History()
	for i, tmpl := range []string{"user_message", "ai_message"} {
		msg := history[len(history)-2+i]
		if err := m.templates.ExecuteTemplate(w, tmpl, m.renderMessage(msg, models.StreamingStateEnded)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}

// HandleMessages re-renders the message list of a conversation view, including the live buffer when a
// response is streaming. Clients use it to resynchronise after an SSE reconnect.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := m.convs.get(r.URL.Query().Get("conversation_id"))
	if !ok {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	msgs := m.renderHistory(conv.agg)
	if conv.agg.Streaming() {
		msgs = append(msgs, message{
			Role:           string(models.RoleAssistant),
			Content:        m.renderer.Render(conv.agg.Buffer()),
			StreamingState: models.StreamingStateStreaming,
		})
	}

	if err := m.templates.ExecuteTemplate(w, "messages", msgs); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSSE serves the event stream of a conversation view.
// An open event stream keeps the conversation from being evicted.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	detach, ok := m.convs.attach(r.URL.Query().Get("conversation_id"))
	if !ok {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	defer detach()

	m.sseSrv.ServeHTTP(w, r)
}

// HandleHighlightCSS serves the stylesheet for highlighted code blocks.
func (m Main) HandleHighlightCSS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	if err := m.renderer.WriteCSS(w); err != nil {
		m.logger.Error("Failed to write highlight css", slog.String(logger.ErrKey, err.Error()))
	}
}

func (m Main) publish(topic string, typ sse.EventType, data string) {
	msg := sse.Message{Type: typ}
	msg.AppendData(data)
	if err := m.sseSrv.Publish(&msg, topic); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("topic", topic),
			slog.String(logger.ErrKey, err.Error()))
	}
}

func (m Main) renderHistory(agg *stream.Aggregator) []message {
	history := agg.History()
	msgs := make([]message, len(history))
	for i, msg := range history {
		msgs[i] = m.renderMessage(msg, models.StreamingStateEnded)
	}
	return msgs
}

func (m Main) renderMessage(msg models.Message, state string) message {
	return message{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Content:        m.renderer.Render(msg.Text),
		Timestamp:      msg.Timestamp,
		StreamingState: state,
	}
}

func failureText(err error) string {
	var serverErr *services.ServerError
	if errors.As(err, &serverErr) && serverErr.Detail != "" {
		return serverErr.Detail
	}
	if services.IsRetryable(err) {
		return "The chat service could not be reached. Please try again."
	}
	return "Something went wrong while answering."
}
