package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/dm-companion/internal/logger"
	"github.com/MegaGrindStone/dm-companion/internal/models"
	"github.com/tmaxmax/go-sse"
)

// ChatService is a client for the chat API served by cmd/backend. It offers the single-shot and the
// streaming message exchange, plus read access to the stored chats.
type ChatService struct {
	baseURL string
	client  *http.Client

	logger *slog.Logger
}

const (
	apiPrefix = "/api/v1"

	maxErrorBody = 64 << 10
)

// NewChatService creates a ChatService for the API at baseURL. A nil client uses a zero http.Client;
// request deadlines come from the contexts passed to each call.
func NewChatService(baseURL string, client *http.Client, logger *slog.Logger) ChatService {
	if client == nil {
		client = &http.Client{}
	}
	return ChatService{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With(slog.String("module", "chatservice")),
	}
}

// SendMessage sends payload and waits for the complete reply. The reply carries the session id, which
// the backend assigns when payload.ID is empty.
func (c ChatService) SendMessage(ctx context.Context, payload models.MessagePayload) (models.MessageReply, error) {
	var reply models.MessageReply
	if err := c.getJSON(ctx, "sendMessage", http.MethodPost, "/chats/message", payload, &reply); err != nil {
		return models.MessageReply{}, err
	}
	return reply, nil
}

// SendMessageStreaming sends payload and feeds the response stream into cb: OnSession once the backend
// resolved the chat, OnChunk for every cumulative snapshot, and OnDone exactly once when the stream
// completes. A stream that ends without its done event fails with a NetworkError wrapping
// io.ErrUnexpectedEOF; an error event fails with a ServerError.
func (c ChatService) SendMessageStreaming(
	ctx context.Context,
	payload models.MessagePayload,
	cb models.StreamCallbacks,
) error {
	const op = "sendMessageStreaming"

	resp, err := c.do(ctx, op, http.MethodPost, "/chats/message/streaming", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			return &NetworkError{Op: op, Err: err}
		}

		var data models.StreamEvent
		if err := json.Unmarshal([]byte(ev.Data), &data); err != nil {
			c.logger.Warn("Malformed stream event, using raw data",
				slog.String("type", ev.Type),
				slog.String(logger.ErrKey, err.Error()))
			data = models.StreamEvent{Text: ev.Data}
		}

		switch ev.Type {
		case models.StreamEventSession:
			if cb.OnSession != nil {
				cb.OnSession(data.ID)
			}
		case models.StreamEventMessage:
			if cb.OnChunk != nil {
				cb.OnChunk(data.Text)
			}
		case models.StreamEventDone:
			if cb.OnDone != nil {
				cb.OnDone()
			}
			return nil
		case models.StreamEventError:
			return &ServerError{StatusCode: http.StatusBadGateway, Detail: data.Text}
		default:
			c.logger.Debug("Skipping unknown stream event", slog.String("type", ev.Type))
		}
	}

	return &NetworkError{Op: op, Err: io.ErrUnexpectedEOF}
}

// Items lists stored chats, newest first.
func (c ChatService) Items(ctx context.Context, skip, limit int) (models.ChatList, error) {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(skip))
	q.Set("limit", strconv.Itoa(limit))

	var list models.ChatList
	if err := c.getJSON(ctx, "items", http.MethodGet, "/items?"+q.Encode(), nil, &list); err != nil {
		return models.ChatList{}, err
	}
	return list, nil
}

// Item returns the chat with the given id.
func (c ChatService) Item(ctx context.Context, id string) (models.Chat, error) {
	var chat models.Chat
	if err := c.getJSON(ctx, "item", http.MethodGet, "/items/"+url.PathEscape(id), nil, &chat); err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// ItemMessages returns the stored history of the chat with the given id.
func (c ChatService) ItemMessages(ctx context.Context, id string) ([]models.Message, error) {
	var list models.MessageList
	path := "/items/" + url.PathEscape(id) + "/messages"
	if err := c.getJSON(ctx, "itemMessages", http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

func (c ChatService) getJSON(ctx context.Context, op, method, path string, body, out any) error {
	resp, err := c.do(ctx, op, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}

func (c ChatService) do(ctx context.Context, op, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to marshal request: %w", op, err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, r)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Request", slog.String("op", op), slog.String("method", method), slog.String("path", path))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, readServerError(resp)
	}
	return resp, nil
}

func readServerError(resp *http.Response) *ServerError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var detail models.ErrorDetail
	if err := json.Unmarshal(body, &detail); err != nil || detail.Detail == "" {
		detail.Detail = strings.TrimSpace(string(body))
	}
	return &ServerError{StatusCode: resp.StatusCode, Detail: detail.Detail}
}
