package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/dm-companion/internal/logger"
	"github.com/MegaGrindStone/dm-companion/internal/models"
	"github.com/MegaGrindStone/dm-companion/internal/rules"
	"github.com/gin-gonic/gin"
)

func (a API) handleMessage(c *gin.Context) {
	chat, history, payload, ok := a.resolveChat(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()

	var reply strings.Builder
	for delta, err := range a.llm.Chat(ctx, a.promptMessages(ctx, history, payload.Message)) {
		if err != nil {
			a.fail(c, http.StatusBadGateway, "Failed to get response from model", err)
			return
		}
		reply.WriteString(delta)
	}

	if err := a.saveExchange(ctx, chat.ID, payload.Message, reply.String()); err != nil {
		a.fail(c, http.StatusInternalServerError, "Failed to save messages", err)
		return
	}

	c.JSON(http.StatusOK, models.MessageReply{
		Message: reply.String(),
		ID:      chat.ID,
	})
}

// handleMessageStreaming answers with server-sent events. Every message event carries the whole response
// produced so far, and a done event closes a successful stream.
func (a API) handleMessageStreaming(c *gin.Context) {
	chat, history, payload, ok := a.resolveChat(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	send := func(event string, data models.StreamEvent) {
		c.SSEvent(event, data)
		c.Writer.Flush()
	}

	send(models.StreamEventSession, models.StreamEvent{ID: chat.ID})

	var reply strings.Builder
	for delta, err := range a.llm.Chat(ctx, a.promptMessages(ctx, history, payload.Message)) {
		if err != nil {
			a.logger.Error("Failed to get response from model",
				slog.String("chatID", chat.ID),
				slog.String(logger.ErrKey, err.Error()),
			)
			send(models.StreamEventError, models.StreamEvent{Text: err.Error()})
			return
		}
		reply.WriteString(delta)
		send(models.StreamEventMessage, models.StreamEvent{Text: reply.String()})
	}

	if ctx.Err() != nil {
		a.logger.Warn("Client went away before the response completed", slog.String("chatID", chat.ID))
		return
	}

	if err := a.saveExchange(ctx, chat.ID, payload.Message, reply.String()); err != nil {
		a.logger.Error("Failed to save messages",
			slog.String("chatID", chat.ID),
			slog.String(logger.ErrKey, err.Error()),
		)
		send(models.StreamEventError, models.StreamEvent{Text: "Failed to save messages"})
		return
	}

	send(models.StreamEventDone, models.StreamEvent{Text: models.StreamFinishedMarker})
}

// resolveChat decodes the payload and finds the chat it belongs to: an existing chat with its history
// when an ID is given, otherwise a new chat titled after the message. On failure the response is already
// written.
func (a API) resolveChat(c *gin.Context) (models.Chat, []models.Message, models.MessagePayload, bool) {
	var payload models.MessagePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		a.fail(c, http.StatusBadRequest, detailInvalidBody, err)
		return models.Chat{}, nil, payload, false
	}
	if strings.TrimSpace(payload.Message) == "" {
		a.fail(c, http.StatusBadRequest, detailBlankMessage, nil)
		return models.Chat{}, nil, payload, false
	}

	ctx := c.Request.Context()

	if payload.ID != "" {
		chat, err := a.store.Chat(ctx, payload.ID)
		if errors.Is(err, models.ErrChatNotFound) {
			a.fail(c, http.StatusNotFound, detailChatNotFound, err)
			return models.Chat{}, nil, payload, false
		}
		if err != nil {
			a.fail(c, http.StatusInternalServerError, "Failed to get chat", err)
			return models.Chat{}, nil, payload, false
		}

		history, err := a.store.Messages(ctx, chat.ID)
		if err != nil {
			a.fail(c, http.StatusInternalServerError, "Failed to get messages", err)
			return models.Chat{}, nil, payload, false
		}
		return chat, history, payload, true
	}

	chat := models.Chat{
		ID:        a.newID(),
		Title:     models.TitleFromMessage(payload.Message),
		CreatedAt: a.now(),
	}
	id, err := a.store.AddChat(ctx, chat)
	if err != nil {
		a.fail(c, http.StatusInternalServerError, "Failed to create chat", err)
		return models.Chat{}, nil, payload, false
	}
	chat.ID = id

	a.logger.Info("Chat created", slog.String("chatID", id))
	return chat, nil, payload, true
}

// promptMessages is the history followed by the question, wrapped with the retrieved rules context. A
// failed retrieval degrades to the bare question.
func (a API) promptMessages(ctx context.Context, history []models.Message, question string) []models.Message {
	prompt := question
	if a.retriever != nil {
		results, err := a.retriever.Search(ctx, question, a.topK)
		if err != nil {
			a.logger.Warn("Failed to retrieve rules context", slog.String(logger.ErrKey, err.Error()))
		} else {
			prompt = rules.Prompt(results, question)
		}
	}

	msgs := make([]models.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	return append(msgs, models.Message{
		Role:      models.RoleUser,
		Text:      prompt,
		Timestamp: a.now(),
	})
}

func (a API) saveExchange(ctx context.Context, chatID, question, answer string) error {
	for _, msg := range []models.Message{
		{ID: a.newID(), Role: models.RoleUser, Text: question, Timestamp: a.now()},
		{ID: a.newID(), Role: models.RoleAssistant, Text: answer, Timestamp: a.now()},
	} {
		if _, err := a.store.AddMessage(ctx, chatID, msg); err != nil {
			return fmt.Errorf("failed to add %s message: %w", msg.Role, err)
		}
	}
	return nil
}
