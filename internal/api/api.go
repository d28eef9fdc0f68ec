// Package api implements the chat backend HTTP API: the message endpoints that resolve a chat, retrieve
// rules context and ask the model, and the items endpoints that manage stored chats.
package api

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/dm-companion/internal/logger"
	"github.com/MegaGrindStone/dm-companion/internal/models"
	"github.com/MegaGrindStone/dm-companion/internal/rules"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// LLM represents a large language model interface that provides chat functionality. It accepts a context
// and a sequence of messages, returning an iterator that yields response deltas and potential errors.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// Store defines the interface for managing chat and message persistence.
type Store interface {
	Chats(ctx context.Context) ([]models.Chat, error)
	Chat(ctx context.Context, id string) (models.Chat, error)
	AddChat(ctx context.Context, chat models.Chat) (string, error)
	UpdateChat(ctx context.Context, chat models.Chat) error
	DeleteChat(ctx context.Context, id string) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
}

// Retriever finds the rules entries relevant to a question.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]rules.Result, error)
}

// API serves the chat backend endpoints.
type API struct {
	llm       LLM
	store     Store
	retriever Retriever
	topK      int

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option configures an API.
type Option func(*API)

// WithRetriever enables rules context retrieval; topK entries are added to every prompt.
func WithRetriever(r Retriever, topK int) Option {
	return func(a *API) {
		a.retriever = r
		a.topK = topK
	}
}

// WithClock replaces the clock used to timestamp chats and messages.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.now = now
	}
}

const (
	defaultSkip  = 0
	defaultLimit = 100
)

// Error details returned to clients.
const (
	detailBlankMessage = "Message must not be empty"
	detailChatNotFound = "Chat not found"
	detailItemNotFound = "Item not found"
	detailInvalidBody  = "Invalid request body"
)

// New creates an API backed by llm and store.
func New(llm LLM, store Store, logger *slog.Logger, opts ...Option) API {
	a := API{
		llm:    llm,
		store:  store,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		logger: logger.With(slog.String("module", "api")),
	}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// Router returns the gin engine serving every endpoint.
func (a API) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), a.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")

	chats := v1.Group("/chats")
	chats.POST("/message", a.handleMessage)
	chats.POST("/message/streaming", a.handleMessageStreaming)

	items := v1.Group("/items")
	items.GET("", a.handleListItems)
	items.POST("", a.handleCreateItem)
	items.GET("/:id", a.handleGetItem)
	items.PUT("/:id", a.handleUpdateItem)
	items.DELETE("/:id", a.handleDeleteItem)
	items.GET("/:id/messages", a.handleItemMessages)

	return r
}

func (a API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		a.logger.Info("Request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

func (a API) fail(c *gin.Context, status int, msg string, err error) {
	if err != nil && status >= http.StatusInternalServerError {
		a.logger.Error(msg, slog.String(logger.ErrKey, err.Error()))
	}
	c.AbortWithStatusJSON(status, models.ErrorDetail{Detail: msg})
}
