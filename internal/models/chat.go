package models

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Chat represents a conversation container in the chat system. The backend assigns its ID on the first
// exchange and the same ID is reused as the session id for every following request.
type Chat struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message represents an individual entry of a conversation history. Messages are immutable once created
// and histories only ever grow by appending.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Role represents the sender of a message.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the model.
	RoleAssistant Role = "assistant"
)

// Streaming states of a rendered assistant bubble.
const (
	StreamingStateLoading   = "loading"
	StreamingStateStreaming = "streaming"
	StreamingStateEnded     = "ended"
)

// ErrChatNotFound is returned by stores and the chat service when the requested chat doesn't exist.
var ErrChatNotFound = errors.New("chat not found")

const titleLength = 20

// TitleFromMessage derives a chat title from the first message of a conversation: the first 20
// characters of the trimmed text.
func TitleFromMessage(message string) string {
	message = strings.TrimSpace(message)
	if utf8.RuneCountInString(message) <= titleLength {
		return message
	}
	return string([]rune(message)[:titleLength])
}
