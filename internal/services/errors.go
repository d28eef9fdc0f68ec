package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/MegaGrindStone/dm-companion/internal/models"
)

// NetworkError reports a transport failure while talking to the chat API: the request couldn't be sent,
// the connection broke, or a stream ended before its done event. These failures are retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failed operation may succeed when repeated.
func (e *NetworkError) Retryable() bool {
	return true
}

// ServerError reports a non-2xx response, or an error event on a stream, from the chat API. These
// failures are not retryable.
type ServerError struct {
	StatusCode int
	Detail     string
}

func (e *ServerError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server error: %d: %s", e.StatusCode, e.Detail)
}

// Is lets errors.Is match a 404 against models.ErrChatNotFound.
func (e *ServerError) Is(target error) bool {
	return target == models.ErrChatNotFound && e.StatusCode == http.StatusNotFound
}

// Retryable reports whether the failed operation may succeed when repeated.
func (e *ServerError) Retryable() bool {
	return false
}

// IsNotFound reports whether err means the requested chat doesn't exist.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrChatNotFound)
}

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
