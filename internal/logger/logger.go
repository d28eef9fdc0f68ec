// Package logger builds the root slog.Logger shared by both binaries. Components receive it through
// their constructors and specialise it with a "module" attribute.
package logger

import (
	"io"
	"log/slog"
	"strings"
)

// ErrKey is the attribute key every component logs errors under.
const ErrKey = "err"

// New returns a logger writing to w. Format "json" selects the JSON handler, anything else the text
// handler. The level is parsed with ParseLevel.
func New(w io.Writer, level, format string) *slog.Logger {
	levelVar := new(slog.LevelVar)
	levelVar.Set(ParseLevel(level))

	opts := &slog.HandlerOptions{Level: levelVar}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps debug, warn and error to their slog levels. Everything else is info.
func ParseLevel(lvl string) slog.Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops every record. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
