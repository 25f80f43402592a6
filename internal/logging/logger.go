// Package logging builds the structured logger used across foodlens and provides
// the single funnel through which every handled failure is recorded.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	apperrors "github.com/xelth-com/foodlens/internal/errors"
)

// New creates a slog logger writing to out.
// level is one of debug, info, warn, error; format is json or text.
func New(out io.Writer, level, format string) *slog.Logger {
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Used by tests and by components
// constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// Failure records a handled error with its kind, message and context.
// Errors of kind NotFound are logged at debug level since they are expected outcomes.
func Failure(l *slog.Logger, err error, msg string, attrs ...any) {
	if l == nil || err == nil {
		return
	}
	kind := apperrors.KindOf(err)

	level := slog.LevelWarn
	switch kind {
	case apperrors.KindNotFound:
		level = slog.LevelDebug
	case apperrors.KindInternal, apperrors.KindStorage:
		level = slog.LevelError
	}

	args := make([]any, 0, len(attrs)+4)
	args = append(args, slog.String("kind", string(kind)), slog.String("error", err.Error()))
	args = append(args, attrs...)
	l.Log(context.Background(), level, msg, args...)
}
