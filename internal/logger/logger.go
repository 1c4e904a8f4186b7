// Package logger provides structured logging using log/slog.
// It sets up a JSON handler with service-level context and carries the
// trading session ID through context.Context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey string

const sessionIDKey ctxKey = "session_id"

// Init creates a structured logger for the given service writing JSON to
// stdout, and installs it as the slog default.
func Init(service string, level slog.Level) *slog.Logger {
	return InitWriter(os.Stdout, service, level)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps LOG_LEVEL values to slog levels. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// WithSessionID stores a session ID in the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionID extracts the session ID from context. Returns "" if not set.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// LogWithSession returns slog attributes including the session ID from context.
// Usage: slog.Info("msg", logger.LogWithSession(ctx)...)
func LogWithSession(ctx context.Context) []any {
	id := SessionID(ctx)
	if id == "" {
		return nil
	}
	return []any{slog.String("session_id", id)}
}

// ForSession returns a child of l tagged with the session ID.
func ForSession(l *slog.Logger, id string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("session_id", id))
}
