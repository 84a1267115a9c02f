// Package logging provides the structured logger shared by every
// component of imap-login, built on log/slog the same way the rest of
// the infodancer mail-server family does.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type ctxKey struct{}

// NewLogger creates a slog.Logger writing JSON records to stderr at the
// given level ("debug", "info", "warn", "error"; unrecognized values
// default to "info").
func NewLogger(level string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(h)
}

func parseLevel(level string) slog.Level {
	switch level {
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

// WithLogger returns a context carrying logger, retrievable with FromContext.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger stored in ctx by WithLogger, or
// slog.Default() if none was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
