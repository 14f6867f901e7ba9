package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	cycleIDKey contextKey = "cycle_id"
)

// WithLogger returns a new context carrying the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// With enriches the context logger with args and stores it back in the context.
func With(ctx context.Context, args ...any) (context.Context, *slog.Logger) {
	logger := LoggerFromContext(ctx).With(args...)

	return WithLogger(ctx, logger), logger
}

// WithCycleID marks the context as belonging to a sync cycle.
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey, id)
}

// CycleID returns the sync cycle identifier stored in ctx, if any.
func CycleID(ctx context.Context) string {
	id, _ := ctx.Value(cycleIDKey).(string)

	return id
}
