package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	tabIDKey  contextKey = "tab_id"
	userIDKey contextKey = "user_id"
)

// WithContext returns a new context with the logger attached
func WithContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext retrieves the logger from context, or a no-op logger
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

// WithTabID records the engine instance handling the call
func WithTabID(ctx context.Context, tabID string) context.Context {
	ctx = context.WithValue(ctx, tabIDKey, tabID)
	return WithContext(ctx, FromContext(ctx).With(zap.String("tab_id", tabID)))
}

// WithUserID records the user the call acts for
func WithUserID(ctx context.Context, userID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return WithContext(ctx, FromContext(ctx).With(zap.String("user_id", userID)))
}

// TabID returns the tab id stored in ctx
func TabID(ctx context.Context) string {
	v, _ := ctx.Value(tabIDKey).(string)
	return v
}

// UserID returns the user id stored in ctx
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// L returns the context logger with trace_id and span_id of the active
// span, if any.
//
//	logger.L(ctx).Info("cache miss", zap.String("key", key))
func L(ctx context.Context) *zap.Logger {
	l := FromContext(ctx)
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return l
	}
	return l.With(
		zap.String("trace_id", spanCtx.TraceID().String()),
		zap.String("span_id", spanCtx.SpanID().String()),
	)
}
