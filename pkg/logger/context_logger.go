package logger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type ctxKey uint8

const (
	requestIDKey ctxKey = iota
	traceIDKey
	userIDKey
	channelIDKey
)

// fieldNames orders the request-scoped fields in every log line.
var fieldNames = [...]struct {
	key  ctxKey
	name string
}{
	{requestIDKey, "request_id"},
	{traceIDKey, "trace_id"},
	{userIDKey, "user_id"},
	{channelIDKey, "channel_id"},
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestIDKey, id)
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return withValue(ctx, traceIDKey, id)
}

func WithUserID(ctx context.Context, id string) context.Context {
	return withValue(ctx, userIDKey, id)
}

// WithChannelID tags the request with the voice channel it addresses.
func WithChannelID(ctx context.Context, id string) context.Context {
	return withValue(ctx, channelIDKey, id)
}

// RequestID returns the request ID stored by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

func withValue(ctx context.Context, key ctxKey, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

// ContextLogger stamps log lines with the request, trace, user and channel
// carried by a context.
type ContextLogger struct {
	base *zap.Logger
}

func NewContextLogger(base *zap.Logger) *ContextLogger {
	return &ContextLogger{base: base}
}

// For returns the base logger with every request-scoped field found in ctx.
func (l *ContextLogger) For(ctx context.Context) *zap.Logger {
	fields := make([]zap.Field, 0, len(fieldNames))
	for _, f := range fieldNames {
		if v, ok := ctx.Value(f.key).(string); ok {
			fields = append(fields, zap.String(f.name, v))
		}
	}
	if len(fields) == 0 {
		return l.base
	}
	return l.base.With(fields...)
}

// LogRequest writes the access log line for one presence API request.
// Server errors log at error level, client errors at warn.
func (l *ContextLogger) LogRequest(ctx context.Context, method, path string, status int, elapsed time.Duration) {
	log := l.For(ctx)
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Duration("elapsed", elapsed),
	}
	switch {
	case status >= 500:
		log.Error("request failed", fields...)
	case status >= 400:
		log.Warn("request rejected", fields...)
	default:
		log.Info("request", fields...)
	}
}
