package logger

import (
	"context"

	"go.uber.org/zap"
)

type loggerContextKey struct{}

// WithContext returns a new context carrying log
func WithContext(ctx context.Context, log *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, log)
}

// FromContext returns the logger associated with ctx, or a no-op logger if none was assigned
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*zap.Logger); ok && l != nil {
		return l
	}

	return zap.NewNop()
}
