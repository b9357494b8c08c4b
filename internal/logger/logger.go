// Package logger wires a zap.Logger through context.Context so every
// component logs with the same structured sink without threading a logger
// argument through every call.
package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const loggerKey contextKey = "nodeagent-logger"

// Prepare creates a production logger and stores it in the returned context.
func Prepare(ctx context.Context) (context.Context, *zap.Logger) {
	l := NewProduction()
	return context.WithValue(ctx, loggerKey, l), l
}

// Get retrieves the logger from ctx, falling back to a fresh production
// logger so callers never see a nil *zap.Logger.
func Get(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return NewProduction()
	}
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok && l != nil {
		return l
	}
	return NewProduction()
}

// WithFields returns a context carrying a sub-logger with the given fields
// attached.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, loggerKey, Get(ctx).With(fields...))
}

// WithComponent tags the context's logger with a "component" field.
func WithComponent(ctx context.Context, component string) context.Context {
	return WithFields(ctx, zap.String("component", component))
}

// NewProduction builds the agent's default JSON logger: info level, ISO8601
// timestamps, stdout.
func NewProduction() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// NewDevelopment builds a human-readable console logger for local runs.
func NewDevelopment() *zap.Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}
