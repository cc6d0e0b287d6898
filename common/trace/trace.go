// Package trace carries a correlation id through a context so that every log
// line emitted during one operation (a scheduled backup cycle, a CLI command,
// an HTTP request) can be grouped together.
package trace

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}

// GenerateID returns a new trace id. The id embeds a UUIDv7 so that ids sort
// roughly by creation time in log aggregators.
func GenerateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "t_" + uuid.NewString()
	}
	return "t_" + id.String()
}

// WithTraceID returns a child context carrying the given trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// Ensure returns ctx unchanged when it already carries a trace id, otherwise a
// child context with a freshly generated one.
func Ensure(ctx context.Context) context.Context {
	if FromContext(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, GenerateID())
}

// FromContext extracts the trace ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}
