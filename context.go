package testuser

import (
	"context"

	"github.com/google/uuid"
)

type correlationIDContextKey struct{}

// WithCorrelationID attaches an identifier that is copied onto log lines and
// lifecycle events produced by the call. Engine methods generate one when
// ctx carries none.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDContextKey{}, id)
}

// CorrelationID returns the identifier attached to ctx, if any.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationIDContextKey{}).(string)
	return id
}

func ensureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithCorrelationID(ctx, id), id
}
