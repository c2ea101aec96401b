// Package trace provides trace ID generation and context propagation so that
// every log line of one auto-reply run (filter → memory → providers → send)
// can be correlated.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

type traceKey struct{}

// GenerateID returns a fresh trace ID of the form "r_<32 hex chars>".
func GenerateID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("r_%d", time.Now().UnixNano())
	}
	return "r_" + hex.EncodeToString(b)
}

// WithTraceID returns a child context carrying the given trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// New is shorthand for WithTraceID(ctx, GenerateID()).
func New(ctx context.Context) context.Context {
	return WithTraceID(ctx, GenerateID())
}

// FromContext extracts the trace ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}
