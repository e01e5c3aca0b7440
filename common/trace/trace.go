// Package trace provides trace ID generation and context propagation for
// request correlation across handler → sub-operation boundaries, including
// across the relay/agent HTTP hop via the X-Trace-ID header.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

// Header is the HTTP header that carries the trace ID between processes.
const Header = "X-Trace-ID"

// traceKey is the unexported context key used to store the trace ID.
type traceKey struct{}

// GenerateID generates a unique trace ID
func GenerateID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID if random fails (should never happen)
		return fmt.Sprintf("trace_%d", time.Now().UnixNano())
	}
	return "t_" + hex.EncodeToString(bytes)
}

// WithTraceID returns a child context carrying the given trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext extracts the trace ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// FromRequest returns a context derived from r carrying the request's trace
// ID, minting a new one when the header is absent or empty.
func FromRequest(r *http.Request) context.Context {
	id := r.Header.Get(Header)
	if id == "" {
		id = GenerateID()
	}
	return WithTraceID(r.Context(), id)
}

// SetHeader copies the trace ID from ctx onto an outbound request, minting
// one when the context has none so downstream logs stay correlatable.
func SetHeader(ctx context.Context, r *http.Request) {
	id := FromContext(ctx)
	if id == "" {
		id = GenerateID()
	}
	r.Header.Set(Header, id)
}
