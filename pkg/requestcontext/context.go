// Package requestcontext provides transport-independent context accessors for
// values scoped to one unit of engine work (a batch, a recovery pass, an
// operator call).
//
// Correlation and batch identifiers travel explicitly through context instead
// of living in goroutine-local state, so every log line and store call made on
// behalf of a batch can be tied back to it.
//
// Usage in the engine (set values):
//
//	ctx = requestcontext.WithCorrelationID(ctx, uuid.NewString())
//	ctx = requestcontext.WithBatchID(ctx, batchID)
//
// Usage in collaborators (read values):
//
//	batchID := requestcontext.BatchID(ctx)
//	now := requestcontext.Now(ctx)
//
// Usage in tests (inject values):
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
package requestcontext

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Context key types (unexported for encapsulation).
type (
	correlationIDKey struct{}
	batchIDKey       struct{}
	requestTimeKey   struct{}
)

// Exported context keys for direct use in tests that need context.WithValue.
var (
	ContextKeyCorrelationID = correlationIDKey{}
	ContextKeyBatchID       = batchIDKey{}
	ContextKeyRequestTime   = requestTimeKey{}
)

// CorrelationID retrieves the correlation ID from the context.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(ContextKeyCorrelationID).(string); ok {
		return v
	}
	return ""
}

// WithCorrelationID injects a correlation ID into the context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, ContextKeyCorrelationID, correlationID)
}

// EnsureCorrelationID returns ctx unchanged when it already carries a
// correlation ID, otherwise it attaches a fresh one.
func EnsureCorrelationID(ctx context.Context) context.Context {
	if CorrelationID(ctx) != "" {
		return ctx
	}
	return WithCorrelationID(ctx, uuid.NewString())
}

// BatchID retrieves the batch ID from the context.
// Returns uuid.Nil if not set.
func BatchID(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(ContextKeyBatchID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithBatchID injects a batch ID into the context.
func WithBatchID(ctx context.Context, batchID uuid.UUID) context.Context {
	return context.WithValue(ctx, ContextKeyBatchID, batchID)
}

// Now retrieves the scoped time from context.
// Falls back to time.Now() if not set.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context.
// Useful for:
//   - Unit tests that need deterministic thresholds
//   - Recovery passes that compute one cutoff for the whole pass
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
