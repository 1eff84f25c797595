// Package ports defines the collaborators the batch engine depends on.
// Concrete adapters live in store, registry, ratelimit and events; tests use
// the gomock doubles in ports/mocks.
package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"enricher/internal/enrichment/models"
	"enricher/internal/registry"
)

// RecordStore is the persisted work queue.
type RecordStore interface {
	Claim(ctx context.Context, limit int) ([]*models.WorkItem, error)
	Complete(ctx context.Context, ref models.ClaimRef, result []byte) error
	Fail(ctx context.Context, ref models.ClaimRef, errPayload []byte, retryable bool, maxRetries int) (models.Status, error)
	Release(ctx context.Context, ref models.ClaimRef, note []byte) error
	RecoverStuck(ctx context.Context, olderThan time.Time, maxRetries int) (int64, error)
	EscalateStuck(ctx context.Context, olderThan time.Time, maxRetries int, errPayload []byte) (int64, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
}

// RegistryClient performs one registry lookup per call.
type RegistryClient interface {
	Lookup(ctx context.Context, lookupKey string) (*registry.Result, error)
}

// ResultCache remembers successful registry answers.
type ResultCache interface {
	Get(ctx context.Context, lookupKey string) ([]byte, bool, error)
	Put(ctx context.Context, lookupKey string, payload []byte) error
}

// RateLimiter paces registry calls and learns from their outcome.
type RateLimiter interface {
	Acquire(ctx context.Context) error
	RecordTimeout()
	RecordSuccess()
}

// OutcomePublisher emits per-item outcome events. Publishing is best effort
// and must not block the worker.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, event models.OutcomeEvent)
}
