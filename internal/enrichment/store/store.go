// Package store persists enrichment work items.
//
// The claim is the only synchronization point between engine instances: a
// claim atomically moves READY items to PROCESSING and stamps them with a fresh
// claim token. Every later write names that token and only applies while the
// row is still PROCESSING under it, so a claim that was lost to recovery and
// re-claimed elsewhere cannot overwrite the new holder's outcome.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"enricher/internal/enrichment/models"
)

// Store is the record store used by the engine. Implementations must make
// Claim atomic: concurrent claims never return overlapping items.
type Store interface {
	// Claim moves up to limit oldest READY items to PROCESSING.
	Claim(ctx context.Context, limit int) ([]*models.WorkItem, error)
	// Complete moves a claimed item to DONE with the registry payload.
	Complete(ctx context.Context, ref models.ClaimRef, result []byte) error
	// Fail records a failed attempt and returns the resulting status.
	Fail(ctx context.Context, ref models.ClaimRef, errPayload []byte, retryable bool, maxRetries int) (models.Status, error)
	// Release returns a claimed item to READY without counting an attempt.
	Release(ctx context.Context, ref models.ClaimRef, note []byte) error
	// RecoverStuck resets PROCESSING items claimed before olderThan with
	// retries left back to READY, incrementing their retry count.
	RecoverStuck(ctx context.Context, olderThan time.Time, maxRetries int) (int64, error)
	// EscalateStuck moves PROCESSING items claimed before olderThan with no
	// retries left to ERROR.
	EscalateStuck(ctx context.Context, olderThan time.Time, maxRetries int, errPayload []byte) (int64, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
	// Enqueue creates READY items for the given lookup keys.
	Enqueue(ctx context.Context, lookupKeys ...string) ([]uuid.UUID, error)
	// Insert stores an item as-is. Used by import tooling and tests.
	Insert(ctx context.Context, item *models.WorkItem) error
	Get(ctx context.Context, id uuid.UUID) (*models.WorkItem, error)
}

// failTransition applies the retry policy shared by all implementations.
func failTransition(retryCount int, retryable bool, maxRetries int) (models.Status, int) {
	if !retryable {
		return models.StatusManualReview, retryCount
	}
	if retryCount < maxRetries {
		return models.StatusReady, retryCount + 1
	}
	return models.StatusError, retryCount
}
