package testutil

import (
	"context"
	"time"

	"github.com/google/uuid"

	"enricher/pkg/requestcontext"
)

// BatchContext returns a context pinned to now and tagged with a fresh batch
// and correlation ID, as the batch runner would build it.
func BatchContext(now time.Time) context.Context {
	ctx := requestcontext.WithTime(context.Background(), now)
	ctx = requestcontext.WithCorrelationID(ctx, uuid.NewString())
	return requestcontext.WithBatchID(ctx, uuid.New())
}
