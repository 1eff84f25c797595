// Package batch runs one claim-enrich-write cycle over the record store and
// recovers items left behind by crashed or timed-out cycles.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"enricher/internal/enrichment/metrics"
	"enricher/internal/enrichment/models"
	"enricher/internal/enrichment/ports"
	"enricher/internal/platform/config"
	"enricher/internal/platform/logger"
	"enricher/internal/registry"
	"enricher/pkg/platform/circuit"
	"enricher/pkg/platform/privacy"
	"enricher/pkg/platform/sentinel"
	"enricher/pkg/requestcontext"
)

const (
	defaultStoreTimeout = 10 * time.Second

	// LargePayloadBytes is the payload size above which a result is logged
	// and counted for monitoring.
	LargePayloadBytes = 10_000
)

// itemResult is what one worker did with its item.
type itemResult int

const (
	resultOutstanding itemResult = iota // left PROCESSING for recovery
	resultSucceeded
	resultFailed
	resultReleased
)

// Runner executes batches. Only one batch runs at a time per Runner; a second
// trigger while one is in flight is skipped.
type Runner struct {
	store     ports.RecordStore
	registry  ports.RegistryClient
	breaker   *circuit.Breaker
	limiter   ports.RateLimiter
	cache     ports.ResultCache
	publisher ports.OutcomePublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	cfg       config.Batch

	inFlight atomic.Bool
}

type Option func(*Runner)

// WithCache consults the result cache before calling the registry.
func WithCache(cache ports.ResultCache) Option {
	return func(r *Runner) {
		r.cache = cache
	}
}

// WithPublisher emits an outcome event after every item write.
func WithPublisher(publisher ports.OutcomePublisher) Option {
	return func(r *Runner) {
		r.publisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// New wires a runner. Store, registry, breaker and limiter are required.
func New(
	store ports.RecordStore,
	registryClient ports.RegistryClient,
	breaker *circuit.Breaker,
	limiter ports.RateLimiter,
	cfg config.Batch,
	opts ...Option,
) (*Runner, error) {
	if store == nil {
		return nil, errors.New("record store is required")
	}
	if registryClient == nil {
		return nil, errors.New("registry client is required")
	}
	if breaker == nil {
		return nil, errors.New("circuit breaker is required")
	}
	if limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if cfg.BatchSize <= 0 || cfg.ThreadPoolSize <= 0 {
		return nil, fmt.Errorf("batch size and thread pool size must be positive, got %d and %d", cfg.BatchSize, cfg.ThreadPoolSize)
	}
	if cfg.BatchTimeout <= 0 {
		return nil, errors.New("batch timeout must be positive")
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("max retries must not be negative")
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}

	r := &Runner{
		store:    store,
		registry: registryClient,
		breaker:  breaker,
		limiter:  limiter,
		cfg:      cfg,
		logger:   slog.Default(),
		tracer:   otel.Tracer("enricher/batch"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// InFlight reports whether a batch is currently running.
func (r *Runner) InFlight() bool {
	return r.inFlight.Load()
}

// RunOneBatch claims up to BatchSize READY items and processes them on a
// bounded worker pool. It never returns an error: per-item failures are
// recorded on the items, and a store failure or timeout yields an outcome
// with Success=false. Items that were not written stay PROCESSING for
// recovery.
func (r *Runner) RunOneBatch(ctx context.Context) models.BatchOutcome {
	startedAt := time.Now()
	if !r.inFlight.CompareAndSwap(false, true) {
		outcome := models.BatchOutcome{
			Skipped:   true,
			Message:   "another batch is in progress",
			StartedAt: startedAt,
		}
		r.logger.WarnContext(ctx, "batch skipped, another batch is in progress")
		r.metrics.ObserveBatch(outcome)
		return outcome
	}
	defer r.inFlight.Store(false)

	batchID := uuid.New()
	ctx = requestcontext.EnsureCorrelationID(ctx)
	ctx = requestcontext.WithBatchID(ctx, batchID)
	ctx, span := r.tracer.Start(ctx, "enrichment.batch", trace.WithAttributes(
		attribute.String("batch.id", batchID.String()),
		attribute.Int("batch.size", r.cfg.BatchSize),
	))
	defer span.End()
	log := logger.FromContext(ctx, r.logger)

	outcome := r.run(ctx, log)
	outcome.BatchID = batchID
	outcome.StartedAt = startedAt
	outcome.Duration = time.Since(startedAt)

	span.SetAttributes(
		attribute.Int("batch.claimed", outcome.Claimed),
		attribute.Int("batch.succeeded", outcome.Succeeded),
		attribute.Int("batch.failed", outcome.Failed),
		attribute.Int("batch.outstanding", outcome.Outstanding),
	)
	if !outcome.Success {
		span.SetStatus(codes.Error, outcome.Message)
	}
	r.metrics.ObserveBatch(outcome)

	attrs := []any{
		"claimed", outcome.Claimed,
		"processed", outcome.Processed,
		"succeeded", outcome.Succeeded,
		"failed", outcome.Failed,
		"released", outcome.Released,
		"outstanding", outcome.Outstanding,
		"duration", outcome.Duration,
	}
	switch {
	case outcome.Empty:
		log.InfoContext(ctx, "no READY items to process")
	case outcome.Success:
		log.InfoContext(ctx, "batch completed", attrs...)
	default:
		log.ErrorContext(ctx, "batch failed", append(attrs, "reason", outcome.Message)...)
	}
	if outcome.Claimed > 0 {
		r.logProgress(ctx, log)
	}
	return outcome
}

// tally counts worker results. Workers report concurrently.
type tally struct {
	mu        sync.Mutex
	succeeded int
	failed    int
	released  int
}

func (t *tally) add(res itemResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch res {
	case resultSucceeded:
		t.succeeded++
	case resultFailed:
		t.failed++
	case resultReleased:
		t.failed++
		t.released++
	}
}

func (r *Runner) run(ctx context.Context, log *slog.Logger) models.BatchOutcome {
	// Claiming while the circuit is open would fail every item fast and burn
	// a retry on each. The items stay READY until the registry is probed.
	if r.breaker.State() == circuit.StateOpen {
		log.WarnContext(ctx, "registry circuit open, batch not claimed")
		return models.BatchOutcome{Message: "registry circuit open, no items claimed"}
	}

	claimCtx, cancelClaim := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	items, err := r.store.Claim(claimCtx, r.cfg.BatchSize)
	cancelClaim()
	if err != nil {
		log.ErrorContext(ctx, "failed to claim work items", "error", err)
		return models.BatchOutcome{Message: fmt.Sprintf("claim work items: %v", err)}
	}
	if len(items) == 0 {
		return models.BatchOutcome{Empty: true, Success: true, Message: "no items to process"}
	}
	log.InfoContext(ctx, "claimed work items", "count", len(items))

	batchCtx, cancel := context.WithTimeout(ctx, r.cfg.BatchTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(batchCtx)
	g.SetLimit(r.cfg.ThreadPoolSize)

	var counts tally
	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res, err := r.processItem(gctx, item)
			counts.add(res)
			return err
		})
	}
	abortErr := g.Wait()

	outcome := models.BatchOutcome{
		Claimed:   len(items),
		Succeeded: counts.succeeded,
		Failed:    counts.failed,
		Released:  counts.released,
	}
	outcome.Processed = outcome.Succeeded + outcome.Failed
	outcome.Outstanding = outcome.Claimed - outcome.Processed

	switch {
	case abortErr != nil:
		outcome.Message = fmt.Sprintf("batch aborted: %v", abortErr)
	case errors.Is(batchCtx.Err(), context.DeadlineExceeded) && outcome.Outstanding > 0:
		outcome.Message = fmt.Sprintf("batch timed out after %s with %d items outstanding", r.cfg.BatchTimeout, outcome.Outstanding)
	case ctx.Err() != nil && outcome.Outstanding > 0:
		outcome.Message = fmt.Sprintf("batch cancelled with %d items outstanding", outcome.Outstanding)
	default:
		outcome.Success = true
		outcome.Message = fmt.Sprintf("processed %d/%d items", outcome.Succeeded, outcome.Claimed)
	}
	return outcome
}

// processItem runs cache, breaker, limiter and registry for one item and
// writes the result. It returns an error only when a store write failed for
// a reason other than a lost claim; that aborts the batch.
func (r *Runner) processItem(ctx context.Context, item *models.WorkItem) (itemResult, error) {
	ctx, span := r.tracer.Start(ctx, "enrichment.item", trace.WithAttributes(
		attribute.String("item.id", item.ID.String()),
		attribute.Int("item.retry_count", item.RetryCount),
	))
	defer span.End()
	log := logger.FromContext(ctx, r.logger).With(
		"item_id", item.ID.String(),
		"key", privacy.RedactKey(item.LookupKey),
	)

	if payload, ok := r.cachedResult(ctx, item, log); ok {
		return r.complete(ctx, item, payload, log)
	}

	ticket, err := r.breaker.Allow()
	if err != nil {
		log.DebugContext(ctx, "registry circuit open, failing fast")
		return r.fail(ctx, item, models.ErrorPayload{
			Category: models.CategoryCircuitOpen,
			Message:  err.Error(),
		}, true, log)
	}

	if err := r.limiter.Acquire(ctx); err != nil {
		r.breaker.Release(ticket)
		if ctx.Err() != nil {
			return resultOutstanding, nil
		}
		return r.release(ctx, item, models.ErrorPayload{
			Category: models.CategoryRateLimited,
			Message:  err.Error(),
		}, log)
	}

	start := time.Now()
	result, err := r.registry.Lookup(ctx, item.LookupKey)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			// The batch ended under the call; the outcome says nothing about
			// registry health.
			r.breaker.Release(ticket)
			r.metrics.ObserveRegistryLatency("cancelled", elapsed)
			return resultOutstanding, nil
		}
		kind := registry.KindOf(err)
		r.metrics.ObserveRegistryLatency(string(kind), elapsed)
		r.recordBreaker(ctx, ticket, !registry.TripsBreaker(err), log)
		if registry.SignalsOverload(err) {
			r.limiter.RecordTimeout()
		}
		span.RecordError(err)
		return r.fail(ctx, item, models.ErrorPayload{
			Category:   categoryFor(kind),
			Message:    err.Error(),
			StatusCode: registry.StatusCodeOf(err),
		}, registry.IsRetryable(err), log)
	}

	r.metrics.ObserveRegistryLatency("ok", elapsed)
	r.recordBreaker(ctx, ticket, true, log)
	r.limiter.RecordSuccess()

	if len(result.Payload) > LargePayloadBytes {
		r.metrics.IncrementLargePayloads()
		log.InfoContext(ctx, "large registry payload", "bytes", len(result.Payload))
	}
	if r.cache != nil {
		if err := r.cache.Put(ctx, item.LookupKey, result.Payload); err != nil {
			r.metrics.IncrementCache("put_error")
			log.WarnContext(ctx, "failed to cache registry result", "error", err)
		}
	}
	return r.complete(ctx, item, result.Payload, log)
}

func (r *Runner) cachedResult(ctx context.Context, item *models.WorkItem, log *slog.Logger) ([]byte, bool) {
	if r.cache == nil {
		return nil, false
	}
	payload, ok, err := r.cache.Get(ctx, item.LookupKey)
	switch {
	case err != nil:
		r.metrics.IncrementCache("error")
		log.WarnContext(ctx, "registry cache lookup failed", "error", err)
		return nil, false
	case ok:
		r.metrics.IncrementCache("hit")
		return payload, true
	default:
		r.metrics.IncrementCache("miss")
		return nil, false
	}
}

func (r *Runner) recordBreaker(ctx context.Context, ticket circuit.Ticket, success bool, log *slog.Logger) {
	if success {
		if _, change := r.breaker.RecordSuccess(ticket); change.Closed {
			log.InfoContext(ctx, "registry circuit closed")
		}
		return
	}
	if _, change := r.breaker.RecordFailure(ticket); change.Opened {
		log.WarnContext(ctx, "registry circuit opened", "opened_at", r.breaker.Snapshot().OpenedAt)
	}
}

func (r *Runner) complete(ctx context.Context, item *models.WorkItem, payload []byte, log *slog.Logger) (itemResult, error) {
	if ctx.Err() != nil {
		return resultOutstanding, nil
	}
	err := r.write(ctx, func(wctx context.Context) error {
		return r.store.Complete(wctx, item.Ref(), payload)
	})
	if err != nil {
		return r.writeFailed(ctx, item, "complete", err, log)
	}
	r.metrics.IncrementItem(metricLabel(models.StatusDone))
	r.publish(ctx, item, models.StatusDone, item.RetryCount, "")
	log.DebugContext(ctx, "item enriched")
	return resultSucceeded, nil
}

func (r *Runner) fail(ctx context.Context, item *models.WorkItem, payload models.ErrorPayload, retryable bool, log *slog.Logger) (itemResult, error) {
	if ctx.Err() != nil {
		return resultOutstanding, nil
	}
	payload.At = requestcontext.Now(ctx)
	var status models.Status
	err := r.write(ctx, func(wctx context.Context) error {
		var err error
		status, err = r.store.Fail(wctx, item.Ref(), payload.Marshal(), retryable, r.cfg.MaxRetries)
		return err
	})
	if err != nil {
		return r.writeFailed(ctx, item, "fail", err, log)
	}

	retryCount := item.RetryCount
	if status == models.StatusReady {
		retryCount++
	}
	r.metrics.IncrementItem(metricLabel(status))
	r.publish(ctx, item, status, retryCount, payload.Category)

	attrs := []any{"category", payload.Category, "status", status, "retry_count", retryCount}
	if status == models.StatusReady {
		log.InfoContext(ctx, "item failed, will retry", attrs...)
	} else {
		log.WarnContext(ctx, "item failed permanently", append(attrs, "error", payload.Message)...)
	}
	return resultFailed, nil
}

func (r *Runner) release(ctx context.Context, item *models.WorkItem, note models.ErrorPayload, log *slog.Logger) (itemResult, error) {
	if ctx.Err() != nil {
		return resultOutstanding, nil
	}
	note.At = requestcontext.Now(ctx)
	err := r.write(ctx, func(wctx context.Context) error {
		return r.store.Release(wctx, item.Ref(), note.Marshal())
	})
	if err != nil {
		return r.writeFailed(ctx, item, "release", err, log)
	}
	r.metrics.IncrementItem("released")
	r.publish(ctx, item, models.StatusReady, item.RetryCount, note.Category)
	log.InfoContext(ctx, "item released without an attempt", "category", note.Category)
	return resultReleased, nil
}

// write runs a store write that outlives batch cancellation but not the store
// timeout, so a result computed in time is never half-written.
func (r *Runner) write(ctx context.Context, fn func(context.Context) error) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StoreTimeout)
	defer cancel()
	return fn(wctx)
}

// writeFailed separates a lost claim, which only affects this item, from a
// store failure, which aborts the batch.
func (r *Runner) writeFailed(ctx context.Context, item *models.WorkItem, op string, err error, log *slog.Logger) (itemResult, error) {
	if errors.Is(err, sentinel.ErrConflict) || errors.Is(err, sentinel.ErrNotFound) {
		r.metrics.IncrementItem("claim_lost")
		log.WarnContext(ctx, "claim lost before write", "op", op, "error", err)
		return resultFailed, nil
	}
	log.ErrorContext(ctx, "store write failed", "op", op, "error", err)
	return resultOutstanding, fmt.Errorf("%s item %s: %w", op, item.ID, err)
}

func (r *Runner) publish(ctx context.Context, item *models.WorkItem, status models.Status, retryCount int, category models.ErrorCategory) {
	if r.publisher == nil {
		return
	}
	r.publisher.PublishOutcome(ctx, models.OutcomeEvent{
		ItemID:        item.ID,
		KeyDigest:     privacy.DigestKey(item.LookupKey),
		BatchID:       requestcontext.BatchID(ctx),
		CorrelationID: requestcontext.CorrelationID(ctx),
		Status:        status,
		RetryCount:    retryCount,
		Category:      category,
		At:            requestcontext.Now(ctx),
	})
}

// logProgress reports the overall backlog after a batch.
func (r *Runner) logProgress(ctx context.Context, log *slog.Logger) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StoreTimeout)
	defer cancel()
	counts, err := r.store.CountByStatus(sctx)
	if err != nil {
		log.WarnContext(ctx, "failed to read progress", "error", err)
		return
	}
	summary := models.NewStatusSummary(counts)
	r.metrics.SetBacklog(summary)
	log.InfoContext(ctx, "progress",
		"total", summary.Total,
		"ready", summary.Counts[models.StatusReady],
		"processing", summary.Counts[models.StatusProcessing],
		"done", summary.Counts[models.StatusDone],
		"error", summary.Counts[models.StatusError],
		"manual_review", summary.Counts[models.StatusManualReview],
		"percent_done", fmt.Sprintf("%.2f", summary.PercentDone()),
	)
}

func categoryFor(kind registry.ErrorKind) models.ErrorCategory {
	switch kind {
	case registry.KindTimeout:
		return models.CategoryTimeout
	case registry.KindUpstream:
		return models.CategoryUpstream
	case registry.KindInvalidKey:
		return models.CategoryInvalidKey
	default:
		return models.CategoryNetwork
	}
}

func metricLabel(status models.Status) string {
	return strings.ToLower(string(status))
}
