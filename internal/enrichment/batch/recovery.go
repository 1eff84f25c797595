package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"enricher/internal/enrichment/metrics"
	"enricher/internal/enrichment/models"
	"enricher/internal/enrichment/ports"
	"enricher/internal/platform/config"
	"enricher/internal/platform/logger"
	"enricher/pkg/requestcontext"
)

// Recoverer returns items stranded in PROCESSING by a crash or batch timeout
// to the queue.
type Recoverer struct {
	store          ports.RecordStore
	stuckThreshold time.Duration
	maxRetries     int
	escalate       bool
	storeTimeout   time.Duration
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

type RecovererOption func(*Recoverer)

func WithRecovererMetrics(m *metrics.Metrics) RecovererOption {
	return func(r *Recoverer) {
		r.metrics = m
	}
}

func WithRecovererLogger(logger *slog.Logger) RecovererOption {
	return func(r *Recoverer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRecoverer(store ports.RecordStore, cfg config.Batch, opts ...RecovererOption) (*Recoverer, error) {
	if store == nil {
		return nil, errors.New("record store is required")
	}
	if cfg.StuckThreshold <= 0 {
		return nil, errors.New("stuck threshold must be positive")
	}
	r := &Recoverer{
		store:          store,
		stuckThreshold: cfg.StuckThreshold,
		maxRetries:     cfg.MaxRetries,
		escalate:       cfg.EscalateExhausted,
		storeTimeout:   cfg.StoreTimeout,
		logger:         slog.Default(),
	}
	if r.storeTimeout <= 0 {
		r.storeTimeout = defaultStoreTimeout
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RecoverStuckRecords resets items claimed more than the stuck threshold ago
// that still have retries left. Items at the retry limit are not touched.
// Running it twice with no new stuck items returns 0 the second time.
func (r *Recoverer) RecoverStuckRecords(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	cutoff := requestcontext.Now(ctx).Add(-r.stuckThreshold)
	n, err := r.store.RecoverStuck(ctx, cutoff, r.maxRetries)
	if err != nil {
		return 0, fmt.Errorf("recover stuck records: %w", err)
	}
	r.metrics.AddRecovered(n)
	if n > 0 {
		logger.FromContext(ctx, r.logger).WarnContext(ctx, "recovered stuck work items",
			"count", n,
			"older_than", cutoff,
		)
	}
	return n, nil
}

// EscalateExhausted moves stuck items that have no retries left to ERROR.
// It is a no-op when escalation is disabled.
func (r *Recoverer) EscalateExhausted(ctx context.Context) (int64, error) {
	if !r.escalate {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	now := requestcontext.Now(ctx)
	cutoff := now.Add(-r.stuckThreshold)
	payload := models.ErrorPayload{
		Category: models.CategoryStuckExhausted,
		Message:  "stuck in PROCESSING with no retries left",
		At:       now,
	}
	n, err := r.store.EscalateStuck(ctx, cutoff, r.maxRetries, payload.Marshal())
	if err != nil {
		return 0, fmt.Errorf("escalate exhausted records: %w", err)
	}
	r.metrics.AddEscalated(n)
	if n > 0 {
		logger.FromContext(ctx, r.logger).ErrorContext(ctx, "escalated exhausted stuck work items to ERROR",
			"count", n,
			"older_than", cutoff,
		)
	}
	return n, nil
}
