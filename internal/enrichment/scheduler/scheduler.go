// Package scheduler triggers batches and stuck-item recovery on fixed
// intervals for the lifetime of the process.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"enricher/internal/enrichment/models"
	"enricher/internal/platform/config"
)

// BatchRunner runs one batch.
type BatchRunner interface {
	RunOneBatch(ctx context.Context) models.BatchOutcome
}

// Recovery returns stranded items to the queue.
type Recovery interface {
	RecoverStuckRecords(ctx context.Context) (int64, error)
	EscalateExhausted(ctx context.Context) (int64, error)
}

// Scheduler owns two tickers: one for batches and one for recovery. They run
// on separate goroutines so a long batch never delays recovery.
type Scheduler struct {
	runner           BatchRunner
	recovery         Recovery
	enabled          bool
	batchInterval    time.Duration
	recoveryInterval time.Duration
	logger           *slog.Logger
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(runner BatchRunner, recovery Recovery, cfg config.Batch, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("batch runner is required")
	}
	if recovery == nil {
		return nil, errors.New("recovery is required")
	}
	if cfg.ScheduledEnabled && (cfg.ScheduleInterval <= 0 || cfg.RecoveryInterval <= 0) {
		return nil, errors.New("schedule and recovery intervals must be positive")
	}
	s := &Scheduler{
		runner:           runner,
		recovery:         recovery,
		enabled:          cfg.ScheduledEnabled,
		batchInterval:    cfg.ScheduleInterval,
		recoveryInterval: cfg.RecoveryInterval,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Scheduler) Enabled() bool {
	return s.enabled
}

// Run blocks until ctx is cancelled. It returns immediately when scheduling
// is disabled.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.enabled {
		s.logger.InfoContext(ctx, "scheduled processing disabled")
		return nil
	}
	s.logger.InfoContext(ctx, "scheduler started",
		"batch_interval", s.batchInterval,
		"recovery_interval", s.recoveryInterval,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.every(ctx, s.batchInterval, s.runBatch)
		return nil
	})
	g.Go(func() error {
		s.every(ctx, s.recoveryInterval, s.runRecovery)
		return nil
	})
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, job func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job(ctx)
		}
	}
}

// runBatch lets a started batch finish on shutdown. Cancelling it would leave
// its claimed items PROCESSING until recovery, each costing a retry.
func (s *Scheduler) runBatch(ctx context.Context) {
	outcome := s.runner.RunOneBatch(context.WithoutCancel(ctx))
	switch {
	case outcome.Skipped:
		s.logger.DebugContext(ctx, "scheduled batch skipped, another batch is in progress")
	case outcome.Empty:
		s.logger.DebugContext(ctx, "scheduled batch found no work")
	case outcome.Success:
		s.logger.InfoContext(ctx, "scheduled batch completed", "message", outcome.Message)
	default:
		s.logger.WarnContext(ctx, "scheduled batch failed, retrying next tick", "message", outcome.Message)
	}
}

func (s *Scheduler) runRecovery(ctx context.Context) {
	if n, err := s.recovery.RecoverStuckRecords(ctx); err != nil {
		s.logger.ErrorContext(ctx, "scheduled recovery failed", "error", err)
	} else if n > 0 {
		s.logger.WarnContext(ctx, "scheduled recovery reset stuck items", "count", n)
	}
	if n, err := s.recovery.EscalateExhausted(ctx); err != nil {
		s.logger.ErrorContext(ctx, "scheduled escalation failed", "error", err)
	} else if n > 0 {
		s.logger.WarnContext(ctx, "scheduled escalation moved exhausted items to ERROR", "count", n)
	}
}
