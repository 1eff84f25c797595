// Package service is the operator-facing surface of the enrichment engine.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"enricher/internal/enrichment/continuous"
	"enricher/internal/enrichment/metrics"
	"enricher/internal/enrichment/models"
	"enricher/pkg/platform/circuit"
)

// BatchRunner runs one batch and reports whether one is in flight.
type BatchRunner interface {
	RunOneBatch(ctx context.Context) models.BatchOutcome
	InFlight() bool
}

// Recovery returns stranded items to the queue.
type Recovery interface {
	RecoverStuckRecords(ctx context.Context) (int64, error)
	EscalateExhausted(ctx context.Context) (int64, error)
}

// StatusCounter reads the backlog.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
}

// BreakerInspector exposes registry breaker state.
type BreakerInspector interface {
	Snapshot() circuit.Snapshot
}

// RateInspector exposes the effective registry request rate.
type RateInspector interface {
	Rate() float64
	MaxRate() float64
}

// Service composes the runner, recovery, drain loop and controller.
type Service struct {
	runner     BatchRunner
	recovery   Recovery
	counter    StatusCounter
	breaker    BreakerInspector
	rate       RateInspector
	drain      *continuous.Loop
	controller *continuous.Controller
	metrics    *metrics.Metrics
	logger     *slog.Logger
	loopOpts   []continuous.Option
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLoopOptions tunes the drain loop used by ProcessAllPending and the
// controller.
func WithLoopOptions(opts ...continuous.Option) Option {
	return func(s *Service) {
		s.loopOpts = append(s.loopOpts, opts...)
	}
}

func New(
	runner BatchRunner,
	recovery Recovery,
	counter StatusCounter,
	breaker BreakerInspector,
	rate RateInspector,
	opts ...Option,
) (*Service, error) {
	if runner == nil {
		return nil, errors.New("batch runner is required")
	}
	if recovery == nil {
		return nil, errors.New("recovery is required")
	}
	if counter == nil {
		return nil, errors.New("status counter is required")
	}
	if breaker == nil {
		return nil, errors.New("breaker inspector is required")
	}
	if rate == nil {
		return nil, errors.New("rate inspector is required")
	}
	s := &Service{
		runner:   runner,
		recovery: recovery,
		counter:  counter,
		breaker:  breaker,
		rate:     rate,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	loopOpts := append([]continuous.Option{
		continuous.WithRecovery(recovery),
		continuous.WithLogger(s.logger),
	}, s.loopOpts...)
	drain, err := continuous.NewLoop(runner, counter, loopOpts...)
	if err != nil {
		return nil, fmt.Errorf("create drain loop: %w", err)
	}
	s.drain = drain
	s.controller, err = continuous.NewController(drain,
		continuous.WithControllerMetrics(s.metrics),
		continuous.WithControllerLogger(s.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create controller: %w", err)
	}
	return s, nil
}

func (s *Service) RunOneBatch(ctx context.Context) models.BatchOutcome {
	return s.runner.RunOneBatch(ctx)
}

// ProcessAllPending drains the queue on the caller's goroutine. Cancelling
// ctx stops it after the current batch.
func (s *Service) ProcessAllPending(ctx context.Context) (continuous.Result, error) {
	s.logger.InfoContext(ctx, "processing all pending items")
	res, err := s.drain.Run(ctx, nil, nil)
	if err != nil {
		return res, fmt.Errorf("process all pending: %w", err)
	}
	s.logger.InfoContext(ctx, "finished processing pending items",
		"reason", res.Reason,
		"batches", res.Batches,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
	)
	return res, nil
}

func (s *Service) RecoverStuckRecords(ctx context.Context) (int64, error) {
	return s.recovery.RecoverStuckRecords(ctx)
}

func (s *Service) EscalateExhausted(ctx context.Context) (int64, error) {
	return s.recovery.EscalateExhausted(ctx)
}

// PendingCount is the number of READY items.
func (s *Service) PendingCount(ctx context.Context) (int64, error) {
	counts, err := s.counter.CountByStatus(ctx)
	if err != nil {
		return 0, fmt.Errorf("count pending items: %w", err)
	}
	return counts[models.StatusReady], nil
}

// StatusSummary returns the backlog by status and refreshes the backlog gauge.
func (s *Service) StatusSummary(ctx context.Context) (models.StatusSummary, error) {
	counts, err := s.counter.CountByStatus(ctx)
	if err != nil {
		return models.StatusSummary{}, fmt.Errorf("summarize items: %w", err)
	}
	summary := models.NewStatusSummary(counts)
	s.metrics.SetBacklog(summary)
	return summary, nil
}

func (s *Service) Start() bool {
	return s.controller.Start()
}

func (s *Service) Stop(ctx context.Context) bool {
	return s.controller.Stop(ctx)
}

func (s *Service) State() models.ProcessingState {
	return s.controller.State()
}

func (s *Service) IsRunning() bool {
	return s.controller.IsRunning()
}

// BatchInFlight reports whether any trigger is running a batch right now.
func (s *Service) BatchInFlight() bool {
	return s.runner.InFlight()
}

func (s *Service) BreakerState() circuit.Snapshot {
	return s.breaker.Snapshot()
}

// CurrentRate returns the effective and configured registry request rates.
func (s *Service) CurrentRate() (current, configured float64) {
	return s.rate.Rate(), s.rate.MaxRate()
}
