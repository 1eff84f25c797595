// Package continuous drains the work queue batch after batch, either
// synchronously or on a background goroutine owned by a Controller.
package continuous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"enricher/internal/enrichment/models"
)

const (
	defaultBatchDelay             = 5 * time.Second
	defaultFailureBackoff         = 30 * time.Second
	defaultMaxConsecutiveFailures = 3
)

// ErrTooManyFailures ends a drain after consecutive failed batches.
var ErrTooManyFailures = errors.New("too many consecutive batch failures")

// BatchRunner runs one batch.
type BatchRunner interface {
	RunOneBatch(ctx context.Context) models.BatchOutcome
}

// StatusCounter reads the backlog.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
}

// Recovery returns stranded items to the queue before each batch.
type Recovery interface {
	RecoverStuckRecords(ctx context.Context) (int64, error)
	EscalateExhausted(ctx context.Context) (int64, error)
}

// StopReason says why a drain ended.
type StopReason string

const (
	StopDrained   StopReason = "drained"
	StopRequested StopReason = "stop_requested"
	StopCancelled StopReason = "cancelled"
	StopFailures  StopReason = "consecutive_failures"
)

// Result summarizes a drain.
type Result struct {
	Batches   int64
	Succeeded int
	Failed    int
	Reason    StopReason
}

// Loop runs batches until no READY items remain, a stop is requested, or
// too many batches fail in a row. Stop requests are honoured between batches
// only; the running batch always finishes.
type Loop struct {
	runner   BatchRunner
	counter  StatusCounter
	recovery Recovery

	batchDelay             time.Duration
	failureBackoff         time.Duration
	maxConsecutiveFailures int
	logger                 *slog.Logger
}

type Option func(*Loop)

// WithRecovery recovers stuck items before every batch.
func WithRecovery(r Recovery) Option {
	return func(l *Loop) {
		l.recovery = r
	}
}

// WithBatchDelay sets the pause after a successful or skipped batch.
func WithBatchDelay(d time.Duration) Option {
	return func(l *Loop) {
		if d >= 0 {
			l.batchDelay = d
		}
	}
}

// WithFailureBackoff sets the pause after a failed batch.
func WithFailureBackoff(d time.Duration) Option {
	return func(l *Loop) {
		if d >= 0 {
			l.failureBackoff = d
		}
	}
}

func WithMaxConsecutiveFailures(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxConsecutiveFailures = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewLoop(runner BatchRunner, counter StatusCounter, opts ...Option) (*Loop, error) {
	if runner == nil {
		return nil, errors.New("batch runner is required")
	}
	if counter == nil {
		return nil, errors.New("status counter is required")
	}
	l := &Loop{
		runner:                 runner,
		counter:                counter,
		batchDelay:             defaultBatchDelay,
		failureBackoff:         defaultFailureBackoff,
		maxConsecutiveFailures: defaultMaxConsecutiveFailures,
		logger:                 slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run drains the queue. A nil stop channel means only ctx can stop the loop.
// observe, when set, sees every batch outcome. The error is non-nil only when
// the loop gave up after consecutive failures.
func (l *Loop) Run(ctx context.Context, stop <-chan struct{}, observe func(models.BatchOutcome)) (Result, error) {
	var res Result
	failures := 0
	for {
		if reason, stopped := l.stopped(ctx, stop); stopped {
			res.Reason = reason
			return res, nil
		}

		// The batch runs detached so a stop never cuts it short.
		batchCtx := context.WithoutCancel(ctx)
		l.recover(batchCtx)
		outcome := l.runner.RunOneBatch(batchCtx)
		res.Batches++
		res.Succeeded += outcome.Succeeded
		res.Failed += outcome.Failed
		if observe != nil {
			observe(outcome)
		}

		var delay time.Duration
		switch {
		case outcome.Skipped:
			delay = l.batchDelay
		case !outcome.Success:
			failures++
			l.logger.WarnContext(ctx, "batch failed during continuous processing",
				"reason", outcome.Message,
				"consecutive_failures", failures,
				"max_consecutive_failures", l.maxConsecutiveFailures,
			)
			if failures >= l.maxConsecutiveFailures {
				res.Reason = StopFailures
				return res, fmt.Errorf("%w: %d in a row, last: %s", ErrTooManyFailures, failures, outcome.Message)
			}
			delay = l.failureBackoff
		default:
			failures = 0
			pending, err := l.pending(batchCtx)
			if err != nil {
				l.logger.WarnContext(ctx, "failed to read pending count", "error", err)
			} else if pending == 0 {
				l.logger.InfoContext(ctx, "all items processed", "batches", res.Batches)
				res.Reason = StopDrained
				return res, nil
			}
			delay = l.batchDelay
		}

		if reason, stopped := l.wait(ctx, stop, delay); stopped {
			res.Reason = reason
			return res, nil
		}
	}
}

func (l *Loop) recover(ctx context.Context) {
	if l.recovery == nil {
		return
	}
	if n, err := l.recovery.RecoverStuckRecords(ctx); err != nil {
		l.logger.WarnContext(ctx, "recovery before batch failed", "error", err)
	} else if n > 0 {
		l.logger.InfoContext(ctx, "recovered stuck items before batch", "count", n)
	}
	if _, err := l.recovery.EscalateExhausted(ctx); err != nil {
		l.logger.WarnContext(ctx, "escalation before batch failed", "error", err)
	}
}

func (l *Loop) pending(ctx context.Context) (int64, error) {
	counts, err := l.counter.CountByStatus(ctx)
	if err != nil {
		return 0, err
	}
	return counts[models.StatusReady], nil
}

func (l *Loop) stopped(ctx context.Context, stop <-chan struct{}) (StopReason, bool) {
	select {
	case <-stop:
		return StopRequested, true
	case <-ctx.Done():
		return StopCancelled, true
	default:
		return "", false
	}
}

func (l *Loop) wait(ctx context.Context, stop <-chan struct{}, d time.Duration) (StopReason, bool) {
	if d <= 0 {
		return l.stopped(ctx, stop)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
		return StopRequested, true
	case <-ctx.Done():
		return StopCancelled, true
	case <-timer.C:
		return "", false
	}
}
