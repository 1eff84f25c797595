// Package ratelimit caps the outbound request rate to the external registry.
//
// The Limiter is a token bucket (rate R per second, burst B) shared by every
// worker in the process. When adaptive mode is on the effective rate backs off
// on registry timeouts and creeps back towards R on sustained success; it never
// exceeds R or B.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrAcquireTimeout is returned when no token became available within the
// acquire timeout. Callers treat it as local congestion, not a registry fault.
var ErrAcquireTimeout = errors.New("rate limiter acquire timed out")

const (
	timeoutsBeforeBackoff = 3
	successesBeforeRaise  = 50
	raiseFactor           = 1.2
	defaultFloorPerSecond = 5.0
	defaultAcquireTimeout = 30 * time.Second
)

type Limiter struct {
	mu sync.Mutex

	bucket         *rate.Limiter
	maxRate        float64
	floorRate      float64
	burst          int
	acquireTimeout time.Duration
	adaptive       bool

	consecutiveTimeouts  int
	consecutiveSuccesses int

	logger       *slog.Logger
	rateObserver func(perSecond float64)
	onTimeout    func()
}

type Option func(*Limiter)

func WithAcquireTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.acquireTimeout = d
		}
	}
}

// WithAdaptive toggles timeout/success feedback on the effective rate.
func WithAdaptive(enabled bool) Option {
	return func(l *Limiter) {
		l.adaptive = enabled
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithRateObserver is called with the new effective rate whenever it changes.
func WithRateObserver(fn func(perSecond float64)) Option {
	return func(l *Limiter) {
		l.rateObserver = fn
	}
}

// WithAcquireTimeoutObserver is called each time Acquire gives up waiting.
func WithAcquireTimeoutObserver(fn func()) Option {
	return func(l *Limiter) {
		l.onTimeout = fn
	}
}

// New creates a limiter allowing perSecond requests with the given burst.
func New(perSecond float64, burst int, opts ...Option) (*Limiter, error) {
	if perSecond <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %v", perSecond)
	}
	if burst <= 0 {
		return nil, fmt.Errorf("burst must be positive, got %d", burst)
	}
	l := &Limiter{
		bucket:         rate.NewLimiter(rate.Limit(perSecond), burst),
		maxRate:        perSecond,
		floorRate:      min(defaultFloorPerSecond, perSecond),
		burst:          burst,
		acquireTimeout: defaultAcquireTimeout,
		adaptive:       true,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.rateObserver != nil {
		l.rateObserver(perSecond)
	}
	return l, nil
}

// Acquire blocks until a token is available, the acquire timeout elapses, or
// ctx is done. A timeout consumes no token.
func (l *Limiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.acquireTimeout)
	defer cancel()

	if err := l.bucket.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.onTimeout != nil {
			l.onTimeout()
		}
		return ErrAcquireTimeout
	}
	return nil
}

// TryAcquire takes a token only if one is available right now.
func (l *Limiter) TryAcquire() bool {
	return l.bucket.Allow()
}

// Rate returns the effective rate in requests per second.
func (l *Limiter) Rate() float64 {
	return float64(l.bucket.Limit())
}

func (l *Limiter) MaxRate() float64 {
	return l.maxRate
}

// RecordTimeout feeds a registry timeout back into the adaptive rate. Every
// third consecutive timeout halves the rate, down to the floor.
func (l *Limiter) RecordTimeout() {
	if !l.adaptive {
		return
	}
	l.mu.Lock()
	l.consecutiveSuccesses = 0
	l.consecutiveTimeouts++
	if l.consecutiveTimeouts < timeoutsBeforeBackoff {
		l.mu.Unlock()
		return
	}
	l.consecutiveTimeouts = 0
	current := l.Rate()
	next := max(current/2, l.floorRate)
	l.mu.Unlock()

	if next < current {
		l.setRate(next)
		l.logger.Warn("registry timeouts, reducing request rate",
			"from_per_second", current,
			"to_per_second", next,
		)
	}
}

// RecordSuccess feeds a completed registry call back into the adaptive rate.
// Every 50 consecutive successes raise the rate by 20%, capped at the
// configured maximum.
func (l *Limiter) RecordSuccess() {
	if !l.adaptive {
		return
	}
	l.mu.Lock()
	l.consecutiveTimeouts = 0
	l.consecutiveSuccesses++
	if l.consecutiveSuccesses < successesBeforeRaise {
		l.mu.Unlock()
		return
	}
	l.consecutiveSuccesses = 0
	current := l.Rate()
	next := min(current*raiseFactor, l.maxRate)
	l.mu.Unlock()

	if next > current {
		l.setRate(next)
		l.logger.Info("registry healthy, raising request rate",
			"from_per_second", current,
			"to_per_second", next,
		)
	}
}

func (l *Limiter) setRate(perSecond float64) {
	l.bucket.SetLimit(rate.Limit(perSecond))
	if l.rateObserver != nil {
		l.rateObserver(perSecond)
	}
}
