package continuous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"enricher/internal/enrichment/metrics"
	"enricher/internal/enrichment/models"
)

// Controller owns at most one background drain loop.
type Controller struct {
	loop    *Loop
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	state   models.ProcessingState
}

type ControllerOption func(*Controller)

func WithControllerMetrics(m *metrics.Metrics) ControllerOption {
	return func(c *Controller) {
		c.metrics = m
	}
}

func WithControllerLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewController(loop *Loop, opts ...ControllerOption) (*Controller, error) {
	if loop == nil {
		return nil, errors.New("loop is required")
	}
	c := &Controller{
		loop:   loop,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start launches the loop. It returns false when a loop is already running.
func (c *Controller) Start() bool {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Debug("continuous processing already running, ignoring start")
		return false
	}
	now := time.Now()
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.state = models.ProcessingState{Running: true, StartedAt: &now}
	stop, done := c.stop, c.done
	c.mu.Unlock()

	c.metrics.SetControllerRunning(true)
	c.logger.Info("continuous processing started")
	go c.run(stop, done)
	return true
}

// Stop asks the loop to end after the current batch and waits for it, or for
// ctx. It returns false when nothing was running.
func (c *Controller) Stop(ctx context.Context) bool {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return false
	}
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	done := c.done
	c.mu.Unlock()

	c.logger.Info("stopping continuous processing after the current batch")
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("continuous processing still finishing its batch", "error", ctx.Err())
	}
	return true
}

// State returns a copy of the controller state.
func (c *Controller) State() models.ProcessingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state
	if st.LastOutcome != nil {
		outcome := *st.LastOutcome
		st.LastOutcome = &outcome
	}
	return st
}

func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Controller) run(stop, done chan struct{}) {
	var (
		res    Result
		runErr error
	)
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("stopped unexpectedly: %v", r)
			c.logger.Error("continuous processing loop panicked", "panic", r)
		}
		c.finish(res, runErr)
		close(done)
	}()

	res, runErr = c.loop.Run(context.Background(), stop, c.observe)
}

func (c *Controller) observe(outcome models.BatchOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.BatchesRun++
	c.state.LastOutcome = &outcome
	if !outcome.Success && !outcome.Skipped {
		c.state.LastError = outcome.Message
	}
}

func (c *Controller) finish(res Result, err error) {
	now := time.Now()
	c.mu.Lock()
	c.running = false
	c.state.Running = false
	c.state.StoppedAt = &now
	if err != nil {
		c.state.LastError = err.Error()
	}
	c.mu.Unlock()

	c.metrics.SetControllerRunning(false)
	if err != nil {
		c.logger.Error("continuous processing stopped", "reason", res.Reason, "batches", res.Batches, "error", err)
		return
	}
	c.logger.Info("continuous processing stopped",
		"reason", res.Reason,
		"batches", res.Batches,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
	)
}
