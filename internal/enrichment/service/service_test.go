package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"enricher/internal/enrichment/batch"
	"enricher/internal/enrichment/continuous"
	"enricher/internal/enrichment/metrics"
	"enricher/internal/enrichment/models"
	"enricher/internal/enrichment/store"
	"enricher/internal/platform/config"
	"enricher/internal/ratelimit"
	"enricher/internal/registry"
	"enricher/pkg/platform/circuit"
)

// =============================================================================
// Engine facade suite
// =============================================================================
// Justification: the facade composes runner, recovery, drain loop and
// controller. These tests wire the real components over the in-memory store
// so the operator operations are checked end to end.

type ServiceSuite struct {
	suite.Suite
	store   *store.InMemoryStore
	breaker *circuit.Breaker
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	service *Service
	lookups func(key string) (*registry.Result, error)
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Batch{
		BatchSize:         10,
		ThreadPoolSize:    4,
		BatchTimeout:      5 * time.Second,
		StoreTimeout:      time.Second,
		StuckThreshold:    10 * time.Minute,
		MaxRetries:        3,
		EscalateExhausted: true,
	}
	s.store = store.NewInMemoryStore()
	s.breaker = circuit.New("registry")
	var err error
	s.limiter, err = ratelimit.New(1000, 20)
	s.Require().NoError(err)
	s.metrics = metrics.NewWithRegistry(prometheus.NewRegistry())
	s.lookups = func(key string) (*registry.Result, error) {
		return &registry.Result{Payload: []byte(`{"key":"` + key + `"}`)}, nil
	}
	client := registry.ClientFunc(func(_ context.Context, key string) (*registry.Result, error) {
		return s.lookups(key)
	})

	runner, err := batch.New(s.store, client, s.breaker, s.limiter, cfg,
		batch.WithLogger(logger), batch.WithMetrics(s.metrics))
	s.Require().NoError(err)
	recoverer, err := batch.NewRecoverer(s.store, cfg, batch.WithRecovererLogger(logger))
	s.Require().NoError(err)

	s.service, err = New(runner, recoverer, s.store, s.breaker, s.limiter,
		WithLogger(logger),
		WithMetrics(s.metrics),
		WithLoopOptions(
			continuous.WithBatchDelay(time.Millisecond),
			continuous.WithFailureBackoff(time.Millisecond),
		),
	)
	s.Require().NoError(err)
}

func (s *ServiceSuite) enqueue(n int) {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%03d", i)
	}
	_, err := s.store.Enqueue(context.Background(), keys...)
	s.Require().NoError(err)
}

func (s *ServiceSuite) TestNew_RequiresCollaborators() {
	_, err := New(nil, nil, nil, nil, nil)
	s.ErrorContains(err, "batch runner is required")
}

func (s *ServiceSuite) TestProcessAllPending_DrainsQueue() {
	s.enqueue(25)

	res, err := s.service.ProcessAllPending(context.Background())

	s.Require().NoError(err)
	s.Equal(continuous.StopDrained, res.Reason)
	s.Equal(int64(3), res.Batches)
	s.Equal(25, res.Succeeded)

	pending, err := s.service.PendingCount(context.Background())
	s.Require().NoError(err)
	s.Zero(pending)
}

func (s *ServiceSuite) TestStatusSummary() {
	s.enqueue(4)
	s.lookups = func(key string) (*registry.Result, error) {
		if key == "key-000" {
			return nil, registry.NewInvalidKey(404, "unknown")
		}
		return &registry.Result{Payload: []byte(`{}`)}, nil
	}

	outcome := s.service.RunOneBatch(context.Background())
	s.Require().True(outcome.Success)

	summary, err := s.service.StatusSummary(context.Background())
	s.Require().NoError(err)
	s.Equal(int64(4), summary.Total)
	s.Equal(int64(3), summary.Counts[models.StatusDone])
	s.Equal(int64(1), summary.Counts[models.StatusManualReview])
	s.Equal(int64(0), summary.Remaining())
	s.InDelta(100.0, summary.PercentDone(), 0.001)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Backlog.WithLabelValues("MANUAL_REVIEW")))
}

func (s *ServiceSuite) TestStartStop() {
	s.enqueue(5)

	s.True(s.service.Start())
	s.False(s.service.Start())

	s.Require().Eventually(func() bool { return !s.service.IsRunning() }, 2*time.Second, time.Millisecond)
	s.False(s.service.Stop(context.Background()), "loop already finished")

	st := s.service.State()
	s.False(st.Running)
	s.GreaterOrEqual(st.BatchesRun, int64(1))
	s.Require().NotNil(st.LastOutcome)
	s.Empty(st.LastError)
}

func (s *ServiceSuite) TestBreakerStateAndRate() {
	snap := s.service.BreakerState()
	s.Equal(circuit.StateClosed, snap.State)
	s.Equal("registry", snap.Name)

	current, configured := s.service.CurrentRate()
	s.Equal(1000.0, current)
	s.Equal(1000.0, configured)
	s.False(s.service.BatchInFlight())
}

func (s *ServiceSuite) TestRecoverStuckRecords() {
	n, err := s.service.RecoverStuckRecords(context.Background())
	s.Require().NoError(err)
	s.Zero(n)

	n, err = s.service.EscalateExhausted(context.Background())
	s.Require().NoError(err)
	s.Zero(n)
}
