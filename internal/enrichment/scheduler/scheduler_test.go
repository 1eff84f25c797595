package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enricher/internal/enrichment/batch"
	"enricher/internal/enrichment/models"
	"enricher/internal/enrichment/store"
	"enricher/internal/platform/config"
	"enricher/internal/ratelimit"
	"enricher/internal/registry"
	"enricher/pkg/platform/circuit"
)

type countingRunner struct{ calls atomic.Int32 }

func (r *countingRunner) RunOneBatch(context.Context) models.BatchOutcome {
	r.calls.Add(1)
	return models.BatchOutcome{Success: true}
}

type countingRecovery struct {
	recovered atomic.Int32
	escalated atomic.Int32
	err       error
}

func (r *countingRecovery) RecoverStuckRecords(context.Context) (int64, error) {
	r.recovered.Add(1)
	return 0, r.err
}

func (r *countingRecovery) EscalateExhausted(context.Context) (int64, error) {
	r.escalated.Add(1)
	return 0, nil
}

func testConfig(enabled bool) config.Batch {
	return config.Batch{
		ScheduledEnabled: enabled,
		ScheduleInterval: 5 * time.Millisecond,
		RecoveryInterval: 5 * time.Millisecond,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, &countingRecovery{}, testConfig(true))
	require.Error(t, err)
	_, err = New(&countingRunner{}, nil, testConfig(true))
	require.Error(t, err)

	cfg := testConfig(true)
	cfg.ScheduleInterval = 0
	_, err = New(&countingRunner{}, &countingRecovery{}, cfg)
	require.Error(t, err)

	cfg.ScheduledEnabled = false
	_, err = New(&countingRunner{}, &countingRecovery{}, cfg)
	require.NoError(t, err, "intervals are not needed while disabled")
}

func TestRun_DisabledReturnsImmediately(t *testing.T) {
	runner := &countingRunner{}
	s, err := New(runner, &countingRecovery{}, testConfig(false), WithLogger(quietLogger()))
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	assert.Zero(t, runner.calls.Load())
}

func TestRun_TicksBothJobsUntilCancelled(t *testing.T) {
	runner := &countingRunner{}
	recovery := &countingRecovery{err: errors.New("db down")}
	s, err := New(runner, recovery, testConfig(true), WithLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return runner.calls.Load() >= 2 && recovery.recovered.Load() >= 2
	}, 2*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, recovery.escalated.Load(), int32(2), "recovery errors do not skip escalation")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}

	calls := runner.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, runner.calls.Load(), "no ticks after stop")
}

func TestRun_ShutdownLetsScheduledBatchFinish(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	_, err := st.Enqueue(ctx, "a", "b", "c")
	require.NoError(t, err)

	started := make(chan struct{}, 3)
	release := make(chan struct{})
	client := registry.ClientFunc(func(ctx context.Context, _ string) (*registry.Result, error) {
		started <- struct{}{}
		select {
		case <-release:
			return &registry.Result{Payload: []byte(`{"valid":true}`), StatusCode: 200}, nil
		case <-ctx.Done():
			return nil, registry.NewTimeout(ctx.Err())
		}
	})
	limiter, err := ratelimit.New(1000, 10)
	require.NoError(t, err)
	cfg := config.Batch{
		BatchSize:        10,
		ThreadPoolSize:   3,
		BatchTimeout:     5 * time.Second,
		StoreTimeout:     time.Second,
		StuckThreshold:   10 * time.Minute,
		MaxRetries:       3,
		ScheduledEnabled: true,
		ScheduleInterval: 5 * time.Millisecond,
		RecoveryInterval: time.Hour,
	}
	runner, err := batch.New(st, client, circuit.New("registry"), limiter, cfg, batch.WithLogger(quietLogger()))
	require.NoError(t, err)
	recoverer, err := batch.NewRecoverer(st, cfg, batch.WithRecovererLogger(quietLogger()))
	require.NoError(t, err)
	s, err := New(runner, recoverer, cfg, WithLogger(quietLogger()))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()

	for range 3 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("scheduled batch did not reach the registry")
		}
	}
	cancel()
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after the batch finished")
	}

	counts, err := st.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[models.StatusDone])
	assert.Zero(t, counts[models.StatusProcessing], "shutdown must not strand claimed items")
}
