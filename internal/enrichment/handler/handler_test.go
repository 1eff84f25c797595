package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"enricher/internal/enrichment/models"
	"enricher/pkg/platform/circuit"
	"enricher/pkg/platform/sentinel"
	"enricher/pkg/testutil"
)

type stubService struct {
	outcome    models.BatchOutcome
	batchCtx   context.Context
	recovered  int64
	recoverErr error
	pending    int64
	summary    models.StatusSummary
	summaryErr error
	startOK    bool
	stopOK     bool
	state      models.ProcessingState
	snapshot   circuit.Snapshot
}

func (s *stubService) RunOneBatch(ctx context.Context) models.BatchOutcome {
	s.batchCtx = ctx
	return s.outcome
}
func (s *stubService) RecoverStuckRecords(context.Context) (int64, error) {
	return s.recovered, s.recoverErr
}
func (s *stubService) EscalateExhausted(context.Context) (int64, error) { return 1, nil }
func (s *stubService) PendingCount(context.Context) (int64, error)      { return s.pending, nil }
func (s *stubService) StatusSummary(context.Context) (models.StatusSummary, error) {
	return s.summary, s.summaryErr
}
func (s *stubService) Start() bool                        { return s.startOK }
func (s *stubService) Stop(context.Context) bool          { return s.stopOK }
func (s *stubService) State() models.ProcessingState      { return s.state }
func (s *stubService) BatchInFlight() bool                { return false }
func (s *stubService) BreakerState() circuit.Snapshot     { return s.snapshot }
func (s *stubService) CurrentRate() (float64, float64)    { return 20, 40 }

func newRouter(svc Service, checks map[string]HealthCheck) http.Handler {
	r := chi.NewRouter()
	New(svc, slog.New(slog.NewTextHandler(io.Discard, nil)), checks).Register(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := testutil.Do(h, method, path)
	return rec, testutil.DecodeJSON(t, rec)
}

func TestHandleRunBatch(t *testing.T) {
	t.Run("successful batch returns counts", func(t *testing.T) {
		svc := &stubService{outcome: models.BatchOutcome{
			BatchID: uuid.New(), Success: true, Claimed: 3, Processed: 3, Succeeded: 2, Failed: 1,
			Duration: 1500 * time.Millisecond,
		}}
		rec, body := do(t, newRouter(svc, nil), http.MethodPost, "/v1/enrichment/batches")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 3.0, body["processed"])
		assert.Equal(t, 2.0, body["succeeded"])
		assert.Equal(t, 1.0, body["failed"])
		assert.Equal(t, 1500.0, body["duration_ms"])
		assert.NoError(t, svc.batchCtx.Err())
	})

	t.Run("concurrent trigger is a conflict", func(t *testing.T) {
		svc := &stubService{outcome: models.BatchOutcome{Skipped: true, Message: "another batch is in progress"}}
		rec, body := do(t, newRouter(svc, nil), http.MethodPost, "/v1/enrichment/batches")

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, true, body["skipped"])
		assert.NotContains(t, body, "batch_id")
	})

	t.Run("store failure is unavailable", func(t *testing.T) {
		svc := &stubService{outcome: models.BatchOutcome{BatchID: uuid.New(), Message: "batch aborted"}}
		rec, _ := do(t, newRouter(svc, nil), http.MethodPost, "/v1/enrichment/batches")

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHandleRecover(t *testing.T) {
	rec, body := do(t, newRouter(&stubService{recovered: 4}, nil), http.MethodPost, "/v1/enrichment/recover")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4.0, body["recovered"])
	assert.Equal(t, 1.0, body["escalated"])

	rec = testutil.Do(newRouter(&stubService{recoverErr: sentinel.ErrUnavailable}, nil), http.MethodPost, "/v1/enrichment/recover")
	testutil.AssertStatusAndError(t, rec, http.StatusServiceUnavailable, "unavailable")
}

func TestHandleSummary(t *testing.T) {
	svc := &stubService{summary: models.NewStatusSummary(map[models.Status]int64{
		models.StatusReady: 1,
		models.StatusDone:  3,
	})}
	rec, body := do(t, newRouter(svc, nil), http.MethodGet, "/v1/enrichment/summary")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4.0, body["total"])
	assert.Equal(t, 1.0, body["remaining"])
	assert.Equal(t, 75.0, body["percent_done"])

	svc.summaryErr = errors.New("boom")
	rec, body = do(t, newRouter(svc, nil), http.MethodGet, "/v1/enrichment/summary")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, body, "error_description")
}

func TestProcessingEndpoints(t *testing.T) {
	svc := &stubService{startOK: true}
	rec, body := do(t, newRouter(svc, nil), http.MethodPost, "/v1/enrichment/processing/start")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, body["changed"])

	svc.startOK = false
	rec, _ = do(t, newRouter(svc, nil), http.MethodPost, "/v1/enrichment/processing/start")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = do(t, newRouter(svc, nil), http.MethodPost, "/v1/enrichment/processing/stop")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["changed"])

	svc.state = models.ProcessingState{Running: true, BatchesRun: 7}
	rec, body = do(t, newRouter(svc, nil), http.MethodGet, "/v1/enrichment/processing")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, 7.0, body["batches_run"])
}

func TestHandleCircuit(t *testing.T) {
	openedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := &stubService{snapshot: circuit.Snapshot{State: circuit.StateOpen, Failures: 10, OpenedAt: openedAt}}
	rec := testutil.Do(newRouter(svc, nil), http.MethodGet, "/v1/enrichment/circuit")

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := testutil.UnmarshalResponse[CircuitResponse](t, rec)
	assert.Equal(t, circuit.StateOpen, resp.State)
	assert.Equal(t, 10, resp.Failures)
	assert.Equal(t, 20.0, resp.RatePerSecond)
	assert.Equal(t, 40.0, resp.MaxRatePerSecond)
	if assert.NotNil(t, resp.OpenedAt) {
		assert.True(t, openedAt.Equal(*resp.OpenedAt))
	}
}

func TestReadiness(t *testing.T) {
	checks := map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("refused") },
		"kafka":    nil,
	}
	rec, body := do(t, newRouter(&stubService{}, checks), http.MethodGet, "/readyz")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	results := body["checks"].(map[string]any)
	assert.Equal(t, "ok", results["postgres"])
	assert.Equal(t, "unavailable", results["redis"])
	assert.NotContains(t, results, "kafka")

	rec, _ = do(t, newRouter(&stubService{}, nil), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}
