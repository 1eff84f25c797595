// Package handler exposes health, metrics and operator endpoints for the
// enrichment engine.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"enricher/internal/enrichment/models"
	"enricher/pkg/platform/circuit"
	"enricher/pkg/platform/httputil"
)

const healthCheckTimeout = 2 * time.Second

// Service defines the engine operations the handler drives.
type Service interface {
	RunOneBatch(ctx context.Context) models.BatchOutcome
	RecoverStuckRecords(ctx context.Context) (int64, error)
	EscalateExhausted(ctx context.Context) (int64, error)
	PendingCount(ctx context.Context) (int64, error)
	StatusSummary(ctx context.Context) (models.StatusSummary, error)
	Start() bool
	Stop(ctx context.Context) bool
	State() models.ProcessingState
	BatchInFlight() bool
	BreakerState() circuit.Snapshot
	CurrentRate() (current, configured float64)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Handler wires operator endpoints to the engine service.
type Handler struct {
	service Service
	checks  map[string]HealthCheck
	logger  *slog.Logger
}

// New constructs a handler. checks are run by /readyz; nil entries are
// ignored.
func New(service Service, logger *slog.Logger, checks map[string]HealthCheck) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	active := make(map[string]HealthCheck, len(checks))
	for name, check := range checks {
		if check != nil {
			active[name] = check
		}
	}
	return &Handler{service: service, checks: active, logger: logger}
}

// Register mounts engine endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.HandleLiveness)
	r.Get("/readyz", h.HandleReadiness)

	r.Route("/v1/enrichment", func(r chi.Router) {
		r.Post("/batches", h.HandleRunBatch)
		r.Post("/recover", h.HandleRecover)
		r.Get("/summary", h.HandleSummary)
		r.Get("/pending", h.HandlePending)
		r.Get("/circuit", h.HandleCircuit)

		r.Get("/processing", h.HandleProcessingState)
		r.Post("/processing/start", h.HandleStart)
		r.Post("/processing/stop", h.HandleStop)
	})
}

// HandleLiveness reports that the process is serving.
func (h *Handler) HandleLiveness(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadiness runs every dependency check.
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.WarnContext(ctx, "readiness check failed", "dependency", name, "error", err)
			results[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	httputil.WriteJSON(w, status, map[string]any{"checks": results})
}

// HandleRunBatch handles POST /v1/enrichment/batches. A trigger that finds a
// batch already running answers 409. The batch outlives a disconnecting
// client.
func (h *Handler) HandleRunBatch(w http.ResponseWriter, r *http.Request) {
	outcome := h.service.RunOneBatch(context.WithoutCancel(r.Context()))
	status := http.StatusOK
	switch {
	case outcome.Skipped:
		status = http.StatusConflict
	case !outcome.Success:
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, toBatchResponse(outcome))
}

// HandleRecover handles POST /v1/enrichment/recover.
func (h *Handler) HandleRecover(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	recovered, err := h.service.RecoverStuckRecords(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "manual recovery failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	escalated, err := h.service.EscalateExhausted(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "manual escalation failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, RecoverResponse{Recovered: recovered, Escalated: escalated})
}

// HandleSummary handles GET /v1/enrichment/summary.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.StatusSummary(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "status summary failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toSummaryResponse(summary))
}

// HandlePending handles GET /v1/enrichment/pending.
func (h *Handler) HandlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.service.PendingCount(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "pending count failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, PendingResponse{Pending: pending})
}

// HandleCircuit handles GET /v1/enrichment/circuit.
func (h *Handler) HandleCircuit(w http.ResponseWriter, _ *http.Request) {
	current, configured := h.service.CurrentRate()
	httputil.WriteJSON(w, http.StatusOK, toCircuitResponse(h.service.BreakerState(), current, configured))
}

// HandleProcessingState handles GET /v1/enrichment/processing.
func (h *Handler) HandleProcessingState(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, ProcessingResponse{
		ProcessingState: h.service.State(),
		BatchInFlight:   h.service.BatchInFlight(),
	})
}

// HandleStart handles POST /v1/enrichment/processing/start.
func (h *Handler) HandleStart(w http.ResponseWriter, _ *http.Request) {
	if !h.service.Start() {
		httputil.WriteJSON(w, http.StatusConflict, ToggleResponse{Changed: false, Message: "continuous processing is already running"})
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, ToggleResponse{Changed: true, Message: "continuous processing started"})
}

// HandleStop handles POST /v1/enrichment/processing/stop. It waits for the
// running batch only as long as the request lives.
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	if !h.service.Stop(r.Context()) {
		httputil.WriteJSON(w, http.StatusOK, ToggleResponse{Changed: false, Message: "continuous processing is not running"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ToggleResponse{Changed: true, Message: "continuous processing stopped"})
}
