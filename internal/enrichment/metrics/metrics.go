package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"enricher/internal/enrichment/models"
	"enricher/pkg/platform/circuit"
)

// Metrics provides observability for the enrichment engine. All methods are
// safe on a nil receiver so collaborators can run without metrics.
type Metrics struct {
	BatchesTotal     *prometheus.CounterVec
	BatchDuration    prometheus.Histogram
	ItemsTotal       *prometheus.CounterVec
	RegistryLatency  *prometheus.HistogramVec
	RegistryCache    *prometheus.CounterVec
	CircuitState     prometheus.Gauge
	CircuitChanges   *prometheus.CounterVec
	RateLimit        prometheus.Gauge
	AcquireTimeouts  prometheus.Counter
	RecoveredTotal   prometheus.Counter
	EscalatedTotal   prometheus.Counter
	Backlog          *prometheus.GaugeVec
	EventsTotal      *prometheus.CounterVec
	LargePayloads    prometheus.Counter
	ControllerActive prometheus.Gauge
}

// New registers all engine metrics with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers all engine metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_batches_total",
			Help: "Batch runs by result",
		}, []string{"result"}), // result: "success", "failed", "empty", "skipped"

		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "enricher_batch_duration_seconds",
			Help:    "Wall-clock duration of batch runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		}),

		ItemsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_items_total",
			Help: "Per-item outcomes by resulting status",
		}, []string{"outcome"}),

		RegistryLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enricher_registry_duration_seconds",
			Help:    "Registry lookup latency by result kind",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"result"}),

		RegistryCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_registry_cache_total",
			Help: "Registry result cache lookups by result",
		}, []string{"result"}), // result: "hit", "miss", "error"

		CircuitState: f.NewGauge(prometheus.GaugeOpts{
			Name: "enricher_circuit_state",
			Help: "Registry circuit breaker state (0 closed, 1 half-open, 2 open)",
		}),

		CircuitChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_circuit_transitions_total",
			Help: "Registry circuit breaker transitions by target state",
		}, []string{"to"}),

		RateLimit: f.NewGauge(prometheus.GaugeOpts{
			Name: "enricher_ratelimit_per_second",
			Help: "Effective registry request rate",
		}),

		AcquireTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "enricher_ratelimit_acquire_timeouts_total",
			Help: "Items released because no rate limit token became available",
		}),

		RecoveredTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "enricher_recovered_items_total",
			Help: "Stuck items reset to READY by recovery",
		}),

		EscalatedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "enricher_escalated_items_total",
			Help: "Stuck items with no retries left moved to ERROR",
		}),

		Backlog: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "enricher_backlog_items",
			Help: "Work items by status at the last summary",
		}, []string{"status"}),

		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_outcome_events_total",
			Help: "Outcome events by delivery result",
		}, []string{"result"}),

		LargePayloads: f.NewCounter(prometheus.CounterOpts{
			Name: "enricher_large_payloads_total",
			Help: "Registry payloads above the large payload threshold",
		}),

		ControllerActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "enricher_continuous_running",
			Help: "1 while continuous processing is running",
		}),
	}
}

func (m *Metrics) ObserveBatch(outcome models.BatchOutcome) {
	if m == nil {
		return
	}
	result := "failed"
	switch {
	case outcome.Skipped:
		result = "skipped"
	case outcome.Empty:
		result = "empty"
	case outcome.Success:
		result = "success"
	}
	m.BatchesTotal.WithLabelValues(result).Inc()
	if !outcome.Skipped {
		m.BatchDuration.Observe(outcome.Duration.Seconds())
	}
}

func (m *Metrics) IncrementItem(outcome string) {
	if m != nil {
		m.ItemsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveRegistryLatency(result string, d time.Duration) {
	if m != nil {
		m.RegistryLatency.WithLabelValues(result).Observe(d.Seconds())
	}
}

func (m *Metrics) IncrementCache(result string) {
	if m != nil {
		m.RegistryCache.WithLabelValues(result).Inc()
	}
}

// ObserveCircuitTransition matches circuit.StateChangeHook.
func (m *Metrics) ObserveCircuitTransition(_ string, _, to circuit.State) {
	if m == nil {
		return
	}
	m.CircuitChanges.WithLabelValues(string(to)).Inc()
	m.SetCircuitState(to)
}

func (m *Metrics) SetCircuitState(state circuit.State) {
	if m == nil {
		return
	}
	switch state {
	case circuit.StateOpen:
		m.CircuitState.Set(2)
	case circuit.StateHalfOpen:
		m.CircuitState.Set(1)
	default:
		m.CircuitState.Set(0)
	}
}

func (m *Metrics) SetRate(perSecond float64) {
	if m != nil {
		m.RateLimit.Set(perSecond)
	}
}

func (m *Metrics) IncrementAcquireTimeouts() {
	if m != nil {
		m.AcquireTimeouts.Inc()
	}
}

func (m *Metrics) AddRecovered(n int64) {
	if m != nil && n > 0 {
		m.RecoveredTotal.Add(float64(n))
	}
}

func (m *Metrics) AddEscalated(n int64) {
	if m != nil && n > 0 {
		m.EscalatedTotal.Add(float64(n))
	}
}

func (m *Metrics) SetBacklog(summary models.StatusSummary) {
	if m == nil {
		return
	}
	for status, n := range summary.Counts {
		m.Backlog.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (m *Metrics) IncrementEvents(result string) {
	if m != nil {
		m.EventsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncrementLargePayloads() {
	if m != nil {
		m.LargePayloads.Inc()
	}
}

func (m *Metrics) SetControllerRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.ControllerActive.Set(1)
	} else {
		m.ControllerActive.Set(0)
	}
}
