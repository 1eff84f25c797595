package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"enricher/internal/enrichment/models"
	"enricher/pkg/platform/circuit"
)

func TestObserveBatch_LabelsByResult(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.ObserveBatch(models.BatchOutcome{Success: true, Duration: time.Second})
	m.ObserveBatch(models.BatchOutcome{Success: true, Empty: true})
	m.ObserveBatch(models.BatchOutcome{Skipped: true})
	m.ObserveBatch(models.BatchOutcome{Success: false})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("empty")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal.WithLabelValues("failed")))
}

func TestCircuitTransitions(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.ObserveCircuitTransition("registry", circuit.StateClosed, circuit.StateOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitState))
	m.ObserveCircuitTransition("registry", circuit.StateOpen, circuit.StateHalfOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitState))
	m.ObserveCircuitTransition("registry", circuit.StateHalfOpen, circuit.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitChanges.WithLabelValues("open")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveBatch(models.BatchOutcome{})
		m.IncrementItem("done")
		m.SetRate(10)
		m.AddRecovered(3)
		m.SetBacklog(models.NewStatusSummary(nil))
		m.SetControllerRunning(true)
	})
}
