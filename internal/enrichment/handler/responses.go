package handler

import (
	"time"

	"enricher/internal/enrichment/models"
	"enricher/pkg/platform/circuit"
)

// BatchResponse is returned by POST /v1/enrichment/batches.
type BatchResponse struct {
	BatchID     string  `json:"batch_id,omitempty"`
	Success     bool    `json:"success"`
	Skipped     bool    `json:"skipped"`
	Empty       bool    `json:"empty"`
	Message     string  `json:"message"`
	Claimed     int     `json:"claimed"`
	Processed   int     `json:"processed"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	Released    int     `json:"released"`
	Outstanding int     `json:"outstanding"`
	DurationMS  float64 `json:"duration_ms"`
}

func toBatchResponse(o models.BatchOutcome) BatchResponse {
	resp := BatchResponse{
		Success:     o.Success,
		Skipped:     o.Skipped,
		Empty:       o.Empty,
		Message:     o.Message,
		Claimed:     o.Claimed,
		Processed:   o.Processed,
		Succeeded:   o.Succeeded,
		Failed:      o.Failed,
		Released:    o.Released,
		Outstanding: o.Outstanding,
		DurationMS:  float64(o.Duration) / float64(time.Millisecond),
	}
	if !o.Skipped {
		resp.BatchID = o.BatchID.String()
	}
	return resp
}

type RecoverResponse struct {
	Recovered int64 `json:"recovered"`
	Escalated int64 `json:"escalated"`
}

type PendingResponse struct {
	Pending int64 `json:"pending"`
}

// SummaryResponse mirrors models.StatusSummary with derived progress.
type SummaryResponse struct {
	Counts      map[models.Status]int64 `json:"counts"`
	Total       int64                   `json:"total"`
	Remaining   int64                   `json:"remaining"`
	PercentDone float64                 `json:"percent_done"`
}

func toSummaryResponse(s models.StatusSummary) SummaryResponse {
	return SummaryResponse{
		Counts:      s.Counts,
		Total:       s.Total,
		Remaining:   s.Remaining(),
		PercentDone: s.PercentDone(),
	}
}

type CircuitResponse struct {
	State            circuit.State `json:"state"`
	Failures         int           `json:"failures"`
	Successes        int           `json:"successes"`
	OpenedAt         *time.Time    `json:"opened_at,omitempty"`
	RatePerSecond    float64       `json:"rate_per_second"`
	MaxRatePerSecond float64       `json:"max_rate_per_second"`
}

func toCircuitResponse(snap circuit.Snapshot, rate, maxRate float64) CircuitResponse {
	resp := CircuitResponse{
		State:            snap.State,
		Failures:         snap.Failures,
		Successes:        snap.Successes,
		RatePerSecond:    rate,
		MaxRatePerSecond: maxRate,
	}
	if !snap.OpenedAt.IsZero() {
		openedAt := snap.OpenedAt
		resp.OpenedAt = &openedAt
	}
	return resp
}

type ProcessingResponse struct {
	models.ProcessingState
	BatchInFlight bool `json:"batch_in_flight"`
}

type ToggleResponse struct {
	Changed bool   `json:"changed"`
	Message string `json:"message"`
}
