package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a work item.
//
// READY -> PROCESSING -> DONE | READY (retry) | ERROR | MANUAL_REVIEW.
// DONE, ERROR and MANUAL_REVIEW are terminal for the engine.
type Status string

const (
	StatusReady        Status = "READY"
	StatusProcessing   Status = "PROCESSING"
	StatusDone         Status = "DONE"
	StatusError        Status = "ERROR"
	StatusManualReview Status = "MANUAL_REVIEW"
)

// AllStatuses lists statuses in lifecycle order, for summaries and gauges.
var AllStatuses = []Status{
	StatusReady,
	StatusProcessing,
	StatusDone,
	StatusError,
	StatusManualReview,
}

func (s Status) String() string {
	return string(s)
}

func (s Status) IsValid() bool {
	switch s {
	case StatusReady, StatusProcessing, StatusDone, StatusError, StatusManualReview:
		return true
	}
	return false
}

// IsTerminal reports whether the engine will never pick the item up again.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError || s == StatusManualReview
}

// WorkItem is one persisted unit of work: a lookup key to enrich.
type WorkItem struct {
	ID            uuid.UUID
	LookupKey     string // PII: never log raw
	Status        Status
	RetryCount    int
	RequestedAt   *time.Time // set when claimed; basis for stuck detection
	ResultPayload []byte
	ErrorPayload  []byte
	ClaimToken    uuid.UUID // stamped by each claim; uuid.Nil when unclaimed
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Ref returns the claim reference used for conditional writes.
func (w *WorkItem) Ref() ClaimRef {
	return ClaimRef{ID: w.ID, Token: w.ClaimToken}
}

// ClaimRef identifies a work item together with the claim that owns it.
// Writes through a stale ref fail with sentinel.ErrConflict.
type ClaimRef struct {
	ID    uuid.UUID
	Token uuid.UUID
}

// ErrorCategory classifies why an item failed, for operators reading the
// error payload.
type ErrorCategory string

const (
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryNetwork        ErrorCategory = "network"
	CategoryUpstream       ErrorCategory = "upstream"
	CategoryInvalidKey     ErrorCategory = "invalid_key"
	CategoryCircuitOpen    ErrorCategory = "circuit_open"
	CategoryRateLimited    ErrorCategory = "rate_limited"
	CategoryStuckExhausted ErrorCategory = "stuck_exhausted"
)

// ErrorPayload is the JSON document stored alongside a failed item.
type ErrorPayload struct {
	Category   ErrorCategory `json:"category"`
	Message    string        `json:"message,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	At         time.Time     `json:"at"`
}

// Marshal encodes the payload. Encoding a flat struct cannot fail, so errors
// collapse to a minimal document.
func (p ErrorPayload) Marshal() []byte {
	b, err := json.Marshal(p)
	if err != nil {
		return []byte(`{"category":"` + string(p.Category) + `"}`)
	}
	return b
}

// BatchOutcome summarizes one batch run.
//
// Processed = Succeeded + Failed. Released items (returned to READY without
// an attempt being counted) are included in Failed. Outstanding counts claimed
// items that were left PROCESSING because the batch timed out or aborted;
// recovery picks them up later.
type BatchOutcome struct {
	BatchID     uuid.UUID     `json:"batch_id"`
	Claimed     int           `json:"claimed"`
	Processed   int           `json:"processed"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Released    int           `json:"released"`
	Outstanding int           `json:"outstanding"`
	Skipped     bool          `json:"skipped"`
	Empty       bool          `json:"empty"`
	Success     bool          `json:"success"`
	Message     string        `json:"message"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
}

// ProcessingState describes the continuous controller.
type ProcessingState struct {
	Running     bool          `json:"running"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	StoppedAt   *time.Time    `json:"stopped_at,omitempty"`
	BatchesRun  int64         `json:"batches_run"`
	LastError   string        `json:"last_error,omitempty"`
	LastOutcome *BatchOutcome `json:"last_outcome,omitempty"`
}

// StatusSummary is the backlog broken down by status.
type StatusSummary struct {
	Counts map[Status]int64 `json:"counts"`
	Total  int64            `json:"total"`
}

// NewStatusSummary fills missing statuses with zero and computes the total.
func NewStatusSummary(counts map[Status]int64) StatusSummary {
	out := StatusSummary{Counts: make(map[Status]int64, len(AllStatuses))}
	for _, s := range AllStatuses {
		out.Counts[s] = counts[s]
		out.Total += counts[s]
	}
	return out
}

// Remaining counts items the engine may still act on.
func (s StatusSummary) Remaining() int64 {
	return s.Counts[StatusReady] + s.Counts[StatusProcessing]
}

// PercentDone is the share of items in a terminal status.
func (s StatusSummary) PercentDone() float64 {
	if s.Total == 0 {
		return 100
	}
	terminal := s.Counts[StatusDone] + s.Counts[StatusError] + s.Counts[StatusManualReview]
	return float64(terminal) * 100 / float64(s.Total)
}

// OutcomeEvent is published after each per-item store write. It carries the
// key digest, never the raw lookup key.
type OutcomeEvent struct {
	ItemID        uuid.UUID     `json:"item_id"`
	KeyDigest     string        `json:"key_digest"`
	BatchID       uuid.UUID     `json:"batch_id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Status        Status        `json:"status"`
	RetryCount    int           `json:"retry_count"`
	Category      ErrorCategory `json:"category,omitempty"`
	At            time.Time     `json:"at"`
}
