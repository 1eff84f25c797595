package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so the engine can decide how a failure propagates.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: work item does not exist in the store
// - ErrConflict: the caller no longer holds the claim on a work item
// - ErrInvalidState: work item is in the wrong status for the requested operation
// - ErrUnavailable: store or dependency temporarily unavailable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
