// Package registry talks to the external registry that enriches work items.
//
// Clients make exactly one attempt per call; retry policy belongs to the batch
// engine, which turns a retryable failure into a later re-claim.
package registry

import (
	"context"
	"time"
)

// Client looks up one key in the external registry.
type Client interface {
	// Lookup returns the registry's payload for key. Failures are *Error.
	Lookup(ctx context.Context, lookupKey string) (*Result, error)
}

// Result is an opaque registry answer.
type Result struct {
	Payload    []byte
	StatusCode int
	FetchedAt  time.Time
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, lookupKey string) (*Result, error)

func (f ClientFunc) Lookup(ctx context.Context, lookupKey string) (*Result, error) {
	return f(ctx, lookupKey)
}
