package registry

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the normalized failure taxonomy for registry lookups.
type ErrorKind string

const (
	// KindTimeout: the registry did not answer within the call deadline.
	KindTimeout ErrorKind = "timeout"
	// KindNetwork: the request never completed (DNS, refused, reset).
	KindNetwork ErrorKind = "network"
	// KindUpstream: the registry answered with a failure status (429, 5xx).
	KindUpstream ErrorKind = "upstream"
	// KindInvalidKey: the registry rejected the key itself. Never retried.
	KindInvalidKey ErrorKind = "invalid_key"
)

// Error wraps registry failures with a normalized kind.
type Error struct {
	Kind       ErrorKind
	StatusCode int // set for KindUpstream and KindInvalidKey
	Message    string
	Underlying error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("registry [%s]", e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s status %d", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Underlying != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Underlying)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// Retryable reports whether another attempt could succeed. Only an invalid
// key is a final answer.
func (e *Error) Retryable() bool {
	return e.Kind != KindInvalidKey
}

// CountsAgainstBreaker reports whether the failure says the registry is
// unhealthy. An invalid key is a healthy registry doing its job.
func (e *Error) CountsAgainstBreaker() bool {
	return e.Kind != KindInvalidKey
}

func NewTimeout(err error) *Error {
	return &Error{Kind: KindTimeout, Message: "lookup timed out", Underlying: err}
}

func NewNetwork(err error) *Error {
	return &Error{Kind: KindNetwork, Message: "lookup failed", Underlying: err}
}

func NewUpstream(statusCode int, message string) *Error {
	return &Error{Kind: KindUpstream, StatusCode: statusCode, Message: message}
}

func NewInvalidKey(statusCode int, message string) *Error {
	return &Error{Kind: KindInvalidKey, StatusCode: statusCode, Message: message}
}

// IsRetryable checks whether err is worth retrying. Unclassified errors are
// treated as retryable.
func IsRetryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return true
}

// KindOf extracts the error kind, defaulting to KindNetwork for errors that
// did not come from a registry client.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindNetwork
}

// StatusCodeOf returns the registry HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

// TripsBreaker reports whether err says the registry is unhealthy.
// Unclassified errors count against the breaker.
func TripsBreaker(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.CountsAgainstBreaker()
	}
	return true
}

// SignalsOverload reports whether err asks callers to slow down: a timeout or
// a 429 answer.
func SignalsOverload(err error) bool {
	var re *Error
	if !errors.As(err, &re) {
		return false
	}
	return re.Kind == KindTimeout || (re.Kind == KindUpstream && re.StatusCode == http.StatusTooManyRequests)
}
