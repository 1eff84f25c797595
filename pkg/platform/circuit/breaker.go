// Package circuit provides a process-wide circuit breaker guarding calls to a
// failing dependency.
//
// The breaker trips OPEN after a run of consecutive failures, short-circuits
// every call for the open duration, then lets probe calls through one at a time
// (HALF_OPEN) until enough consecutive successes close it again. Any failure
// while half-open reopens it and restarts the open timer.
//
// A single Breaker is meant to be shared by all workers talking to the same
// dependency; all state lives behind one mutex.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker's position in its state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Allow when the call must not reach the dependency.
var ErrOpen = errors.New("circuit breaker is open")

// StateChange reports which transition, if any, a Record call caused.
type StateChange struct {
	Opened bool
	Closed bool
}

// Snapshot is a point-in-time copy of breaker state.
type Snapshot struct {
	Name      string
	State     State
	Failures  int
	Successes int
	OpenedAt  time.Time
}

// Ticket identifies an admitted call. Its outcome only counts against the
// state generation it was admitted under, so a slow call admitted while closed
// cannot settle a later half-open probe.
type Ticket struct {
	generation uint64
	probe      bool
}

// StateChangeHook observes transitions. It runs outside the breaker lock.
type StateChangeHook func(name string, from, to State)

type Breaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	successThreshold int
	openDuration     time.Duration
	now              func() time.Time
	hook             StateChangeHook

	state         State
	failures      int // consecutive failures while closed
	successes     int // consecutive successes while half-open
	openedAt      time.Time
	probeInFlight bool
	generation    uint64 // bumped on every transition
}

type Option func(*Breaker)

// WithFailureThreshold sets how many consecutive failures open the circuit.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets how many consecutive half-open successes close it.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithOpenDuration sets how long the circuit stays open before probing.
func WithOpenDuration(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.openDuration = d
		}
	}
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateChangeHook registers an observer for transitions.
func WithStateChangeHook(hook StateChangeHook) Option {
	return func(b *Breaker) {
		b.hook = hook
	}
}

// New creates a closed breaker. Defaults: 10 failures, 5 successes, 60s open.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: 10,
		successThreshold: 5,
		openDuration:     time.Minute,
		now:              time.Now,
		state:            StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, advancing OPEN to HALF_OPEN once the open
// duration has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	from, advanced := b.advanceLocked()
	state := b.state
	b.mu.Unlock()
	if advanced {
		b.notify(from, StateHalfOpen)
	}
	return state
}

func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Allow reports whether a call may proceed. In HALF_OPEN only one probe is
// admitted at a time; the caller must follow an admitted call with
// RecordSuccess, RecordFailure or Release, passing the returned ticket.
func (b *Breaker) Allow() (Ticket, error) {
	b.mu.Lock()
	from, advanced := b.advanceLocked()
	var err error
	switch b.state {
	case StateOpen:
		err = ErrOpen
	case StateHalfOpen:
		if b.probeInFlight {
			err = ErrOpen
		} else {
			b.probeInFlight = true
		}
	}
	ticket := Ticket{generation: b.generation, probe: b.state == StateHalfOpen && err == nil}
	b.mu.Unlock()
	if advanced {
		b.notify(from, StateHalfOpen)
	}
	return ticket, err
}

// Release gives back an admitted half-open probe slot without reporting an
// outcome, for calls that were admitted but never reached the dependency.
func (b *Breaker) Release(t Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ownsLocked(t) && t.probe {
		b.probeInFlight = false
	}
}

// RecordSuccess reports a successful call. It returns true when the circuit
// is closed after recording. Outcomes of calls admitted under an earlier
// state are ignored.
func (b *Breaker) RecordSuccess(t Ticket) (bool, StateChange) {
	b.mu.Lock()
	var change StateChange
	if b.ownsLocked(t) {
		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			b.probeInFlight = false
			b.successes++
			if b.successes >= b.successThreshold {
				b.state = StateClosed
				b.failures = 0
				b.successes = 0
				b.openedAt = time.Time{}
				b.generation++
				change.Closed = true
			}
		}
	}
	closed := b.state == StateClosed
	b.mu.Unlock()
	if change.Closed {
		b.notify(StateHalfOpen, StateClosed)
	}
	return closed, change
}

// RecordFailure reports a failed call. It returns true when the circuit is
// open after recording. Outcomes of calls admitted under an earlier state are
// ignored; an open circuit keeps its original timer.
func (b *Breaker) RecordFailure(t Ticket) (bool, StateChange) {
	b.mu.Lock()
	var change StateChange
	from := b.state
	if b.ownsLocked(t) {
		switch b.state {
		case StateClosed:
			b.failures++
			if b.failures >= b.failureThreshold {
				b.openLocked()
				change.Opened = true
			}
		case StateHalfOpen:
			b.openLocked()
			change.Opened = true
		}
	}
	open := b.state == StateOpen
	b.mu.Unlock()
	if change.Opened {
		b.notify(from, StateOpen)
	}
	return open, change
}

// Snapshot returns a copy of the current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	from, advanced := b.advanceLocked()
	snap := Snapshot{
		Name:      b.name,
		State:     b.state,
		Failures:  b.failures,
		Successes: b.successes,
		OpenedAt:  b.openedAt,
	}
	b.mu.Unlock()
	if advanced {
		b.notify(from, StateHalfOpen)
	}
	return snap
}

// Reset manually closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.openedAt = time.Time{}
	b.probeInFlight = false
	b.generation++
	b.mu.Unlock()
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}

func (b *Breaker) openLocked() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
	b.probeInFlight = false
	b.generation++
}

// ownsLocked reports whether t was admitted under the current state.
func (b *Breaker) ownsLocked(t Ticket) bool {
	return t.generation == b.generation
}

// advanceLocked moves OPEN to HALF_OPEN when the open window has elapsed.
// Must be called while holding b.mu.
func (b *Breaker) advanceLocked() (State, bool) {
	if b.state != StateOpen {
		return b.state, false
	}
	if b.now().Sub(b.openedAt) < b.openDuration {
		return b.state, false
	}
	b.state = StateHalfOpen
	b.successes = 0
	b.probeInFlight = false
	b.generation++
	return StateOpen, true
}

func (b *Breaker) notify(from, to State) {
	if b.hook != nil {
		b.hook(b.name, from, to)
	}
}
