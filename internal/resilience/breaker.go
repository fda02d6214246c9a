package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerSettings configures a CircuitBreaker
type BreakerSettings struct {
	FailureThreshold int
	Window           time.Duration
	RecoveryTimeout  time.Duration
}

// CircuitBreaker trips after FailureThreshold transient failures inside
// Window, rejects calls for RecoveryTimeout, then admits exactly one trial.
type CircuitBreaker struct {
	name     string
	settings BreakerSettings

	mu       sync.Mutex
	state    State
	failures []time.Time
	openedAt time.Time
	trialOut bool

	now           func() time.Time
	onStateChange func(name string, from, to State)
}

func NewCircuitBreaker(name string, settings BreakerSettings) *CircuitBreaker {
	if settings.FailureThreshold < 1 {
		settings.FailureThreshold = 5
	}
	if settings.Window <= 0 {
		settings.Window = 60 * time.Second
	}
	if settings.RecoveryTimeout <= 0 {
		settings.RecoveryTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		name:     name,
		settings: settings,
		now:      time.Now,
	}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// OnStateChange registers a hook invoked (outside the lock) on every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to State)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// State returns the current state, moving Open to HalfOpen once the recovery timeout elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	from, to := cb.advanceLocked()
	s := cb.state
	hook := cb.onStateChange
	cb.mu.Unlock()
	cb.notify(hook, from, to)
	return s
}

// Allow reports whether a call may proceed. In half-open only one caller is
// admitted until it reports its outcome.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	from, to := cb.advanceLocked()
	var err error
	switch cb.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if cb.trialOut {
			err = ErrCircuitOpen
		} else {
			cb.trialOut = true
		}
	}
	hook := cb.onStateChange
	cb.mu.Unlock()
	cb.notify(hook, from, to)
	return err
}

// Record reports the outcome of an admitted call. Only transient errors
// count as failures. A cancelled call has no outcome: a half-open trial is
// released and the breaker stays half-open.
func (cb *CircuitBreaker) Record(err error) {
	if errors.Is(err, context.Canceled) {
		cb.mu.Lock()
		if cb.state == StateHalfOpen {
			cb.trialOut = false
		}
		cb.mu.Unlock()
		return
	}

	failed := err != nil && IsTransient(err)

	cb.mu.Lock()
	from := cb.state
	now := cb.now()
	switch cb.state {
	case StateHalfOpen:
		cb.trialOut = false
		if failed {
			cb.state = StateOpen
			cb.openedAt = now
		} else {
			cb.state = StateClosed
		}
		cb.failures = cb.failures[:0]
	case StateClosed:
		if failed {
			cb.failures = append(cb.pruneLocked(now), now)
			if len(cb.failures) >= cb.settings.FailureThreshold {
				cb.state = StateOpen
				cb.openedAt = now
				cb.failures = cb.failures[:0]
			}
		}
	}
	to := cb.state
	hook := cb.onStateChange
	cb.mu.Unlock()
	cb.notify(hook, from, to)
}

// Execute runs fn under the breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

func (cb *CircuitBreaker) advanceLocked() (State, State) {
	from := cb.state
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.settings.RecoveryTimeout {
		cb.state = StateHalfOpen
		cb.trialOut = false
	}
	return from, cb.state
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-cb.settings.Window)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func (cb *CircuitBreaker) notify(hook func(string, State, State), from, to State) {
	if hook != nil && from != to {
		hook(cb.name, from, to)
	}
}
