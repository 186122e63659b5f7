// Package circuitbreaker implements the circuit-breaker pattern for provider
// calls. Each provider has its own CircuitBreaker instance, mapped directly
// to the gateway's ProviderHealth record (spec §3, §4.2).
//
// State transitions:
//
//	Closed   → Open      when consecutive failures ≥ FailureThreshold
//	Open     → HalfOpen  after the current backoff elapses
//	HalfOpen → Closed    when consecutive successes ≥ SuccessThreshold
//	HalfOpen → Open      on any failure, doubling the backoff up to MaxTimeout
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker's current state.
type State int

const (
	// StateClosed — normal operation; requests pass through.
	StateClosed State = iota
	// StateOpen — provider is considered failing; requests are rejected immediately.
	StateOpen
	// StateHalfOpen — circuit is testing recovery with a limited number of requests.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreaker guards a single downstream provider. Its open timeout
// doubles on each consecutive half-open failure, up to maxTimeout, so a
// persistently failing provider is probed less and less frequently instead
// of at a fixed cadence.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	baseTimeout      time.Duration
	maxTimeout       time.Duration
	currentTimeout   time.Duration
	openUntil        time.Time
	lastSuccess      time.Time
	probing          bool
}

// New creates a CircuitBreaker with the given thresholds and backoff range.
// Defaults are applied for zero/negative values: failureThreshold=5,
// successThreshold=1, baseTimeout=5s, maxTimeout=5m.
func New(failureThreshold, successThreshold int, baseTimeout, maxTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 1
	}
	if baseTimeout <= 0 {
		baseTimeout = 5 * time.Second
	}
	if maxTimeout <= 0 {
		maxTimeout = 5 * time.Minute
	}
	if maxTimeout < baseTimeout {
		maxTimeout = baseTimeout
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		baseTimeout:      baseTimeout,
		maxTimeout:       maxTimeout,
		currentTimeout:   baseTimeout,
	}
}

// State returns the current state, transitioning Open→HalfOpen if the
// backoff has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.resolveState()
}

// resolveState must be called with cb.mu held.
func (cb *CircuitBreaker) resolveState() State {
	if cb.state == StateOpen && time.Now().After(cb.openUntil) {
		cb.state = StateHalfOpen
		cb.successCount = 0
		cb.probing = false
	}
	return cb.state
}

// Allow returns true if the request should proceed. The circuit admits
// freely while Closed; while HalfOpen it admits exactly one probe request
// until that probe's outcome is recorded (spec §4.2 "the half-open state
// permits exactly one probe request"); while Open it admits nothing.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.resolveState() {
	case StateOpen:
		return false
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

// NextProbeDeadline returns when an Open circuit will next admit a probe.
// The zero value means the circuit is not currently open.
func (cb *CircuitBreaker) NextProbeDeadline() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return time.Time{}
	}
	return cb.openUntil
}

// LastSuccess returns the timestamp of the most recent recorded success.
func (cb *CircuitBreaker) LastSuccess() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastSuccess
}

// RecordSuccess notifies the breaker that a call succeeded. A success in
// any state resets the backoff back to baseTimeout.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastSuccess = time.Now()
	cb.currentTimeout = cb.baseTimeout
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		cb.probing = false
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	case StateClosed:
		cb.failureCount = 0
	}
}

// RecordFailure notifies the breaker that a call failed. Each failure that
// re-opens the circuit doubles the backoff, capped at maxTimeout.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.open()
		}
	case StateHalfOpen:
		cb.open()
	}
}

// open must be called with cb.mu held; it transitions to Open and doubles
// the backoff window, capped at maxTimeout.
func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openUntil = time.Now().Add(cb.currentTimeout)
	cb.successCount = 0
	cb.probing = false
	cb.currentTimeout *= 2
	if cb.currentTimeout > cb.maxTimeout {
		cb.currentTimeout = cb.maxTimeout
	}
}
