package retry

import (
	"sync"
	"time"
)

// CircuitState is one of the three states a CircuitBreaker can be in.
type CircuitState string

const (
	StateClosed   CircuitState = "CLOSED"
	StateOpen     CircuitState = "OPEN"
	StateHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitBreaker wraps an inner Strategy and refuses retries outright
// once FailureThreshold consecutive failures have been observed,
// reopening for trial traffic after Timeout and closing again on the
// first success seen while HALF_OPEN. State is held per instance, never
// shared globally, so independent operations get independent breakers.
type CircuitBreaker struct {
	Inner            Strategy
	FailureThreshold int
	Timeout          time.Duration

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker builds a CircuitBreaker around inner. A
// failureThreshold <= 0 defaults to 5 and a timeout <= 0 defaults to
// 60s.
func NewCircuitBreaker(inner Strategy, failureThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &CircuitBreaker{
		Inner:            inner,
		FailureThreshold: failureThreshold,
		Timeout:          timeout,
		state:            StateClosed,
	}
}

// State reports the breaker's current state, transitioning OPEN ->
// HALF_OPEN if Timeout has elapsed since it opened.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state
}

func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.Timeout {
		cb.state = StateHalfOpen
	}
}

// ShouldRetry refuses retries while the breaker is OPEN; otherwise
// delegates to Inner. A call with err == nil (a recorded success) closes
// the breaker from HALF_OPEN and resets the failure count.
func (cb *CircuitBreaker) ShouldRetry(attempt int, err error) bool {
	cb.mu.Lock()
	cb.maybeHalfOpenLocked()

	if err == nil {
		cb.failures = 0
		cb.state = StateClosed
		cb.mu.Unlock()
		return cb.Inner.ShouldRetry(attempt, err)
	}

	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.FailureThreshold {
		cb.state = StateOpen
		cb.openedAt = time.Now()
		cb.mu.Unlock()
		return false
	}
	cb.mu.Unlock()

	return cb.Inner.ShouldRetry(attempt, err)
}

// CalculateDelay defers to Inner, doubling the delay while the breaker
// is HALF_OPEN to slow down trial traffic. It never records a failure
// itself; ShouldRetry is the recording call, so a caller invoking
// both per attempt counts each failure exactly once.
func (cb *CircuitBreaker) CalculateDelay(attempt int, err error) time.Duration {
	cb.mu.Lock()
	cb.maybeHalfOpenLocked()
	state := cb.state
	cb.mu.Unlock()

	if state == StateOpen {
		return NoDelay
	}
	delay := cb.Inner.CalculateDelay(attempt, err)
	if delay == NoDelay {
		return NoDelay
	}
	if state == StateHalfOpen {
		delay *= 2
	}
	return delay
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.state = StateClosed
	cb.mu.Unlock()
	cb.Inner.Reset()
}
