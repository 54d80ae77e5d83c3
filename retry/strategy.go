// Package retry provides pluggable retry-delay policies: a Strategy
// abstracts "how long should attempt N wait" and "should we keep
// retrying", and an Executor binds a Strategy to a suspendable
// operation. Laid out the way a rate-limiter package groups one
// Executor-like interface with one file per concrete strategy plus a
// config-driven factory.
package retry

import (
	"errors"
	"time"
)

// NoDelay is returned by CalculateDelay when ShouldRetry would be false
// for the same (attempt, err): the caller must stop retrying.
const NoDelay time.Duration = -1

// Strategy abstracts a retry-delay policy.
type Strategy interface {
	// ShouldRetry reports whether attempt should be retried given err.
	ShouldRetry(attempt int, err error) bool

	// CalculateDelay returns the delay before attempt should run, or
	// NoDelay (-1) iff ShouldRetry(attempt, err) is false.
	CalculateDelay(attempt int, err error) time.Duration

	// Reset clears any strategy-internal state (e.g. circuit breaker
	// failure counters).
	Reset()
}

// classify applies the shared MaxAttempts / non-retryable / retryable
// rules used by every concrete strategy: false when attempt >
// maxAttempts; false when err's sentinel is in the non-retryable set;
// if a retryable set is specified, true only for members of it.
type classify struct {
	MaxAttempts   int // 0 means unlimited
	NonRetryable  []error
	RetryableOnly []error // if non-empty, only these are retryable
}

func (c classify) shouldRetry(attempt int, err error) bool {
	if c.MaxAttempts > 0 && attempt > c.MaxAttempts {
		return false
	}
	if err == nil {
		return true
	}
	for _, sentinel := range c.NonRetryable {
		if errors.Is(err, sentinel) {
			return false
		}
	}
	if len(c.RetryableOnly) > 0 {
		for _, sentinel := range c.RetryableOnly {
			if errors.Is(err, sentinel) {
				return true
			}
		}
		return false
	}
	return true
}

// clamp bounds delay to [0, maxDelay] when maxDelay > 0.
func clamp(delay, maxDelay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}
