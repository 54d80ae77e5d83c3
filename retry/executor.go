package retry

import (
	"context"
	"time"
)

// Operation is a unit of work an Executor retries. attempt starts at 1.
type Operation[T any] func(ctx context.Context, attempt int) (T, error)

// Executor binds a Strategy to repeated invocations of an Operation,
// sleeping for the strategy's calculated delay between attempts and
// stopping as soon as the strategy reports NoDelay or ctx is canceled.
type Executor struct {
	Strategy Strategy
}

func NewExecutor(strategy Strategy) *Executor {
	return &Executor{Strategy: strategy}
}

// Do runs op, retrying per e.Strategy until it succeeds, the strategy
// gives up, or ctx is canceled. ShouldRetry is asked exactly once per
// failed attempt (it is the recording call for stateful strategies
// like CircuitBreaker), then CalculateDelay supplies the wait.
func Do[T any](ctx context.Context, e *Executor, op Operation[T]) (T, error) {
	var zero T
	attempt := 1
	for {
		result, err := op(ctx, attempt)
		if err == nil {
			e.Strategy.Reset()
			return result, nil
		}

		if !e.Strategy.ShouldRetry(attempt, err) {
			return zero, err
		}
		delay := e.Strategy.CalculateDelay(attempt, err)
		if delay == NoDelay {
			return zero, err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		attempt++
	}
}
