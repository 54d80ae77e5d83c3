package retry

import (
	"fmt"
	"time"

	"github.com/nvquang-dev/goqueue/errorsx"
)

// Registry resolves a named strategy configuration to a Strategy
// instance, the way a factory keyed by a config string selects among a
// fixed set of registered constructors.
type Registry struct {
	factories map[string]func(Config) Strategy
}

// Config is the tunable surface every registered factory reads from;
// unused fields for a given strategy are ignored.
type Config struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	Multiplier       float64
	MaxDelay         time.Duration
	Jitter           bool
	FailureThreshold int
	Timeout          time.Duration
	NonRetryable     []error
	RetryableOnly    []error
}

// NewRegistry returns a Registry pre-populated with the built-in
// strategies: "fixed", "linear", "exponential", "circuit-breaker"
// (circuit-breaker wraps an exponential inner strategy).
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]func(Config) Strategy)}

	r.Register("fixed", func(c Config) Strategy {
		return NewFixed(c.MaxAttempts, orDefault(c.BaseDelay, time.Second)).
			WithErrorFilter(c.NonRetryable, c.RetryableOnly)
	})
	r.Register("linear", func(c Config) Strategy {
		return NewLinear(c.MaxAttempts, orDefault(c.BaseDelay, time.Second), c.Multiplier, c.MaxDelay).
			WithErrorFilter(c.NonRetryable, c.RetryableOnly)
	})
	r.Register("exponential", func(c Config) Strategy {
		return NewExponential(c.MaxAttempts, orDefault(c.BaseDelay, 100*time.Millisecond), c.Multiplier, orDefault(c.MaxDelay, 30*time.Second), c.Jitter).
			WithErrorFilter(c.NonRetryable, c.RetryableOnly)
	})
	r.Register("circuit-breaker", func(c Config) Strategy {
		inner := NewExponential(c.MaxAttempts, orDefault(c.BaseDelay, 100*time.Millisecond), c.Multiplier, orDefault(c.MaxDelay, 30*time.Second), c.Jitter).
			WithErrorFilter(c.NonRetryable, c.RetryableOnly)
		return NewCircuitBreaker(inner, c.FailureThreshold, c.Timeout)
	})

	return r
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, factory func(Config) Strategy) {
	r.factories[name] = factory
}

// Create builds a Strategy by name, or an error if name is unknown.
func (r *Registry) Create(name string, cfg Config) (Strategy, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("retry: unknown strategy %q", name)
	}
	return factory(cfg), nil
}

// CreateProductionPolicy returns the strategy recommended for
// production use: jittered exponential backoff, 5 attempts, 1s base
// capped at 30s, refusing to retry validation and authn/authz failures
// no matter how many attempts remain.
func CreateProductionPolicy() Strategy {
	return NewExponential(5, time.Second, 2.0, 30*time.Second, true).
		WithErrorFilter([]error{
			errorsx.ErrMessageValidation,
			errorsx.ErrInvalidMessage,
			errorsx.ErrAuthentication,
			errorsx.ErrPermission,
		}, nil)
}

// CreateDevelopmentPolicy returns a strategy suited to local iteration:
// three fixed 500ms retries, no jitter, no circuit breaker.
func CreateDevelopmentPolicy() Strategy {
	return NewFixed(3, 500*time.Millisecond)
}
