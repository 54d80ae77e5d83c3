package retry

import "time"

// Custom wraps caller-supplied ShouldRetryFunc/DelayFunc callbacks,
// letting an application plug in a policy the built-in strategies don't
// express.
type Custom struct {
	ShouldRetryFunc func(attempt int, err error) bool
	DelayFunc       func(attempt int, err error) time.Duration
	ResetFunc       func()
}

func (c *Custom) ShouldRetry(attempt int, err error) bool {
	if c.ShouldRetryFunc == nil {
		return false
	}
	return c.ShouldRetryFunc(attempt, err)
}

func (c *Custom) CalculateDelay(attempt int, err error) time.Duration {
	if !c.ShouldRetry(attempt, err) {
		return NoDelay
	}
	if c.DelayFunc == nil {
		return 0
	}
	return c.DelayFunc(attempt, err)
}

func (c *Custom) Reset() {
	if c.ResetFunc != nil {
		c.ResetFunc()
	}
}
