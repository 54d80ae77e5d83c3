package retry

import (
	"sync"
	"time"
)

// Composite chains an ordered list of strategies and advances to the
// next one the moment the current strategy reports NoDelay, rather than
// giving up outright. A caller sees the chain give up only once every
// member in turn has refused.
type Composite struct {
	Strategies []Strategy

	mu  sync.Mutex
	idx int
}

func NewComposite(strategies ...Strategy) *Composite {
	return &Composite{Strategies: strategies}
}

// CalculateDelay tries the current strategy, advancing idx past any
// strategy that returns NoDelay, until one grants a delay or the chain
// is exhausted.
func (c *Composite) CalculateDelay(attempt int, err error) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.idx < len(c.Strategies) {
		delay := c.Strategies[c.idx].CalculateDelay(attempt, err)
		if delay != NoDelay {
			return delay
		}
		c.idx++
	}
	return NoDelay
}

func (c *Composite) ShouldRetry(attempt int, err error) bool {
	return c.CalculateDelay(attempt, err) != NoDelay
}

func (c *Composite) Reset() {
	c.mu.Lock()
	c.idx = 0
	c.mu.Unlock()
	for _, s := range c.Strategies {
		s.Reset()
	}
}
