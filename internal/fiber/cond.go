package fiber

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
)

// ConditionVariable parks fibers until notified. Waiters are woken in the
// order they parked.
type ConditionVariable struct {
	mu      sync.Mutex
	waiters *queue.Queue
}

// NewConditionVariable returns a condition variable with no waiters.
func NewConditionVariable() *ConditionVariable {
	return &ConditionVariable{waiters: queue.New()}
}

// Wait parks f, which must be the calling fiber, until NotifyOne or
// NotifyAll selects it. A wakeup already pending on f is consumed instead
// and f is not parked.
func (c *ConditionVariable) Wait(f *Fiber) error {
	return f.park(func() {
		c.mu.Lock()
		c.waiters.Add(f)
		c.mu.Unlock()
	})
}

// NotifyOne schedules the longest parked fiber. It reports whether there
// was one.
func (c *ConditionVariable) NotifyOne() bool {
	c.mu.Lock()
	if c.waiters.Length() == 0 {
		c.mu.Unlock()
		return false
	}
	f := c.waiters.Remove().(*Fiber)
	c.mu.Unlock()
	c.wake(f)
	return true
}

// NotifyAll schedules every parked fiber and returns how many there were.
// Fibers that park while NotifyAll runs wait for the next notification.
func (c *ConditionVariable) NotifyAll() int {
	c.mu.Lock()
	parked := make([]*Fiber, 0, c.waiters.Length())
	for c.waiters.Length() > 0 {
		parked = append(parked, c.waiters.Remove().(*Fiber))
	}
	c.mu.Unlock()
	for _, f := range parked {
		c.wake(f)
	}
	return len(parked)
}

func (c *ConditionVariable) wake(f *Fiber) {
	if err := f.Unblock(); err != nil {
		log.Warn().Err(err).Uint64("fiber", f.ID()).Msg("Failed to wake parked fiber")
	}
}

// Len returns the number of parked fibers.
func (c *ConditionVariable) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters.Length()
}

// Close checks that no fiber is left parked.
func (c *ConditionVariable) Close() error {
	if n := c.Len(); n > 0 {
		log.Error().Int("fibers", n).Msg("Condition variable destroyed with parked fibers")
		return fmt.Errorf("%w: %d", ErrWaitersParked, n)
	}
	return nil
}
