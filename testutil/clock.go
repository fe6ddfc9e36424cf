package testutil

import (
	"sync"
	"time"
)

// ManualClock is a virtual clock. Time moves only through Advance, and
// channels from After fire when the clock passes their deadline.
type ManualClock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// NewManualClock starts a clock at start.
func NewManualClock(start time.Time) *ManualClock {
	c := &ManualClock{now: start}
	c.cond = sync.NewCond(&c.mu)

	return c
}

// Now returns the virtual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

// After returns a channel that receives the virtual time once the clock has
// advanced by d. A non-positive d fires immediately.
func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}

	c.waiters = append(c.waiters, waiter{at: c.now.Add(d), ch: ch})
	c.cond.Broadcast()

	return ch
}

// Advance moves the clock forward and fires every due waiter.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)

	kept := c.waiters[:0]

	for _, w := range c.waiters {
		if w.at.After(c.now) {
			kept = append(kept, w)
			continue
		}

		w.ch <- c.now
	}

	c.waiters = kept
	c.cond.Broadcast()
}

// Waiters returns the number of pending After channels.
func (c *ManualClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.waiters)
}

// BlockUntil waits until at least n After channels are pending, or timeout
// elapses in real time. It reports whether the count was reached.
func (c *ManualClock) BlockUntil(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	stop := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.waiters) < n {
		if !time.Now().Before(deadline) {
			return false
		}

		c.cond.Wait()
	}

	return true
}
