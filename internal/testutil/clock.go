package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a thread-safe clock that advances by a fixed step
// on every reading.
//
// It plugs into hub.Options.Now and store.WithClock so timestamps recorded
// by a test are identical from run to run.
type DeterministicClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewDeterministicClock creates a clock whose first reading is start and
// which advances by one millisecond per reading.
func NewDeterministicClock(start time.Time) *DeterministicClock {
	return &DeterministicClock{now: start, step: time.Millisecond}
}

// Now returns the current time and advances the clock.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the next reading without advancing.
func (c *DeterministicClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Reset moves the clock back to start.
func (c *DeterministicClock) Reset(start time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = start
}
