package store

import (
	"sync"
	"time"
)

// clock hands out received_at values that never go backwards, even when the wall clock is stepped.
// Values are truncated to the backend's storage precision so that a stored value reads back unchanged.
type clock struct {
	now       func() time.Time
	last      time.Time
	precision time.Duration
	mu        sync.Mutex
}

func newClock(precision time.Duration) *clock {
	return &clock{now: time.Now, precision: precision}
}

// Next returns the received_at for the next insert.
func (c *clock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(c.precision)
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}

// Wall returns the current wall time in UTC for computing query windows.
func (c *clock) Wall() time.Time {
	return c.now().UTC()
}
