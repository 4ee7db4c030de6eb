package repositories

import (
	"sync"
	"time"
)

// stampClock hands out creation timestamps that never move backwards within
// the process, even when the wall clock is stepped back. Equal stamps are
// ordered by id.
type stampClock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *stampClock) stamp(t time.Time, precision time.Duration) time.Time {
	t = t.UTC().Truncate(precision)
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Before(c.last) {
		return c.last
	}
	c.last = t
	return t
}
