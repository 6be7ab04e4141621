package clock

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so tests control the timestamps stamped on sketches.
type Clock interface {
	Now() time.Time
}

func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Fake returns a clock that stands still until Set or Advance is called.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial.UTC()}
}

type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t.UTC()
}

func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	return c.current
}
