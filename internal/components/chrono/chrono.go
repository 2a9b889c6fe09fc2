package chrono

import (
	"sync"
	"time"
)

type API interface {
	Now() time.Time
}

// StandardImpl reads the wall clock.
type StandardImpl struct{}

func (StandardImpl) Now() time.Time {
	return time.Now()
}

// ManualClock is a clock whose time only moves when told to.
type ManualClock struct {
	mutex sync.Mutex
	now   time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}
