package processor

import (
	"sync/atomic"
	"time"
)

// VersionClock issues opaque-payload versions: wall-clock milliseconds,
// forced strictly increasing across calls and never below a caller floor.
//
// Safe for concurrent use.
type VersionClock struct {
	last atomic.Int64
	now  func() time.Time
}

// NewVersionClock returns a clock reading now. A nil now means time.Now.
func NewVersionClock(now func() time.Time) *VersionClock {
	if now == nil {
		now = time.Now
	}
	return &VersionClock{now: now}
}

// Next returns max(now in ms, floor, last issued + 1).
func (c *VersionClock) Next(floor int64) int64 {
	for {
		last := c.last.Load()
		v := max(c.now().UnixMilli(), floor, last+1)
		if c.last.CompareAndSwap(last, v) {
			return v
		}
	}
}

// Current returns the last issued version without advancing.
func (c *VersionClock) Current() int64 {
	return c.last.Load()
}
