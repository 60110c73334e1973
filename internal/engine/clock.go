package engine

import "sync/atomic"

// Clock is the monotonic logical clock that stamps state transitions.
//
// Every transition observed through Watch carries a strictly increasing Seq,
// which lets a listener order transitions without comparing wall-clock
// times. Seq numbers are per engine; they say nothing about other clients.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
// In practice only the Run loop calls Next.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
