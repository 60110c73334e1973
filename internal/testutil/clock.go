package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/dotlock/internal/clock"
)

// ManualClock is a wall clock and timer scheduler that only moves when a
// test advances it.
//
// It satisfies clock.Clock and clock.Scheduler, so the
// stale-owner timeout can be exercised without sleeping.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
// Timer callbacks run on the goroutine calling Advance, outside the mutex.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int64
	timers []*ManualTimer
}

// ManualTimer is a pending callback registered with AfterFunc.
type ManualTimer struct {
	clock    *ManualClock
	deadline time.Time
	seq      int64
	fn       func()
	stopped  bool
	fired    bool
}

// DefaultEpoch is the starting time of NewManualClock.
var DefaultEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewManualClock creates a clock starting at DefaultEpoch.
func NewManualClock() *ManualClock {
	return NewManualClockAt(DefaultEpoch)
}

// NewManualClockAt creates a clock starting at start.
func NewManualClockAt(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules fn to run once the clock has advanced by d.
func (c *ManualClock) AfterFunc(d time.Duration, fn func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &ManualTimer{
		clock:    c,
		deadline: c.now.Add(d),
		seq:      c.seq,
		fn:       fn,
	}
	c.timers = append(c.timers, t)
	return t
}

// Stop cancels the timer. Returns false if it already fired or was stopped.
func (t *ManualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward by d and runs every timer whose deadline
// has been reached, in deadline order then registration order.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)

	var due, pending []*ManualTimer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.deadline.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, t := range due {
		t.fn()
	}
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

var (
	_ clock.Clock     = (*ManualClock)(nil)
	_ clock.Scheduler = (*ManualClock)(nil)
)
