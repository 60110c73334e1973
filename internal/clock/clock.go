// Package clock abstracts wall-clock time and delayed callbacks so that
// timeouts can be driven manually in tests.
package clock

import "time"

// Clock reports wall-clock time.
type Clock interface {
	Now() time.Time
}

// Timer is a cancellable delayed callback.
type Timer interface {
	// Stop cancels the timer. It returns false if the timer already fired
	// or was already stopped.
	Stop() bool
}

// Scheduler arranges for callbacks to run after a delay.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// System uses the host clock and time.AfterFunc.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc. The callback runs on its own goroutine.
func (System) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
