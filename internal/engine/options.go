package engine

import (
	"log/slog"
	"time"

	"github.com/roach88/dotlock/internal/clock"
)

// DefaultGracePeriod is how long a remote owner may stay silent before its
// lock is presumed abandoned.
const DefaultGracePeriod = 5 * time.Second

// Option configures an Engine.
type Option func(*Engine)

// WithGracePeriod sets the stale-owner timeout.
//
// Default: 5s (DefaultGracePeriod). Non-positive values are ignored.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.grace = d
		}
	}
}

// WithScheduler sets the scheduler that runs the stale-owner timer.
// Tests pass a testutil.ManualClock.
func WithScheduler(s clock.Scheduler) Option {
	return func(e *Engine) {
		e.scheduler = s
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}
