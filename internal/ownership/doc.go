// Package ownership implements the pure ownership state machine for the
// shared dot position.
//
// The state machine is a reducer: Reduce(state, action) returns the next
// state and performs no I/O. It decides who currently owns the position
// from two kinds of input:
//   - Local intents (BeginControl, SetPosition, EndControl) produced by the
//     UI layer on this client
//   - SetState actions built from remote records observed on the shared cell
//
// # Mutual Exclusion
//
// While the status is StatusRemoteControl every local intent is absorbed
// without a transition. A stray gesture that started before the remote
// owner took over is dropped, never queued.
//
// # No-op Results
//
// When an action does not apply, Reduce returns its input unchanged. State
// is comparable, so callers detect no-ops with == and skip re-rendering
// and re-publishing. Publishing is a network write.
//
// # Idle Variants
//
// Both StatusIdleLocal and StatusIdleRemote admit local acquisition. The
// distinction only records which side released last; see Status.IsIdle.
package ownership
