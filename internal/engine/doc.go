// Package engine implements the sync engine that bridges the pure ownership
// reducer to the replicated cell and to wall-clock time.
//
// The engine owns three things:
//   - The subscription to the cell's change notifications
//   - Publication of local ownership changes back to the cell
//   - The stale-owner timer that reclaims a silent remote owner's lock
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Every reducer call, notification and timer fire is processed by one
// goroutine (Run). Callers submit work through an unbounded FIFO queue:
//   - Dispatch() enqueues a local intent and waits for its result
//   - Cell notifications enqueue the raw record payload
//   - Timer fires enqueue an epoch-tagged reclaim event
//
// Nothing else mutates the ownership state, so no locking is needed around
// the reducer and local intents are never reordered.
//
// Self-Echo Filter:
// The cell re-delivers a writer's own writes. A notification whose owner is
// this client's identity is dropped; the local state already reflects it.
// Dropping it does not touch the stale-owner timer: when a foreign write
// lands just before this client's own echo, the timer armed for the foreign
// owner is what lets the losing client recover.
//
// Stale-Owner Timer:
// Each notification other than a self-echo cancels the pending timer. A notification naming a
// remote owner arms a new one for the grace period (DefaultGracePeriod).
// If it fires, the state reverts to idle_remote locally; nothing is written.
// Timers carry the epoch they were armed in and the loop discards a fire
// from an older epoch, so a cancel racing a fire never applies.
//
// Publication:
// A local intent that changes the state to local_control or idle_local is
// written to the cell immediately, one write per change. A SetPosition while
// owning is always written, even when it leaves the position unchanged. A
// failed write is returned to the caller and not retried; the optimistic
// local state is kept until the next notification corrects it.
package engine
