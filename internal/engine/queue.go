package engine

import (
	"sync"

	"github.com/roach88/dotlock/internal/cell"
	"github.com/roach88/dotlock/internal/ownership"
)

// eventType distinguishes between event kinds.
type eventType int

const (
	// eventNotification carries a record payload from the cell subscription.
	eventNotification eventType = iota + 1
	// eventIntent carries a local intent from Dispatch.
	eventIntent
	// eventStaleOwner is a stale-owner timer fire.
	eventStaleOwner
	// eventQuery asks the loop for the current state.
	eventQuery
)

func (t eventType) String() string {
	switch t {
	case eventNotification:
		return "notification"
	case eventIntent:
		return "intent"
	case eventStaleOwner:
		return "stale_owner"
	case eventQuery:
		return "query"
	}
	return "unknown"
}

// event is a unit of work for the Run loop.
type event struct {
	Type eventType

	// Payload is set for eventNotification.
	Payload cell.Payload

	// Action is set for eventIntent.
	Action ownership.Action

	// Epoch and Position are set for eventStaleOwner.
	Epoch    uint64
	Position ownership.Position

	// Reply receives the outcome of eventIntent and eventQuery.
	Reply chan<- result
}

// result is the outcome of an intent or query.
type result struct {
	State ownership.State
	Err   error
}

// eventQueue is a thread-safe FIFO queue for events.
//
// The queue is unbounded so that cell callbacks and timer callbacks never
// block: they run on foreign goroutines (or, for MemoryCell, while the cell
// holds its fan-out lock) and must return immediately.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{} // Signals event availability (buffered, size 1)
}

// newEventQueue creates an empty event queue.
func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (event{}, false) if queue is empty.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return event{}, false
	}

	e := q.events[0]

	// Clear the slot so the backing array does not retain payloads.
	q.events[0] = event{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// The channel is closed when the queue is closed.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// Closed reports whether Close has been called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drain closes the queue and removes every pending event.
func (q *eventQueue) Drain() []event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.signal)
	}
	pending := q.events
	q.events = nil
	return pending
}
