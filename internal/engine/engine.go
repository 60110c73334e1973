package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/dotlock/internal/cell"
	"github.com/roach88/dotlock/internal/clock"
	"github.com/roach88/dotlock/internal/identity"
	"github.com/roach88/dotlock/internal/ownership"
)

// Transition describes one state change, delivered to Watch listeners.
type Transition struct {
	// Seq orders transitions within one engine.
	Seq int64
	// Cause names the action that produced the change, or "stale_owner"
	// for a timer reclaim.
	Cause string
	From  ownership.State
	To    ownership.State
}

// CauseStaleOwner is the Transition.Cause of a stale-owner reclaim.
const CauseStaleOwner = "stale_owner"

// Engine is the single-writer sync engine for one client.
//
// Thread-safety model:
//   - Dispatch(), State(), Current(), Watch(), Stop(): safe from any goroutine
//   - Run(): must be called exactly once
//
// INVARIANTS:
//   - state is only read and written by the Run goroutine
//   - at most one stale-owner timer is armed at a time
//   - a timer fire applies only if its epoch is still current
type Engine struct {
	cell      cell.Cell
	self      string
	grace     time.Duration
	scheduler clock.Scheduler
	logger    *slog.Logger
	clock     *Clock
	queue     *eventQueue
	running   atomic.Bool
	ready     chan struct{}

	// Loop-owned.
	state      ownership.State
	staleTimer clock.Timer
	staleEpoch uint64

	// current mirrors state for readers outside the loop.
	currentMu sync.RWMutex
	current   ownership.State

	listenersMu sync.Mutex
	listeners   map[uint64]func(Transition)
	nextID      uint64
}

// New creates an Engine for the client identified by self, backed by c.
//
// self is normalized with identity.Normalize and must not be empty: the
// empty owner id means "unowned" on the wire.
func New(c cell.Cell, self string, opts ...Option) (*Engine, error) {
	if c == nil {
		return nil, fmt.Errorf("engine: cell is required")
	}
	self = identity.Normalize(self)
	if self == "" {
		return nil, fmt.Errorf("engine: client identity is required")
	}

	e := &Engine{
		cell:      c,
		self:      self,
		grace:     DefaultGracePeriod,
		scheduler: clock.System{},
		logger:    slog.Default(),
		clock:     NewClock(),
		queue:     newEventQueue(),
		ready:     make(chan struct{}),
		state:     ownership.Initial(),
		current:   ownership.Initial(),
		listeners: make(map[uint64]func(Transition)),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Identity returns the client identity this engine writes as owner.
func (e *Engine) Identity() string {
	return e.self
}

// GracePeriod returns the stale-owner timeout.
func (e *Engine) GracePeriod() time.Duration {
	return e.grace
}

// Run subscribes to the cell and processes events until ctx is cancelled
// or Stop is called.
//
// Whatever the exit path, Run unsubscribes from the cell and cancels the
// stale-owner timer before returning. Intents still queued at exit fail
// with ErrStopped.
//
// ERROR HANDLING: A failing event is logged with its context and the loop
// continues. Only a failed subscribe ends Run with an error.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine: Run called more than once")
	}

	e.logger.Info("engine starting",
		"client", e.self,
		"grace_period", e.grace,
	)

	unsubscribe, err := e.cell.Subscribe(ctx, e.onChange)
	if err != nil {
		e.failPending()
		return newTransportError(e.self, "subscribe", err)
	}

	defer func() {
		unsubscribe()
		e.cancelStaleTimer()
		e.failPending()
	}()
	close(e.ready)

	for {
		ev, ok := e.queue.TryDequeue()
		if ok {
			if err := e.processEvent(ctx, ev); err != nil {
				logEventError(e.logger, e.self, ev, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled", "client", e.self)
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel is closed by Stop; drain before exiting.
			if e.queue.Closed() && e.queue.Len() == 0 {
				e.logger.Info("engine stopping: stopped", "client", e.self)
				return nil
			}
		}
	}
}

// Ready is closed once Run has subscribed to the cell. The current record
// is already queued by then, so a State call made after Ready observes it.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Stop ends Run after the events already queued have been processed.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Dispatch applies a local intent and returns the resulting state.
//
// If the intent changes the state to local_control or idle_local, the new
// record is written to the cell before Dispatch returns. A failed write is
// returned as a transport error; the local state keeps the optimistic
// result.
//
// SetState is reserved for records observed on the cell and is rejected.
func (e *Engine) Dispatch(ctx context.Context, action ownership.Action) (ownership.State, error) {
	if action == nil || !ownership.IsLocal(action) {
		return ownership.State{}, &SyncError{
			Code:    ErrCodeInvalidIntent,
			Message: "only local intents may be dispatched",
			Client:  e.self,
		}
	}
	if sp, ok := action.(ownership.SetPosition); ok && !sp.Position.Valid() {
		return ownership.State{}, &SyncError{
			Code:    ErrCodeInvalidIntent,
			Message: fmt.Sprintf("position %s outside [0,100]", sp.Position),
			Client:  e.self,
		}
	}

	return e.roundTrip(ctx, event{Type: eventIntent, Action: action})
}

// BeginControl dispatches ownership.BeginControl.
func (e *Engine) BeginControl(ctx context.Context) (ownership.State, error) {
	return e.Dispatch(ctx, ownership.BeginControl{})
}

// SetPosition dispatches ownership.SetPosition. x and y must already be
// clamped to [0, 100].
func (e *Engine) SetPosition(ctx context.Context, x, y float64) (ownership.State, error) {
	return e.Dispatch(ctx, ownership.SetPosition{Position: ownership.Position{X: x, Y: y}})
}

// EndControl dispatches ownership.EndControl.
func (e *Engine) EndControl(ctx context.Context) (ownership.State, error) {
	return e.Dispatch(ctx, ownership.EndControl{})
}

// State returns the current state after every event queued before the call
// has been processed.
func (e *Engine) State(ctx context.Context) (ownership.State, error) {
	return e.roundTrip(ctx, event{Type: eventQuery})
}

// Current returns the most recently applied state without waiting for the
// loop.
func (e *Engine) Current() ownership.State {
	e.currentMu.RLock()
	defer e.currentMu.RUnlock()
	return e.current
}

// Watch registers fn to be called on every actual state change. No-op
// reductions do not call it. fn runs on the Run goroutine and must not call
// Dispatch or State.
//
// Returns a function that unregisters fn.
func (e *Engine) Watch(fn func(Transition)) func() {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()

	e.nextID++
	id := e.nextID
	e.listeners[id] = fn

	return func() {
		e.listenersMu.Lock()
		defer e.listenersMu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *Engine) roundTrip(ctx context.Context, ev event) (ownership.State, error) {
	reply := make(chan result, 1)
	ev.Reply = reply
	if !e.queue.Enqueue(ev) {
		return ownership.State{}, ErrStopped
	}

	select {
	case r := <-reply:
		return r.State, r.Err
	case <-ctx.Done():
		return ownership.State{}, ctx.Err()
	}
}

// onChange is the cell subscription callback. It must not block.
func (e *Engine) onChange(p cell.Payload) {
	if !e.queue.Enqueue(event{Type: eventNotification, Payload: p}) {
		e.logger.Debug("notification dropped: engine stopped", "client", e.self)
	}
}

// processEvent routes an event to the appropriate handler.
// CRITICAL: Called only from the Run goroutine.
func (e *Engine) processEvent(ctx context.Context, ev event) error {
	switch ev.Type {
	case eventNotification:
		e.handleNotification(ev.Payload)
		return nil

	case eventIntent:
		r := e.handleIntent(ctx, ev.Action)
		ev.Reply <- r
		return r.Err

	case eventStaleOwner:
		e.handleStaleOwner(ev)
		return nil

	case eventQuery:
		ev.Reply <- result{State: e.state}
		return nil

	default:
		return fmt.Errorf("unknown event type: %d", ev.Type)
	}
}

// handleNotification applies a record observed on the cell.
func (e *Engine) handleNotification(p cell.Payload) {
	rec, err := cell.Decode(p)
	if err != nil {
		e.logger.Warn("malformed record, treating as unowned",
			"client", e.self,
			"code", ErrCodeMalformedRecord,
			"error", err,
		)
		// Keep the last known good position.
		rec = cell.Record{Position: e.state.Position}
	}

	// A self-echo leaves any pending timer armed.
	if rec.OwnerID == e.self {
		e.logger.Debug("self-echo ignored",
			"client", e.self,
			"position", rec.Position,
			"timestamp", rec.Timestamp,
		)
		return
	}

	// Timer reset semantics: every other notification cancels the pending timer.
	e.cancelStaleTimer()

	status := ownership.StatusIdleRemote
	if rec.Owned() {
		status = ownership.StatusRemoteControl
		e.armStaleTimer(rec.OwnerID, rec.Position)
	}

	action := ownership.SetState{State: ownership.State{Status: status, Position: rec.Position}}
	e.apply(action.Name(), ownership.Reduce(e.state, action))
}

// handleIntent runs a local intent through the reducer and publishes the
// result when this client owns or has just released the lock. Every
// SetPosition while owning is published, even one that does not move the
// dot; it changes nothing locally, so watchers are not notified.
func (e *Engine) handleIntent(ctx context.Context, action ownership.Action) result {
	prev := e.state
	next := ownership.Reduce(prev, action)
	if next == prev {
		if _, ok := action.(ownership.SetPosition); ok && prev.Status == ownership.StatusLocalControl {
			if err := e.publish(ctx, prev); err != nil {
				return result{State: prev, Err: err}
			}
			return result{State: prev}
		}
		e.logger.Debug("intent absorbed",
			"client", e.self,
			"action", action.Name(),
			"status", prev.Status,
		)
		return result{State: prev}
	}

	e.apply(action.Name(), next)

	if err := e.publish(ctx, next); err != nil {
		return result{State: next, Err: err}
	}
	return result{State: next}
}

// handleStaleOwner reverts to idle when the remote owner went silent.
func (e *Engine) handleStaleOwner(ev event) {
	if e.staleTimer == nil || ev.Epoch != e.staleEpoch {
		e.logger.Debug("stale-owner timer fire discarded",
			"client", e.self,
			"epoch", ev.Epoch,
			"current_epoch", e.staleEpoch,
		)
		return
	}
	e.staleTimer = nil

	e.logger.Info("remote owner presumed gone",
		"client", e.self,
		"grace_period", e.grace,
		"position", ev.Position,
	)

	next := ownership.Reduce(e.state, ownership.SetState{
		State: ownership.State{Status: ownership.StatusIdleRemote, Position: ev.Position},
	})
	e.apply(CauseStaleOwner, next)
}

// publish writes the owning or released state to the cell.
func (e *Engine) publish(ctx context.Context, s ownership.State) error {
	var owner string
	switch s.Status {
	case ownership.StatusLocalControl:
		owner = e.self
	case ownership.StatusIdleLocal:
		owner = ""
	default:
		return nil
	}

	rec := cell.Record{
		OwnerID:   owner,
		Position:  s.Position,
		Timestamp: cell.ServerTimestamp,
	}
	if err := e.cell.Write(ctx, rec); err != nil {
		return newTransportError(e.self, "publish", err)
	}

	e.logger.Debug("record published",
		"client", e.self,
		"owner", owner,
		"position", s.Position,
	)
	return nil
}

// apply installs next as the current state and notifies listeners if it
// differs from the previous one.
func (e *Engine) apply(cause string, next ownership.State) {
	prev := e.state
	if next == prev {
		return
	}
	e.state = next

	e.currentMu.Lock()
	e.current = next
	e.currentMu.Unlock()

	tr := Transition{
		Seq:   e.clock.Next(),
		Cause: cause,
		From:  prev,
		To:    next,
	}

	e.logger.Debug("state changed",
		"client", e.self,
		"seq", tr.Seq,
		"cause", cause,
		"from", prev.Status,
		"to", next.Status,
		"position", next.Position,
	)

	for _, fn := range e.snapshotListeners() {
		fn(tr)
	}
}

func (e *Engine) snapshotListeners() []func(Transition) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()

	ids := make([]uint64, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fns := make([]func(Transition), len(ids))
	for i, id := range ids {
		fns[i] = e.listeners[id]
	}
	return fns
}

// armStaleTimer starts a new stale-owner timer in a fresh epoch.
func (e *Engine) armStaleTimer(owner string, pos ownership.Position) {
	e.staleEpoch++
	epoch := e.staleEpoch
	e.staleTimer = e.scheduler.AfterFunc(e.grace, func() {
		e.queue.Enqueue(event{Type: eventStaleOwner, Epoch: epoch, Position: pos})
	})

	e.logger.Debug("stale-owner timer armed",
		"client", e.self,
		"owner", owner,
		"epoch", epoch,
	)
}

// cancelStaleTimer stops the pending timer, if any, and moves to a new
// epoch so a fire already in the queue is discarded.
func (e *Engine) cancelStaleTimer() {
	e.staleEpoch++
	if e.staleTimer != nil {
		e.staleTimer.Stop()
		e.staleTimer = nil
	}
}

// failPending answers every queued intent or query with ErrStopped.
func (e *Engine) failPending() {
	for _, ev := range e.queue.Drain() {
		if ev.Reply != nil {
			ev.Reply <- result{State: e.state, Err: ErrStopped}
		}
	}
}

// logEventError logs an event processing failure with full context.
func logEventError(logger *slog.Logger, client string, ev event, err error) {
	attrs := []any{
		"error", err,
		"client", client,
		"event_type", ev.Type.String(),
	}
	if ev.Action != nil {
		attrs = append(attrs, "action", ev.Action.Name())
	}

	var se *SyncError
	if errors.As(err, &se) && se.Code == ErrCodeTransport {
		// Expected under network loss; the next notification reconciles.
		logger.Warn("event processing failed", attrs...)
		return
	}
	logger.Error("event processing failed", attrs...)
}
