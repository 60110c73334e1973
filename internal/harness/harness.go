package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/dotlock/internal/cell"
	"github.com/roach88/dotlock/internal/engine"
	"github.com/roach88/dotlock/internal/identity"
	"github.com/roach88/dotlock/internal/ownership"
	"github.com/roach88/dotlock/internal/testutil"
)

// settleTimeout bounds how long one step may take to drain.
const settleTimeout = 5 * time.Second

// Harness is the scenario execution engine.
// It runs every client on a shared memory cell and a manual clock.
type Harness struct {
	cell    *cell.MemoryCell
	clock   *testutil.ManualClock
	clients []*client
	byName  map[string]*client
	logger  *slog.Logger
	result  *Result
	step    int
}

// client is one scenario participant.
type client struct {
	name    string
	engine  *engine.Engine
	cancel  context.CancelFunc
	done    chan error
	dropped bool

	mu      sync.Mutex
	pending []TraceEvent
}

func (c *client) record(e TraceEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.Client = c.name
	c.pending = append(c.pending, e)
}

func (c *client) take() []TraceEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// recordingCell attributes every successful write to its client.
type recordingCell struct {
	cell.Cell
	client *client
}

func (r *recordingCell) Write(ctx context.Context, rec cell.Record) error {
	if err := r.Cell.Write(ctx, rec); err != nil {
		return err
	}
	r.client.record(TraceEvent{
		Kind:     KindPublish,
		Owner:    identity.Normalize(rec.OwnerID),
		Position: rec.Position,
	})
	return nil
}

// Option configures a scenario run.
type Option func(*Harness)

// WithLogger routes engine logs to l. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs on a fresh cell and clock for isolation.
//
// Execution flow:
// 1. Seed the cell and start every client
// 2. Settle and record the startup transitions as step 0
// 3. Execute each step, settle, record, check its expect block
// 4. Evaluate assertions against the trace and final states
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	grace, err := scenario.gracePeriod()
	if err != nil {
		return nil, fmt.Errorf("grace period: %w", err)
	}

	clk := testutil.NewManualClock()
	cellOpts := []cell.MemoryOption{cell.WithClock(clk)}
	if seed := scenario.Initial; seed != nil {
		cellOpts = append(cellOpts, cell.WithRecord(cell.Record{
			OwnerID:   identity.Normalize(seed.Owner),
			Position:  seed.Position.Position(),
			Timestamp: cell.TimestampOf(clk.Now()),
		}))
	}

	h := &Harness{
		cell:   cell.NewMemoryCell(cellOpts...),
		clock:  clk,
		byName: make(map[string]*client),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		result: NewResult(),
	}
	for _, opt := range opts {
		opt(h)
	}
	defer h.stopAll()

	for _, name := range scenario.Clients {
		if err := h.start(name, grace); err != nil {
			return nil, fmt.Errorf("start client %s: %w", name, err)
		}
	}

	ctx := context.Background()
	if err := h.settle(ctx); err != nil {
		return nil, fmt.Errorf("startup: %w", err)
	}

	for i, step := range scenario.Steps {
		h.step = i + 1
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", h.step, err)
		}
		if err := h.settle(ctx); err != nil {
			return nil, fmt.Errorf("step %d: %w", h.step, err)
		}
		h.checkExpect(scenario.Clients, step.Expect)
	}

	for _, c := range h.clients {
		h.result.Final[c.name] = c.engine.Current()
	}

	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions) {
		h.result.AddError(msg)
	}

	return h.result, nil
}

// start creates and runs the engine of one client.
func (h *Harness) start(name string, grace time.Duration) error {
	c := &client{name: name, done: make(chan error, 1)}

	opts := []engine.Option{
		engine.WithScheduler(h.clock),
		engine.WithLogger(h.logger),
	}
	if grace > 0 {
		opts = append(opts, engine.WithGracePeriod(grace))
	}

	e, err := engine.New(&recordingCell{Cell: h.cell, client: c}, name, opts...)
	if err != nil {
		return err
	}
	e.Watch(func(tr engine.Transition) {
		c.record(TraceEvent{
			Kind:     KindTransition,
			Seq:      tr.Seq,
			Cause:    tr.Cause,
			From:     tr.From.Status,
			To:       tr.To.Status,
			Position: tr.To.Position,
		})
	})
	c.engine = e

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() { c.done <- e.Run(ctx) }()

	select {
	case <-e.Ready():
	case err := <-c.done:
		cancel()
		return err
	case <-time.After(settleTimeout):
		cancel()
		return fmt.Errorf("engine did not subscribe")
	}

	h.clients = append(h.clients, c)
	h.byName[name] = c
	return nil
}

// execute performs one step.
func (h *Harness) execute(ctx context.Context, step Step) error {
	if step.Advance != "" {
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		return nil
	}
	if step.Do == "" {
		return nil
	}

	c := h.byName[step.Client]
	if c.dropped {
		return fmt.Errorf("client %s was dropped", c.name)
	}

	var action ownership.Action
	switch step.Do {
	case DoBegin:
		action = ownership.BeginControl{}
	case DoMove:
		action = ownership.SetPosition{Position: step.Position.Position().Clamped()}
	case DoEnd:
		action = ownership.EndControl{}
	case DoDrop:
		h.drop(c)
		return nil
	default:
		return fmt.Errorf("unknown action %q", step.Do)
	}

	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	if _, err := c.engine.Dispatch(ctx, action); err != nil {
		return fmt.Errorf("%s %s: %w", c.name, step.Do, err)
	}
	return nil
}

// settle waits until every running client has drained its queue, then moves
// the pending events into the trace in client order.
func (h *Harness) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()

	owners := 0
	for _, c := range h.clients {
		if c.dropped {
			continue
		}
		s, err := c.engine.State(ctx)
		if err != nil {
			return fmt.Errorf("settle %s: %w", c.name, err)
		}
		if s.Status == ownership.StatusLocalControl {
			owners++
		}
	}
	if owners > h.result.MaxOwners {
		h.result.MaxOwners = owners
	}

	for _, c := range h.clients {
		for _, e := range c.take() {
			e.Step = h.step
			h.result.Trace = append(h.result.Trace, e)
		}
	}
	return nil
}

// checkExpect compares expected states against the settled engines.
func (h *Harness) checkExpect(order []string, expect map[string]StateExpect) {
	for _, name := range order {
		exp, ok := expect[name]
		if !ok {
			continue
		}
		got := h.byName[name].engine.Current()

		if string(got.Status) != exp.Status {
			h.result.AddError(fmt.Sprintf("step %d: %s: expected status %s, got %s", h.step, name, exp.Status, got))
			continue
		}
		if exp.Position != nil && got.Position != exp.Position.Position() {
			h.result.AddError(fmt.Sprintf("step %d: %s: expected position %s, got %s", h.step, name, exp.Position.Position(), got))
		}
	}
}

// drop stops a client without releasing the lock, as if its process died.
func (h *Harness) drop(c *client) {
	c.engine.Stop()
	<-c.done
	c.cancel()
	c.dropped = true
	h.logger.Info("client dropped", "client", c.name, "step", h.step)
}

func (h *Harness) stopAll() {
	for _, c := range h.clients {
		if c.dropped {
			continue
		}
		c.cancel()
		<-c.done
	}
}
