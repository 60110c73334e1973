package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/dotlock/internal/cell"
	"github.com/roach88/dotlock/internal/ownership"
	"github.com/roach88/dotlock/internal/testutil"
)

const testTimeout = 2 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startEngine creates an engine for id on c and runs it until the test ends.
func startEngine(t *testing.T, c cell.Cell, id string, clk *testutil.ManualClock, opts ...Option) *Engine {
	t.Helper()

	base := []Option{WithScheduler(clk), WithLogger(discardLogger())}
	e, err := New(c, id, append(base, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	select {
	case <-e.Ready():
	case err := <-done:
		t.Fatalf("engine exited before subscribing: %v", err)
	case <-time.After(testTimeout):
		t.Fatal("engine did not subscribe")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(testTimeout):
			t.Error("engine did not stop")
		}
	})
	return e
}

// stateOf waits for every queued event to be processed and returns the state.
func stateOf(t *testing.T, e *Engine) ownership.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	s, err := e.State(ctx)
	require.NoError(t, err)
	return s
}

func dispatch(t *testing.T, e *Engine, a ownership.Action) ownership.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	s, err := e.Dispatch(ctx, a)
	require.NoError(t, err)
	return s
}

func readCell(t *testing.T, c cell.Cell) cell.Record {
	t.Helper()
	r, err := c.Read(context.Background())
	require.NoError(t, err)
	return r
}

// transitionLog collects transitions delivered to Watch.
type transitionLog struct {
	mu  sync.Mutex
	all []Transition
}

func watch(e *Engine) *transitionLog {
	l := &transitionLog{}
	e.Watch(func(tr Transition) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.all = append(l.all, tr)
	})
	return l
}

func (l *transitionLog) causes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.all))
	for i, tr := range l.all {
		out[i] = tr.Cause
	}
	return out
}

func (l *transitionLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.all)
}

// flakyCell wraps a MemoryCell and fails writes on demand.
type flakyCell struct {
	*cell.MemoryCell

	mu       sync.Mutex
	failNext bool
	writes   int
}

var errNetwork = errors.New("network unreachable")

func (f *flakyCell) Write(ctx context.Context, r cell.Record) error {
	f.mu.Lock()
	fail := f.failNext
	f.failNext = false
	f.writes++
	f.mu.Unlock()

	if fail {
		return errNetwork
	}
	return f.MemoryCell.Write(ctx, r)
}

func (f *flakyCell) failNextWrite() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = true
}

func (f *flakyCell) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// overtakingCell wraps a MemoryCell and, on the next write, first lands
// another client's record, as if that write reached the store just ahead.
type overtakingCell struct {
	*cell.MemoryCell

	mu    sync.Mutex
	ahead *cell.Record
}

func (o *overtakingCell) overtakeNextWrite(r cell.Record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ahead = &r
}

func (o *overtakingCell) Write(ctx context.Context, r cell.Record) error {
	o.mu.Lock()
	ahead := o.ahead
	o.ahead = nil
	o.mu.Unlock()

	if ahead != nil {
		if err := o.MemoryCell.Write(ctx, *ahead); err != nil {
			return err
		}
	}
	return o.MemoryCell.Write(ctx, r)
}

// rawCell lets a test push arbitrary payloads to subscribers.
type rawCell struct {
	mu      sync.Mutex
	initial cell.Payload
	subs    []func(cell.Payload)
	subErr  error
	unsubs  int
}

func (r *rawCell) Read(ctx context.Context) (cell.Record, error) {
	return cell.Record{}, nil
}

func (r *rawCell) Write(ctx context.Context, rec cell.Record) error {
	return nil
}

func (r *rawCell) Subscribe(ctx context.Context, fn func(cell.Payload)) (cell.Unsubscribe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subErr != nil {
		return nil, r.subErr
	}
	r.subs = append(r.subs, fn)
	if r.initial != nil {
		fn(r.initial)
	}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.unsubs++
		r.subs = nil
	}, nil
}

func (r *rawCell) Now() cell.Timestamp {
	return 0
}

func (r *rawCell) push(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fn := range r.subs {
		fn(cell.Payload(p))
	}
}

func (r *rawCell) unsubscribed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubs
}
