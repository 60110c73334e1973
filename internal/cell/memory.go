package cell

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/dotlock/internal/clock"
	"github.com/roach88/dotlock/internal/identity"
)

// MemoryCell is an in-process Cell.
//
// Writes and their fan-out are serialized under one mutex, so every
// subscriber observes writes in the order they were applied. Callbacks run
// while that mutex is held: they must not call back into the cell.
type MemoryCell struct {
	mu     sync.Mutex
	clock  clock.Clock
	record Record
	subs   map[uint64]func(Payload)
	nextID uint64
	closed bool
}

// MemoryOption configures a MemoryCell.
type MemoryOption func(*MemoryCell)

// WithClock sets the clock used to fill ServerTimestamp placeholders.
func WithClock(c clock.Clock) MemoryOption {
	return func(m *MemoryCell) {
		m.clock = c
	}
}

// WithRecord seeds the cell with an initial record.
func WithRecord(r Record) MemoryOption {
	return func(m *MemoryCell) {
		m.record = r
	}
}

// NewMemoryCell creates an empty in-process cell.
func NewMemoryCell(opts ...MemoryOption) *MemoryCell {
	m := &MemoryCell{
		clock: clock.System{},
		subs:  make(map[uint64]func(Payload)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Read returns the current record.
func (m *MemoryCell) Read(ctx context.Context) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Record{}, ErrClosed
	}
	return m.record, nil
}

// Write overwrites the record and notifies every subscriber, the writer
// included.
func (m *MemoryCell) Write(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	r.OwnerID = identity.Normalize(r.OwnerID)
	if r.Timestamp == ServerTimestamp {
		r.Timestamp = TimestampOf(m.clock.Now())
	}

	payload, err := Encode(r)
	if err != nil {
		return fmt.Errorf("memory cell write: %w", err)
	}
	m.record = r

	// Deliver in subscription order for deterministic fan-out.
	ids := make([]uint64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		m.subs[id](payload)
	}

	return nil
}

// Subscribe registers onChange and delivers the current record to it
// before returning.
func (m *MemoryCell) Subscribe(ctx context.Context, onChange func(Payload)) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	payload, err := Encode(m.record)
	if err != nil {
		return nil, fmt.Errorf("memory cell subscribe: %w", err)
	}

	m.nextID++
	id := m.nextID
	m.subs[id] = onChange
	onChange(payload)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
		})
	}, nil
}

// Now reports the cell clock.
func (m *MemoryCell) Now() Timestamp {
	return TimestampOf(m.clock.Now())
}

// Subscribers returns the number of active subscriptions.
func (m *MemoryCell) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close drops all subscriptions and rejects further operations.
func (m *MemoryCell) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.subs = make(map[uint64]func(Payload))
	return nil
}
