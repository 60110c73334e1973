package sqlitecell

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/dotlock/internal/cell"
	"github.com/roach88/dotlock/internal/identity"
)

// Cell is one keyed record in a Store.
type Cell struct {
	store *Store
	key   string
}

var _ cell.Cell = (*Cell)(nil)

// Cell returns the cell stored under key. The row is created on first write.
func (s *Store) Cell(key string) *Cell {
	return &Cell{store: s, key: key}
}

// Key returns the key this cell is stored under.
func (c *Cell) Key() string {
	return c.key
}

// Read returns the current record, or the zero Record if the key was never
// written.
func (c *Cell) Read(ctx context.Context) (cell.Record, error) {
	rec, _, err := c.load(ctx)
	return rec, err
}

// Write replaces the current record and appends it to the history in one
// transaction.
func (c *Cell) Write(ctx context.Context, r cell.Record) error {
	if c.store.isClosed() {
		return cell.ErrClosed
	}

	r.OwnerID = identity.Normalize(r.OwnerID)
	if r.Timestamp == cell.ServerTimestamp {
		r.Timestamp = cell.TimestampOf(c.store.clock.Now())
	}

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write cell %q: begin tx: %w", c.key, err)
	}
	defer tx.Rollback() // No-op if committed

	var version int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM cells WHERE key = ?`, c.key).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("write cell %q: read version: %w", c.key, err)
	}
	version++

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cells (key, owner_id, x, y, timestamp, version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			owner_id = excluded.owner_id,
			x = excluded.x,
			y = excluded.y,
			timestamp = excluded.timestamp,
			version = excluded.version
	`,
		c.key,
		r.OwnerID,
		r.Position.X,
		r.Position.Y,
		int64(r.Timestamp),
		version,
	)
	if err != nil {
		return fmt.Errorf("write cell %q: %w", c.key, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cell_writes (key, version, owner_id, x, y, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		c.key,
		version,
		r.OwnerID,
		r.Position.X,
		r.Position.Y,
		int64(r.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("write cell %q: append history: %w", c.key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write cell %q: commit: %w", c.key, err)
	}

	c.store.wake(c.key)
	return nil
}

// Subscribe delivers the current record before returning, then every newer
// version observed by polling. Versions written between two polls are
// replayed from the write history in version order.
//
// The returned Unsubscribe waits for an in-flight callback to finish and
// must not be called from inside onChange.
func (c *Cell) Subscribe(ctx context.Context, onChange func(cell.Payload)) (cell.Unsubscribe, error) {
	rec, version, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := cell.Encode(rec)
	if err != nil {
		return nil, fmt.Errorf("subscribe cell %q: %w", c.key, err)
	}

	sub := &subscription{
		cell:     c,
		onChange: onChange,
		last:     version,
		wakeCh:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	id, err := c.store.register(sub)
	if err != nil {
		return nil, err
	}

	onChange(payload)
	go sub.run(ctx)

	return func() {
		sub.stop()
		c.store.unregister(id)
	}, nil
}

// Now reports the store clock.
func (c *Cell) Now() cell.Timestamp {
	return cell.TimestampOf(c.store.clock.Now())
}

// load returns the current record and its version. A missing row is the
// zero record at version 0.
func (c *Cell) load(ctx context.Context) (cell.Record, int64, error) {
	if c.store.isClosed() {
		return cell.Record{}, 0, cell.ErrClosed
	}

	var (
		rec     cell.Record
		ts      int64
		version int64
	)
	err := c.store.db.QueryRowContext(ctx, `
		SELECT owner_id, x, y, timestamp, version
		FROM cells
		WHERE key = ?
	`, c.key).Scan(&rec.OwnerID, &rec.Position.X, &rec.Position.Y, &ts, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return cell.Record{}, 0, nil
	}
	if err != nil {
		return cell.Record{}, 0, fmt.Errorf("read cell %q: %w", c.key, err)
	}

	rec.Timestamp = cell.Timestamp(ts)
	rec.Position = rec.Position.Clamped()
	return rec, version, nil
}

// subscription polls one cell on its own goroutine.
type subscription struct {
	cell     *Cell
	onChange func(cell.Payload)
	last     int64

	wakeCh   chan struct{}
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

func (s *subscription) key() string {
	return s.cell.key
}

// kick requests an immediate poll without blocking.
func (s *subscription) kick() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.exited
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.exited)

	ticker := s.cell.store.newTicker()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		case <-s.wakeCh:
		}

		if err := s.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.cell.store.logger.Warn("sqlite cell poll failed",
				"key", s.key(),
				"error", err,
			)
		}
	}
}

func (s *subscription) poll(ctx context.Context) error {
	if s.cell.store.isClosed() {
		return cell.ErrClosed
	}
	entries, err := s.cell.store.writesSince(ctx, s.key(), s.last)
	if err != nil {
		return err
	}

	for _, e := range entries {
		rec := e.Record
		rec.Position = rec.Position.Clamped()
		payload, err := cell.Encode(rec)
		if err != nil {
			return err
		}

		select {
		case <-s.done:
			return nil
		default:
		}
		s.last = e.Version
		s.onChange(payload)
	}
	return nil
}
