// Package pgcell implements cell.Cell on PostgreSQL.
//
// Records are kept as JSONB in table dotlock_cells. Every write runs
// pg_notify on channel "dotlock:<key>" inside the same transaction, so
// listeners are told only about committed writes.
package pgcell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/dotlock/internal/cell"
	"github.com/roach88/dotlock/internal/clock"
	"github.com/roach88/dotlock/internal/identity"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS dotlock_cells (
    key         TEXT PRIMARY KEY,
    record      JSONB NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// unlistenTimeout bounds the cleanup of a subscription connection.
const unlistenTimeout = 2 * time.Second

// Store is a PostgreSQL database holding keyed cells.
type Store struct {
	pool   *pgxpool.Pool
	owned  bool
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock reported by Cell.Now.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithLogger sets the logger for subscription failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Open connects to the database at url and creates the table if needed.
// Close closes the pool.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	s, err := New(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New uses an existing pool and creates the table if needed. Close does not
// close pool.
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		pool:   pool,
		clock:  clock.System{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the pool if the store was created by Open.
func (s *Store) Close() {
	if s.owned {
		s.pool.Close()
	}
}

// Cell returns the cell stored under key.
func (s *Store) Cell(key string) *Cell {
	return &Cell{store: s, key: key}
}

// Cell is one keyed record.
type Cell struct {
	store *Store
	key   string
}

var _ cell.Cell = (*Cell)(nil)

// Channel returns the notification channel of the cell.
func (c *Cell) Channel() string {
	return "dotlock:" + c.key
}

// Read returns the current record, or the zero Record if the key was never
// written.
func (c *Cell) Read(ctx context.Context) (cell.Record, error) {
	p, err := c.current(ctx, c.store.pool)
	if err != nil {
		return cell.Record{}, err
	}
	rec, err := cell.Decode(p)
	if err != nil {
		return cell.Record{}, fmt.Errorf("read cell %q: %w", c.key, err)
	}
	return rec, nil
}

// Write upserts r and notifies listeners in one transaction. A
// ServerTimestamp placeholder is replaced with the transaction's now().
func (c *Cell) Write(ctx context.Context, r cell.Record) error {
	tx, err := c.store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("write cell %q: begin tx: %w", c.key, err)
	}
	defer tx.Rollback(ctx) // No-op if committed

	r.OwnerID = identity.Normalize(r.OwnerID)
	if r.Timestamp == cell.ServerTimestamp {
		var now time.Time
		if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
			return fmt.Errorf("write cell %q: server time: %w", c.key, err)
		}
		r.Timestamp = cell.TimestampOf(now)
	}

	payload, err := cell.Encode(r)
	if err != nil {
		return fmt.Errorf("write cell %q: %w", c.key, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO dotlock_cells (key, record, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET
			record = EXCLUDED.record,
			updated_at = EXCLUDED.updated_at
	`, c.key, string(payload))
	if err != nil {
		return fmt.Errorf("write cell %q: %w", c.key, err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, c.Channel(), string(payload)); err != nil {
		return fmt.Errorf("write cell %q: notify: %w", c.key, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("write cell %q: commit: %w", c.key, err)
	}
	return nil
}

// Subscribe holds one pooled connection for the lifetime of the
// subscription. LISTEN is issued before the current record is read.
func (c *Cell) Subscribe(ctx context.Context, onChange func(cell.Payload)) (cell.Unsubscribe, error) {
	conn, err := c.store.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe cell %q: acquire: %w", c.key, err)
	}

	listen := "LISTEN " + pgx.Identifier{c.Channel()}.Sanitize()
	if _, err := conn.Exec(ctx, listen); err != nil {
		conn.Release()
		return nil, fmt.Errorf("subscribe cell %q: %w", c.key, err)
	}

	current, err := c.current(ctx, conn)
	if err != nil {
		c.release(conn)
		return nil, err
	}
	onChange(current)

	waitCtx, cancel := context.WithCancel(ctx)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			n, err := conn.Conn().WaitForNotification(waitCtx)
			if err != nil {
				if waitCtx.Err() == nil {
					c.store.logger.Warn("postgres listen failed",
						"channel", c.Channel(),
						"error", err,
					)
				}
				return
			}
			onChange(cell.Payload(n.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-exited
			c.release(conn)
		})
	}, nil
}

// Now reports the local clock. Writes use the server clock instead.
func (c *Cell) Now() cell.Timestamp {
	return cell.TimestampOf(c.store.clock.Now())
}

// release returns a listening connection to the pool after UNLISTEN. A
// connection broken by cancellation is destroyed by the pool instead.
func (c *Cell) release(conn *pgxpool.Conn) {
	if !conn.Conn().IsClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), unlistenTimeout)
		defer cancel()
		if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
			c.store.logger.Debug("unlisten failed", "channel", c.Channel(), "error", err)
		}
	}
	conn.Release()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// current returns the stored payload, or the encoded zero record.
func (c *Cell) current(ctx context.Context, q querier) (cell.Payload, error) {
	var record string
	err := q.QueryRow(ctx, `SELECT record::text FROM dotlock_cells WHERE key = $1`, c.key).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return cell.Encode(cell.Record{})
	}
	if err != nil {
		return nil, fmt.Errorf("read cell %q: %w", c.key, err)
	}
	return cell.Payload(record), nil
}
