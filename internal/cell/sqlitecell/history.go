package sqlitecell

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/dotlock/internal/cell"
)

// Entry is one historical write of a cell.
type Entry struct {
	Version int64
	Record  cell.Record
}

// History returns the most recent writes of key, oldest first. A limit of
// zero or less returns every write.
func (s *Store) History(ctx context.Context, key string, limit int) ([]Entry, error) {
	if s.isClosed() {
		return nil, cell.ErrClosed
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT version, owner_id, x, y, timestamp FROM (
			SELECT version, owner_id, x, y, timestamp
			FROM cell_writes
			WHERE key = ?
			ORDER BY version DESC
			LIMIT ?
		)
		ORDER BY version ASC
	`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("history %q: %w", key, err)
	}
	defer rows.Close()

	return scanEntries(key, rows)
}

// writesSince returns the writes of key newer than version, oldest first.
func (s *Store) writesSince(ctx context.Context, key string, version int64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, owner_id, x, y, timestamp
		FROM cell_writes
		WHERE key = ? AND version > ?
		ORDER BY version ASC
	`, key, version)
	if err != nil {
		return nil, fmt.Errorf("writes since %q@%d: %w", key, version, err)
	}
	defer rows.Close()

	return scanEntries(key, rows)
}

func scanEntries(key string, rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e  Entry
			ts int64
		)
		if err := rows.Scan(&e.Version, &e.Record.OwnerID, &e.Record.Position.X, &e.Record.Position.Y, &ts); err != nil {
			return nil, fmt.Errorf("history %q: scan: %w", key, err)
		}
		e.Record.Timestamp = cell.Timestamp(ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history %q: %w", key, err)
	}

	return entries, nil
}

// Keys returns every key that has been written, in lexical order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if s.isClosed() {
		return nil, cell.ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key FROM cells ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("keys: scan: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
