// Package sqlitecell provides a durable cell.Cell backed by a local SQLite
// file.
//
// Several processes on one machine can share the same file: every write bumps
// a per-key version and each subscription polls that version. Writes made by
// the same Store wake its own subscriptions immediately.
//
// # Tables
//
//   - cells: the current record of each key plus its version
//   - cell_writes: append-only history of every write, ordered by version
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package sqlitecell
