// Package cell defines the replicated ownership cell: the single shared key
// holding the current owner and position, and the contract every backend
// implements.
//
// A cell is a dumb last-writer-wins register with change notification:
//   - Read returns a point-in-time snapshot
//   - Write fully overwrites the record (no merge) and may fail
//   - Subscribe delivers the current record immediately, then every later
//     write from any client, including the subscriber's own
//   - Now reports the store's clock, used only for informational ordering
//
// Notifications carry the encoded record (Payload). Subscribers decode with
// Decode so that malformed records are handled in one place.
//
// Backends live in subpackages (sqlitecell, rediscell, pgcell) and in
// internal/relay (websocket client). MemoryCell is the in-process backend
// used by tests and the scenario harness.
package cell
