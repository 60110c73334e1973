// Package identity generates the per-process client identity that marks
// which client owns the shared position.
//
// The identity is generated once at startup and injected into the engine.
// It is never a package-level singleton, so one process can host several
// simulated clients.
package identity

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Generator produces client identities.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identities.
//
// Sortable identities make it easy to tell which client joined first when
// reading logs from several processes.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// New returns a fresh identity from the default generator.
func New() string {
	return UUIDv7Generator{}.Generate()
}

// FixedGenerator returns predetermined identities for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
//
// Example:
//
//	gen := NewFixedGenerator("alice", "bob")
//	gen.Generate() // "alice"
//	gen.Generate() // "bob"
//	gen.Generate() // panic: all identities exhausted
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined identity.
//
// Panics if all identities have been consumed, to catch a test that
// creates more clients than it declared.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all identities exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// Normalize returns the canonical form of an owner identity: surrounding
// whitespace trimmed and NFC normalized. Two clients whose identities differ
// only in Unicode composition are the same owner.
func Normalize(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}
