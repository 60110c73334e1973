package cell

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed cell.
var ErrClosed = errors.New("cell closed")

// Unsubscribe cancels a subscription. It is safe to call more than once.
type Unsubscribe func()

// Cell is the replicated ownership cell.
type Cell interface {
	// Read returns the current record. A cell that was never written
	// returns the zero Record.
	Read(ctx context.Context) (Record, error)

	// Write overwrites the record. A ServerTimestamp placeholder is
	// replaced with the store's clock.
	Write(ctx context.Context, r Record) error

	// Subscribe registers onChange for every change. The current record is
	// delivered immediately. Callbacks must not block.
	Subscribe(ctx context.Context, onChange func(Payload)) (Unsubscribe, error)

	// Now reports the store's current time.
	Now() Timestamp
}
