// Package rediscell implements cell.Cell on Redis.
//
// The record lives at key "dotlock:<name>" and every write is published on
// channel "dotlock:<name>:changes", writer included.
package rediscell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/dotlock/internal/cell"
	"github.com/roach88/dotlock/internal/clock"
	"github.com/roach88/dotlock/internal/identity"
)

const keyPrefix = "dotlock:"

// Cell is a named record in Redis.
type Cell struct {
	rdb    *redis.Client
	name   string
	owned  bool
	clock  clock.Clock
	logger *slog.Logger
}

var _ cell.Cell = (*Cell)(nil)

// Option configures a Cell.
type Option func(*Cell)

// WithClock sets the clock reported by Now.
func WithClock(c clock.Clock) Option {
	return func(rc *Cell) {
		rc.clock = c
	}
}

// WithLogger sets the logger for subscription failures.
func WithLogger(l *slog.Logger) Option {
	return func(rc *Cell) {
		rc.logger = l
	}
}

// New returns the cell called name on an existing client. Close does not
// close rdb.
func New(rdb *redis.Client, name string, opts ...Option) *Cell {
	c := &Cell{
		rdb:    rdb,
		name:   name,
		clock:  clock.System{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to the Redis server at addr and returns the cell called
// name. Close closes the connection.
func Dial(ctx context.Context, addr, name string, opts ...Option) (*Cell, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}

	c := New(rdb, name, opts...)
	c.owned = true
	return c, nil
}

// Key returns the Redis key holding the record.
func (c *Cell) Key() string {
	return keyPrefix + c.name
}

// Channel returns the pub/sub channel carrying change notifications.
func (c *Cell) Channel() string {
	return keyPrefix + c.name + ":changes"
}

// Read returns the current record, or the zero Record if the key is unset.
func (c *Cell) Read(ctx context.Context) (cell.Record, error) {
	p, err := c.current(ctx)
	if err != nil {
		return cell.Record{}, err
	}
	rec, err := cell.Decode(p)
	if err != nil {
		return cell.Record{}, fmt.Errorf("read %s: %w", c.Key(), err)
	}
	return rec, nil
}

// Write stores r and publishes it in one MULTI/EXEC. A ServerTimestamp
// placeholder is replaced with the Redis server TIME.
func (c *Cell) Write(ctx context.Context, r cell.Record) error {
	r.OwnerID = identity.Normalize(r.OwnerID)
	if r.Timestamp == cell.ServerTimestamp {
		now, err := c.rdb.Time(ctx).Result()
		if err != nil {
			return fmt.Errorf("write %s: server time: %w", c.Key(), err)
		}
		r.Timestamp = cell.TimestampOf(now)
	}

	payload, err := cell.Encode(r)
	if err != nil {
		return fmt.Errorf("write %s: %w", c.Key(), err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, c.Key(), []byte(payload), 0)
	pipe.Publish(ctx, c.Channel(), []byte(payload))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write %s: %w", c.Key(), err)
	}
	return nil
}

// Subscribe listens on the change channel. The subscription is confirmed
// before the current value is read, so no write can fall between the two.
func (c *Cell) Subscribe(ctx context.Context, onChange func(cell.Payload)) (cell.Unsubscribe, error) {
	pubsub := c.rdb.Subscribe(ctx, c.Channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.Channel(), err)
	}

	current, err := c.current(ctx)
	if err != nil {
		pubsub.Close()
		return nil, err
	}
	onChange(current)

	ch := pubsub.Channel()
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for msg := range ch {
			onChange(cell.Payload(msg.Payload))
		}
		c.logger.Debug("redis subscription ended", "channel", c.Channel())
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				c.logger.Warn("redis unsubscribe failed",
					"channel", c.Channel(),
					"error", err,
				)
			}
			<-exited
		})
	}, nil
}

// Now reports the local clock. Writes use the server clock instead.
func (c *Cell) Now() cell.Timestamp {
	return cell.TimestampOf(c.clock.Now())
}

// Close closes the client if the cell was created by Dial.
func (c *Cell) Close() error {
	if !c.owned {
		return nil
	}
	return c.rdb.Close()
}

// current returns the stored payload, or the encoded zero record.
func (c *Cell) current(ctx context.Context) (cell.Payload, error) {
	data, err := c.rdb.Get(ctx, c.Key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return cell.Encode(cell.Record{})
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.Key(), err)
	}
	return cell.Payload(data), nil
}
