package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/roach88/dotlock/internal/cell"
	"github.com/roach88/dotlock/internal/clock"
)

// ErrDisconnected is returned by Client.Write while the connection to the
// hub is down.
var ErrDisconnected = errors.New("relay: disconnected from hub")

// Client is a cell.Cell backed by a remote Hub.
//
// When the connection drops the client reconnects with exponential backoff.
// The hub resends the current record on every connection, so subscribers
// observe the latest state again after a reconnect.
type Client struct {
	url        string
	dialer     *websocket.Dialer
	clock      clock.Clock
	logger     *slog.Logger
	newBackOff func() backoff.BackOff

	writeMu sync.Mutex // serializes websocket writes

	mu        sync.Mutex
	conn      *websocket.Conn
	last      cell.Payload
	subs      map[uint64]func(cell.Payload)
	nextSubID uint64
	pending   map[uint64]chan error
	nextReqID uint64
	closed    bool

	cancel context.CancelFunc
	exited chan struct{}
}

var _ cell.Cell = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithClientClock sets the clock reported by Now.
func WithClientClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		c.clock = clk
	}
}

// WithBackOff sets the reconnect policy factory. A new policy is created for
// every outage.
func WithBackOff(fn func() backoff.BackOff) ClientOption {
	return func(c *Client) {
		c.newBackOff = fn
	}
}

// DefaultBackOff retries forever, from 100ms up to 5s between attempts.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Dial connects to the hub websocket at url (for example
// "ws://host:8081/ws") and waits for the current record.
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:        url,
		dialer:     websocket.DefaultDialer,
		clock:      clock.System{},
		logger:     slog.Default(),
		newBackOff: DefaultBackOff,
		subs:       make(map[uint64]func(cell.Payload)),
		pending:    make(map[uint64]chan error),
		exited:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	ws, first, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = ws
	c.last = first

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.loop(loopCtx, ws)

	return c, nil
}

// URL returns the hub websocket URL.
func (c *Client) URL() string {
	return c.url
}

// Connected reports whether the client currently holds a connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Read returns the latest record received from the hub.
func (c *Client) Read(ctx context.Context) (cell.Record, error) {
	c.mu.Lock()
	last, closed := c.last, c.closed
	c.mu.Unlock()

	if closed {
		return cell.Record{}, cell.ErrClosed
	}
	rec, err := cell.Decode(last)
	if err != nil {
		return cell.Record{}, fmt.Errorf("relay read: %w", err)
	}
	return rec, nil
}

// Write sends r to the hub and waits for it to be applied.
func (c *Client) Write(ctx context.Context, r cell.Record) error {
	payload, err := cell.Encode(r)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return cell.ErrClosed
	}
	ws := c.conn
	if ws == nil {
		c.mu.Unlock()
		return ErrDisconnected
	}
	c.nextReqID++
	id := c.nextReqID
	done := make(chan error, 1)
	c.pending[id] = done
	c.mu.Unlock()

	data, err := encodeFrame(frame{Type: frameWrite, ID: id, Record: rawRecord(payload)})
	if err == nil {
		err = c.send(ws, data)
	}
	if err != nil {
		c.forget(id)
		return fmt.Errorf("relay write: %w", err)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

// Subscribe registers onChange and delivers the latest record to it before
// returning.
func (c *Client) Subscribe(ctx context.Context, onChange func(cell.Payload)) (cell.Unsubscribe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, cell.ErrClosed
	}

	c.nextSubID++
	id := c.nextSubID
	c.subs[id] = onChange
	onChange(c.last)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
		})
	}, nil
}

// Now reports the local clock.
func (c *Client) Now() cell.Timestamp {
	return cell.TimestampOf(c.clock.Now())
}

// Close drops the connection and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.conn
	c.subs = make(map[uint64]func(cell.Payload))
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		c.writeMu.Lock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		ws.Close()
	}
	<-c.exited
	return nil
}

// connect dials the hub and reads the initial record frame.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, cell.Payload, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("relay dial %s: %w", c.url, err)
	}

	ws.SetReadDeadline(time.Now().Add(writeWait))
	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, nil, fmt.Errorf("relay dial %s: read current record: %w", c.url, err)
	}
	ws.SetReadDeadline(time.Time{})

	f, err := decodeFrame(data)
	if err != nil || f.Type != frameRecord {
		ws.Close()
		return nil, nil, fmt.Errorf("relay dial %s: expected record frame", c.url)
	}
	return ws, cell.Payload(f.Record), nil
}

// loop reads from the current connection and reconnects when it drops.
func (c *Client) loop(ctx context.Context, ws *websocket.Conn) {
	defer close(c.exited)

	for {
		err := c.readLoop(ws)
		c.disconnected(ws)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("relay connection lost, reconnecting", "url", c.url, "error", err)

		var first cell.Payload
		op := func() error {
			var err error
			ws, first, err = c.connect(ctx)
			return err
		}
		notify := func(err error, wait time.Duration) {
			c.logger.Debug("relay reconnect failed", "url", c.url, "retry_in", wait, "error", err)
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
			c.logger.Info("relay reconnect abandoned", "url", c.url, "error", err)
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close()
			return
		}
		c.conn = ws
		c.mu.Unlock()

		c.logger.Info("relay reconnected", "url", c.url)
		c.deliver(first)
	}
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		f, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("relay frame dropped", "url", c.url, "error", err)
			continue
		}

		switch f.Type {
		case frameRecord:
			c.deliver(cell.Payload(f.Record))
		case frameAck:
			c.resolve(f.ID, nil)
		case frameError:
			if f.ID == 0 {
				c.logger.Warn("relay hub rejected frame", "url", c.url, "message", f.Message)
				continue
			}
			c.resolve(f.ID, fmt.Errorf("relay hub: %s", f.Message))
		default:
			c.logger.Warn("relay frame dropped", "url", c.url, "type", f.Type)
		}
	}
}

// deliver records p as the latest record and fans it out in subscription
// order.
func (c *Client) deliver(p cell.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.last = p

	ids := make([]uint64, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		c.subs[id](p)
	}
}

func (c *Client) resolve(id uint64, err error) {
	c.mu.Lock()
	done, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if ok {
		done <- err
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// disconnected clears the connection and fails every write in flight.
func (c *Client) disconnected(ws *websocket.Conn) {
	ws.Close()

	c.mu.Lock()
	if c.conn == ws {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[uint64]chan error)
	c.mu.Unlock()

	for _, done := range pending {
		done <- ErrDisconnected
	}
}

func (c *Client) send(ws *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}
