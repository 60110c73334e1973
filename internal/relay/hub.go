package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/dotlock/internal/cell"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// ErrHubNotStarted is returned by Start-dependent operations before Start.
var ErrHubNotStarted = errors.New("relay: hub not started")

// Hub serves one backing cell to websocket clients.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub struct {
	cell     cell.Cell
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   *mux.Router

	mu          sync.Mutex
	conns       map[uint64]*hubConn
	nextID      uint64
	current     cell.Payload
	started     bool
	closed      bool
	unsubscribe cell.Unsubscribe
	wg          sync.WaitGroup
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = l
	}
}

// NewHub creates a hub for c. Call Start before serving.
func NewHub(c cell.Cell, opts ...HubOption) *Hub {
	h := &Hub{
		cell:   c,
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[uint64]*hubConn),
	}
	for _, opt := range opts {
		opt(h)
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", h.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/record", h.serveRecord).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.serveHealth).Methods(http.MethodGet)
	h.router = r

	return h
}

// Handler returns the HTTP routes of the hub.
func (h *Hub) Handler() http.Handler {
	return h.router
}

// Start subscribes to the backing cell.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return fmt.Errorf("relay: hub already started")
	}
	h.started = true
	h.mu.Unlock()

	unsubscribe, err := h.cell.Subscribe(ctx, h.broadcast)
	if err != nil {
		return fmt.Errorf("relay: subscribe backing cell: %w", err)
	}

	h.mu.Lock()
	h.unsubscribe = unsubscribe
	h.mu.Unlock()

	h.logger.Info("relay hub started")
	return nil
}

// Close unsubscribes from the backing cell and disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	unsubscribe := h.unsubscribe
	conns := make([]*hubConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[uint64]*hubConn)
	h.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, c := range conns {
		c.close()
	}
	h.wg.Wait()

	h.logger.Info("relay hub stopped")
	return nil
}

// Connections returns the number of connected clients.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// broadcast is the backing-cell callback. It must not block.
func (h *Hub) broadcast(p cell.Payload) {
	data, err := encodeFrame(frame{Type: frameRecord, Record: rawRecord(p)})
	if err != nil {
		h.logger.Error("relay broadcast failed", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.current = p

	ids := make([]uint64, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		c := h.conns[id]
		if !c.enqueue(data) {
			h.logger.Warn("relay client too slow, disconnecting",
				"conn", id,
				"remote", c.remote,
			)
			delete(h.conns, id)
			go c.close()
		}
	}
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	ready := h.started && h.current != nil && !h.closed
	h.mu.Unlock()
	if !ready {
		http.Error(w, ErrHubNotStarted.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &hubConn{
		ws:     ws,
		remote: r.RemoteAddr,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}

	// Register and queue the current record under one lock so no
	// notification can slip in between.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return
	}
	h.nextID++
	c.id = h.nextID
	first, err := encodeFrame(frame{Type: frameRecord, Record: rawRecord(h.current)})
	if err == nil {
		c.enqueue(first)
	}
	h.conns[c.id] = c
	h.wg.Add(2)
	h.mu.Unlock()

	h.logger.Info("relay client connected", "conn", c.id, "remote", c.remote)

	go func() {
		defer h.wg.Done()
		c.writePump(h.logger)
	}()
	go func() {
		defer h.wg.Done()
		h.readPump(c)
	}()
}

// readPump handles frames from one client until the connection drops.
func (h *Hub) readPump(c *hubConn) {
	defer func() {
		h.mu.Lock()
		delete(h.conns, c.id)
		h.mu.Unlock()
		c.close()
		h.logger.Info("relay client disconnected", "conn", c.id, "remote", c.remote)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("relay read failed", "conn", c.id, "error", err)
			}
			return
		}

		reply := h.handleFrame(data)
		out, err := encodeFrame(reply)
		if err != nil {
			h.logger.Error("relay reply failed", "conn", c.id, "error", err)
			continue
		}
		if !c.enqueue(out) {
			return
		}
	}
}

// handleFrame applies one client frame and returns the reply.
func (h *Hub) handleFrame(data []byte) frame {
	f, err := decodeFrame(data)
	if err != nil {
		return frame{Type: frameError, Message: err.Error()}
	}

	switch f.Type {
	case frameWrite:
		rec, err := cell.Decode(cell.Payload(f.Record))
		if err != nil {
			return frame{Type: frameError, ID: f.ID, Message: err.Error()}
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err = h.cell.Write(ctx, rec)
		cancel()
		if err != nil {
			h.logger.Warn("relay write failed", "id", f.ID, "error", err)
			return frame{Type: frameError, ID: f.ID, Message: err.Error()}
		}
		return frame{Type: frameAck, ID: f.ID}

	default:
		return frame{Type: frameError, ID: f.ID, Message: fmt.Sprintf("unsupported frame type %q", f.Type)}
	}
}

func (h *Hub) serveRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.cell.Read(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rec); err != nil {
		h.logger.Warn("relay record response failed", "error", err)
	}
}

func (h *Hub) serveHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	ok := h.started && !h.closed
	h.mu.Unlock()

	if !ok {
		http.Error(w, "not serving", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok\n"))
}

// hubConn is one websocket client of a hub.
type hubConn struct {
	id     uint64
	ws     *websocket.Conn
	remote string
	send   chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// enqueue queues data for the write pump. Returns false if the connection is
// closed or its buffer is full.
func (c *hubConn) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *hubConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	c.ws.Close()
}

func (c *hubConn) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("relay write pump stopped", "conn", c.id, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}
