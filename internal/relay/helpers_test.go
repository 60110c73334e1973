package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dotlock/internal/cell"
)

const testTimeout = 2 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startHub serves a started hub over c and returns it with its base URL.
func startHub(t *testing.T, c cell.Cell) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(c, WithHubLogger(discardLogger()))
	require.NoError(t, h.Start(context.Background()))

	server := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		h.Close()
		server.Close()
	})
	return h, server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dialRaw(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := decodeFrame(data)
	require.NoError(t, err)
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f frame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(10 * time.Millisecond)
}

func dialClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c, err := Dial(ctx, wsURL(server), WithClientLogger(discardLogger()), WithBackOff(fastBackOff))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// recordLog collects decoded notifications.
type recordLog struct {
	mu      sync.Mutex
	records []cell.Record
}

func (l *recordLog) add(p cell.Payload) {
	rec, _ := cell.Decode(p)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
}

func (l *recordLog) snapshot() []cell.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]cell.Record(nil), l.records...)
}

func (l *recordLog) lastOwner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) == 0 {
		return ""
	}
	return l.records[len(l.records)-1].OwnerID
}

func nanValue() float64 {
	zero := 0.0
	return zero / zero
}
