package relay

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dotlock/internal/cell"
	"github.com/roach88/dotlock/internal/engine"
	"github.com/roach88/dotlock/internal/ownership"
)

func TestClient_ReadWriteSubscribe(t *testing.T) {
	backing := cell.NewMemoryCell(cell.WithRecord(cell.Record{OwnerID: "bob", Position: ownership.Position{X: 3, Y: 3}}))
	_, server := startHub(t, backing)
	c := dialClient(t, server)
	ctx := context.Background()

	rec, err := c.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bob", rec.OwnerID)

	log := &recordLog{}
	unsub, err := c.Subscribe(ctx, log.add)
	require.NoError(t, err)
	defer unsub()
	require.Len(t, log.snapshot(), 1, "current record delivered on subscribe")

	require.NoError(t, c.Write(ctx, cell.Record{OwnerID: "alice", Position: ownership.Position{X: 7, Y: 8}}))

	stored, err := backing.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.OwnerID)

	require.Eventually(t, func() bool {
		return log.lastOwner() == "alice"
	}, testTimeout, 5*time.Millisecond, "writer receives its own echo")
}

func TestClient_WriteUnencodable(t *testing.T) {
	_, server := startHub(t, cell.NewMemoryCell())
	c := dialClient(t, server)

	// NaN has no JSON encoding.
	err := c.Write(context.Background(), cell.Record{OwnerID: "alice", Position: ownership.Position{X: nanValue()}})
	assert.Error(t, err)
}

func TestClient_EnginesAcrossRelay(t *testing.T) {
	_, server := startHub(t, cell.NewMemoryCell())
	alice := runEngine(t, dialClient(t, server), "alice")
	bob := runEngine(t, dialClient(t, server), "bob")
	ctx := context.Background()

	_, err := alice.BeginControl(ctx)
	require.NoError(t, err)
	_, err = alice.SetPosition(ctx, 60, 40)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bob.Current() == ownership.State{Status: ownership.StatusRemoteControl, Position: ownership.Position{X: 60, Y: 40}}
	}, testTimeout, 5*time.Millisecond)

	s, err := bob.BeginControl(ctx)
	require.NoError(t, err)
	assert.Equal(t, ownership.StatusRemoteControl, s.Status, "bob is blocked")

	_, err = alice.EndControl(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bob.Current().Status == ownership.StatusIdleRemote
	}, testTimeout, 5*time.Millisecond)

	s, err = bob.BeginControl(ctx)
	require.NoError(t, err)
	assert.Equal(t, ownership.StatusLocalControl, s.Status)
	require.Eventually(t, func() bool {
		return alice.Current().Status == ownership.StatusRemoteControl
	}, testTimeout, 5*time.Millisecond)
}

func TestClient_Reconnects(t *testing.T) {
	backing := cell.NewMemoryCell()
	h, server := startHub(t, backing)
	c := dialClient(t, server)

	log := &recordLog{}
	unsub, err := c.Subscribe(context.Background(), log.add)
	require.NoError(t, err)
	defer unsub()

	// Drop every connection from the hub side.
	h.mu.Lock()
	for _, conn := range h.conns {
		conn.close()
	}
	h.mu.Unlock()

	// A write made elsewhere while the client was away.
	require.NoError(t, backing.Write(context.Background(), cell.Record{OwnerID: "carol", Position: ownership.Position{X: 1, Y: 1}}))

	require.Eventually(t, func() bool {
		return c.Connected() && log.lastOwner() == "carol"
	}, testTimeout, 5*time.Millisecond, "reconnect resends the current record")

	require.NoError(t, c.Write(context.Background(), cell.Record{OwnerID: "dave", Position: ownership.Position{X: 2, Y: 2}}))
}

func TestClient_WriteWhileDisconnected(t *testing.T) {
	h, server := startHub(t, cell.NewMemoryCell())
	c := dialClient(t, server)

	require.NoError(t, h.Close())
	require.Eventually(t, func() bool { return !c.Connected() }, testTimeout, 5*time.Millisecond)

	err := c.Write(context.Background(), cell.Record{OwnerID: "alice"})
	assert.True(t, errors.Is(err, ErrDisconnected))
}

func TestClient_Close(t *testing.T) {
	_, server := startHub(t, cell.NewMemoryCell())
	c := dialClient(t, server)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	ctx := context.Background()
	assert.ErrorIs(t, c.Write(ctx, cell.Record{}), cell.ErrClosed)
	_, err := c.Read(ctx)
	assert.ErrorIs(t, err, cell.ErrClosed)
	_, err = c.Subscribe(ctx, func(cell.Payload) {})
	assert.ErrorIs(t, err, cell.ErrClosed)
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/ws")
	assert.Error(t, err)
}

func TestServiceFromEntry(t *testing.T) {
	s, ok := serviceFromEntry(&mdns.ServiceEntry{
		Name:       "studio._dotlock._tcp.local.",
		Host:       "studio.local.",
		AddrV4:     net.IPv4(192, 168, 1, 20),
		Port:       8081,
		InfoFields: []string{"dotlock"},
	})
	require.True(t, ok)
	assert.Equal(t, Service{
		Instance: "studio",
		Host:     "studio.local",
		Addr:     "192.168.1.20:8081",
		Info:     []string{"dotlock"},
	}, s)
	assert.Equal(t, "ws://192.168.1.20:8081/ws", s.URL())

	_, ok = serviceFromEntry(&mdns.ServiceEntry{Name: "printer._ipp._tcp.local.", AddrV4: net.IPv4(10, 0, 0, 1), Port: 631})
	assert.False(t, ok)

	_, ok = serviceFromEntry(&mdns.ServiceEntry{Name: "x._dotlock._tcp.local.", Port: 8081})
	assert.False(t, ok, "no IPv4 address")
}

func runEngine(t *testing.T, c cell.Cell, id string) *engine.Engine {
	t.Helper()
	e, err := engine.New(c, id, engine.WithLogger(discardLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	<-e.Ready()

	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}
