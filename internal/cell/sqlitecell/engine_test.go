package sqlitecell

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dotlock/internal/engine"
	"github.com/roach88/dotlock/internal/ownership"
)

func runEngine(t *testing.T, s *Store, id string) *engine.Engine {
	t.Helper()
	e, err := engine.New(s.Cell("dot"), id)
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

// Two processes sharing one database file.
func TestEngine_TwoStoresShareLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dot.db")

	s1, err := Open(path, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { s1.Close() })
	s2, err := Open(path, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })

	alice := runEngine(t, s1, "alice")
	bob := runEngine(t, s2, "bob")
	ctx := context.Background()

	_, err = alice.BeginControl(ctx)
	require.NoError(t, err)
	_, err = alice.SetPosition(ctx, 40, 60)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bob.Current() == ownership.State{Status: ownership.StatusRemoteControl, Position: ownership.Position{X: 40, Y: 60}}
	}, 2*time.Second, 5*time.Millisecond)

	s, err := bob.BeginControl(ctx)
	require.NoError(t, err)
	assert.Equal(t, ownership.StatusRemoteControl, s.Status)

	_, err = alice.EndControl(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bob.Current().Status == ownership.StatusIdleRemote
	}, 2*time.Second, 5*time.Millisecond)

	// Alice's echoes never moved her out of control.
	st, err := alice.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, ownership.StatusIdleLocal, st.Status)

	entries, err := s1.History(ctx, "dot", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "alice", entries[0].Record.OwnerID)
	assert.Equal(t, "", entries[2].Record.OwnerID)
}
