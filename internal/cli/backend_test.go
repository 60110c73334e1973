package cli

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dotlock/internal/cell"
	"github.com/roach88/dotlock/internal/config"
	"github.com/roach88/dotlock/internal/ownership"
	"github.com/roach88/dotlock/internal/relay"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestLoadConfig_FlagOverrides(t *testing.T) {
	cfg, err := loadConfig(&RootOptions{Backend: "sqlite", Key: "board-7"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Backend)
	assert.Equal(t, "board-7", cfg.Key)
}

func TestLoadConfig_FileThenFlags(t *testing.T) {
	path := writeConfig(t, map[string]any{"backend": "redis", "key": "from-file"})

	cfg, err := loadConfig(&RootOptions{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Backend)
	assert.Equal(t, "from-file", cfg.Key)

	cfg, err = loadConfig(&RootOptions{ConfigPath: path, Key: "from-flag"})
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Backend)
	assert.Equal(t, "from-flag", cfg.Key)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := loadConfig(&RootOptions{ConfigPath: "/nonexistent/dotlock.cue"})
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = loadConfig(&RootOptions{Backend: "tape"})
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `unknown backend "tape"`)
}

func TestOpenBackend_Memory(t *testing.T) {
	cfg := config.Default()

	b, err := openBackend(context.Background(), cfg, discardLogger)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, "memory", b.name)
	rec, err := b.cell.Read(context.Background())
	require.NoError(t, err)
	assert.False(t, rec.Owned())
}

func TestOpenBackend_SQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = "sqlite"
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "dot.db")

	b, err := openBackend(context.Background(), cfg, discardLogger)
	require.NoError(t, err)

	ctx := context.Background()
	rec := cell.Record{OwnerID: "alice", Position: ownership.Position{X: 1, Y: 2}}
	require.NoError(t, b.cell.Write(ctx, rec))
	require.NoError(t, b.Close())

	// Reopen: the record is durable.
	b, err = openBackend(ctx, cfg, discardLogger)
	require.NoError(t, err)
	defer b.Close()

	got, err := b.cell.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, ownership.Position{X: 1, Y: 2}, got.Position)
}

func TestOpenBackend_WebSocket(t *testing.T) {
	backing := cell.NewMemoryCell()
	hub := relay.NewHub(backing, relay.WithHubLogger(discardLogger))
	require.NoError(t, hub.Start(context.Background()))
	defer hub.Close()

	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	cfg := config.Default()
	cfg.Backend = "ws"
	cfg.Server.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	b, err := openBackend(context.Background(), cfg, discardLogger)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.cell.Write(ctx, cell.Record{OwnerID: "carol", Position: ownership.Position{X: 5, Y: 6}}))

	got, err := backing.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "carol", got.OwnerID)
}

func TestOpenBackend_Errors(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = "postgres"
	cfg.Postgres.URL = ""
	_, err := openBackend(context.Background(), cfg, discardLogger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires postgres.url")

	cfg = config.Default()
	cfg.Backend = "floppy"
	_, err = openBackend(context.Background(), cfg, discardLogger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown backend "floppy"`)
}

func TestClientIdentity(t *testing.T) {
	assert.Equal(t, "alice", clientIdentity("  alice "))

	a := clientIdentity("")
	b := clientIdentity("")
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b, "each process gets a fresh identity")
}

func TestNewLogger_Levels(t *testing.T) {
	buf := &strings.Builder{}

	newLogger(&RootOptions{}, buf).Debug("hidden")
	assert.Empty(t, buf.String())

	newLogger(&RootOptions{Verbose: true}, buf).Debug("shown", "client", "alice")
	assert.Contains(t, buf.String(), "msg=shown")
	assert.Contains(t, buf.String(), "client=alice")
}
