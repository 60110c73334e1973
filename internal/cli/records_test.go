package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dotlock/internal/cell"
	"github.com/roach88/dotlock/internal/ownership"
)

func TestRecordView_String(t *testing.T) {
	v := newRecordView(cell.Record{OwnerID: "bob", Position: ownership.Position{X: 10, Y: 20}, Timestamp: 1704067200000})
	assert.Equal(t, "owner=bob pos=(10,20) ts=2024-01-01T00:00:00Z", v.String())

	v = newRecordView(cell.Record{Position: ownership.Position{X: 1, Y: 1}, Timestamp: 1704067200000})
	assert.Equal(t, "owner=- pos=(1,1) ts=2024-01-01T00:00:00Z", v.String())
}

func TestInspect_SQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dot.db")
	seedSQLite(t, dbPath, cell.Record{OwnerID: "bob", Position: ownership.Position{X: 10, Y: 10}})

	out, err := execute(t, NewInspectCommand(&RootOptions{Format: "text", ConfigPath: sqliteConfig(t, dbPath)}), "")
	require.NoError(t, err)
	assert.Equal(t, "owner=bob pos=(10,10) ts=2024-01-01T00:00:00Z\n", out)
}

func TestInspect_JSON(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dot.db")
	seedSQLite(t, dbPath, cell.Record{OwnerID: "bob", Position: ownership.Position{X: 10, Y: 10}})

	out, err := execute(t, NewInspectCommand(&RootOptions{Format: "json", ConfigPath: sqliteConfig(t, dbPath)}), "")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Kind   string     `json:"kind"`
		Data   recordView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "record", resp.Kind)
	assert.Equal(t, "bob", resp.Data.OwnerID)
	assert.Equal(t, ownership.Position{X: 10, Y: 10}, resp.Data.Position)
}

func TestInspect_EmptyMemoryCell(t *testing.T) {
	out, err := execute(t, NewInspectCommand(&RootOptions{Format: "text", Backend: "memory"}), "")
	require.NoError(t, err)
	assert.Contains(t, out, "owner=- pos=(0,0)")
}

func TestWatch_CountExitsAfterCurrentRecord(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dot.db")
	seedSQLite(t, dbPath, cell.Record{OwnerID: "bob", Position: ownership.Position{X: 3, Y: 4}})

	out, err := execute(t, NewWatchCommand(&RootOptions{Format: "text", ConfigPath: sqliteConfig(t, dbPath)}), "", "--count", "1")
	require.NoError(t, err)
	assert.Equal(t, "owner=bob pos=(3,4) ts=2024-01-01T00:00:00Z\n", out)
}

func TestWatch_NegativeCount(t *testing.T) {
	_, err := execute(t, NewWatchCommand(&RootOptions{Format: "text", Backend: "memory"}), "", "--count", "-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestPrintRecord_Malformed(t *testing.T) {
	buf := &bytes.Buffer{}
	out := &OutputFormatter{Format: "text", Writer: buf}

	printRecord(out, cell.Payload(`{"ownerId":"bob"}`))
	assert.Contains(t, buf.String(), "Error [MALFORMED_RECORD]: malformed record: missing position")
}

func TestHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dot.db")
	seedSQLite(t, dbPath,
		cell.Record{OwnerID: "alice", Position: ownership.Position{X: 1, Y: 1}},
		cell.Record{OwnerID: "alice", Position: ownership.Position{X: 2, Y: 2}},
		cell.Record{Position: ownership.Position{X: 2, Y: 2}},
	)

	out, err := execute(t, NewHistoryCommand(&RootOptions{Format: "text", Backend: "memory"}), "", "--db", dbPath, "--limit", "2")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"v=2 owner=alice pos=(2,2) ts=2024-01-01T00:00:00Z",
		"v=3 owner=- pos=(2,2) ts=2024-01-01T00:00:00Z",
	}, lines(out))
}

func TestHistory_JSON(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dot.db")
	seedSQLite(t, dbPath, cell.Record{OwnerID: "alice", Position: ownership.Position{X: 1, Y: 1}})

	out, err := execute(t, NewHistoryCommand(&RootOptions{Format: "json", Backend: "memory"}), "", "--db", dbPath)
	require.NoError(t, err)

	var resp struct {
		Kind string         `json:"kind"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "entry", resp.Kind)
	assert.Equal(t, float64(1), resp.Data["version"])
	assert.Equal(t, "alice", resp.Data["ownerId"])
}

func TestHistory_EmptyKey(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dot.db")
	seedSQLite(t, dbPath)

	out, err := execute(t, NewHistoryCommand(&RootOptions{Format: "text", Backend: "memory", Key: "other"}), "", "--db", dbPath)
	require.NoError(t, err)
	assert.Equal(t, "No writes for key \"other\".\n", out)
}

func TestHistory_MissingDatabase(t *testing.T) {
	_, err := execute(t, NewHistoryCommand(&RootOptions{Format: "text", Backend: "memory"}), "", "--db", "/nonexistent/dot.db")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")
}
