package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dotlock/internal/cell"
	"github.com/roach88/dotlock/internal/cell/sqlitecell"
	"github.com/roach88/dotlock/internal/testutil"
)

// writeConfig writes a JSON config file and returns its path.
func writeConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "dotlock.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// sqliteConfig returns a config file selecting the sqlite backend at dbPath.
func sqliteConfig(t *testing.T, dbPath string) string {
	t.Helper()
	return writeConfig(t, map[string]any{
		"backend": "sqlite",
		"sqlite":  map[string]any{"path": dbPath, "pollInterval": "10ms"},
	})
}

// seedSQLite writes records to key "dot" with a manual clock, so every
// timestamp is testutil.DefaultEpoch.
func seedSQLite(t *testing.T, dbPath string, records ...cell.Record) {
	t.Helper()
	st, err := sqlitecell.Open(dbPath, sqlitecell.WithClock(testutil.NewManualClock()))
	require.NoError(t, err)
	defer st.Close()

	c := st.Cell("dot")
	for _, r := range records {
		require.NoError(t, c.Write(context.Background(), r))
	}
}

// execute runs cmd with args and stdin, returning stdout.
func execute(t *testing.T, cmd *cobra.Command, stdin string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// lines splits output into non-empty lines.
func lines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
