package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/dotlock/internal/cell/sqlitecell"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Limit    int
}

// historyView is the printed form of a sqlitecell.Entry.
type historyView struct {
	Version int64 `json:"version"`
	recordView
}

func (v historyView) String() string {
	return fmt.Sprintf("v=%d %s", v.Version, v.recordView)
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the write history of a SQLite cell",
		Long: `Print the most recent writes of the configured key from a SQLite
database, oldest first.

Examples:
  dotlock history --db ./dotlock.db
  dotlock history --db ./dotlock.db --limit 0 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "number of writes to show (0 = all)")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	path := opts.Database
	if path == "" {
		path = cfg.SQLite.Path
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
	}

	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	st, err := sqlitecell.Open(path, sqlitecell.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	entries, err := st.History(ctx, cfg.Key, opts.Limit)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read history", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if len(entries) == 0 && opts.Format != "json" {
		fmt.Fprintf(cmd.OutOrStdout(), "No writes for key %q.\n", cfg.Key)
		return nil
	}
	for _, e := range entries {
		if err := out.Emit("entry", historyView{Version: e.Version, recordView: newRecordView(e.Record)}); err != nil {
			return err
		}
	}
	return nil
}
