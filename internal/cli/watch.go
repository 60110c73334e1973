package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/dotlock/internal/cell"
	"github.com/roach88/dotlock/internal/ownership"
)

// CodeMalformed reports a notification that is not a usable record.
const CodeMalformed = "MALFORMED_RECORD"

// watchBuffer is the number of notifications watch holds while printing.
const watchBuffer = 256

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Count int
}

// recordView is the printed form of a cell.Record.
type recordView struct {
	OwnerID   string             `json:"ownerId"`
	Position  ownership.Position `json:"position"`
	Timestamp cell.Timestamp     `json:"timestamp"`
}

func newRecordView(r cell.Record) recordView {
	return recordView{OwnerID: r.OwnerID, Position: r.Position, Timestamp: r.Timestamp}
}

func (v recordView) String() string {
	owner := v.OwnerID
	if owner == "" {
		owner = "-"
	}
	return fmt.Sprintf("owner=%s pos=%s ts=%s", owner, v.Position, v.Timestamp.Time().UTC().Format(time.RFC3339Nano))
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print every record written to the cell",
		Long: `Subscribe to the configured cell and print each record as it arrives,
starting with the current one. Watching never takes part in ownership.

Examples:
  dotlock watch --backend redis
  dotlock watch --backend sqlite --count 1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after this many records (0 = until interrupted)")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	if opts.Count < 0 {
		return NewExitError(ExitCommandError, "--count must not be negative")
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())
	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open backend", err)
	}
	defer func() {
		if closeErr := b.Close(); closeErr != nil {
			logger.Error("error closing backend", "error", closeErr)
		}
	}()

	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	// The subscription callback must not block.
	notes := make(chan cell.Payload, watchBuffer)
	unsubscribe, err := b.cell.Subscribe(ctx, func(p cell.Payload) {
		select {
		case notes <- p:
		default:
			logger.Warn("watch: notification dropped, output too slow")
		}
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to subscribe", err)
	}
	defer unsubscribe()

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-notes:
			printRecord(out, p)
			seen++
			if opts.Count > 0 && seen >= opts.Count {
				return nil
			}
		}
	}
}

// printRecord prints one notification payload.
func printRecord(out *OutputFormatter, p cell.Payload) {
	rec, err := cell.Decode(p)
	if err != nil {
		_ = out.Error(CodeMalformed, err.Error(), string(p))
		return
	}
	_ = out.Emit("record", newRecordView(rec))
}
