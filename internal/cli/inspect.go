package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the current record of the cell",
		Long: `Read the configured cell once and print its record.

Examples:
  dotlock inspect --backend sqlite
  dotlock inspect --backend ws --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, cmd)
		},
	}

	return cmd
}

func runInspect(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := newLogger(opts, cmd.ErrOrStderr())
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open backend", err)
	}
	defer func() {
		if closeErr := b.Close(); closeErr != nil {
			logger.Error("error closing backend", "error", closeErr)
		}
	}()

	rec, err := b.cell.Read(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read cell", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	return out.Emit("record", newRecordView(rec))
}
