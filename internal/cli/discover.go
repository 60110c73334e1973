package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/dotlock/internal/relay"
)

// DiscoverOptions holds flags for the discover command.
type DiscoverOptions struct {
	*RootOptions
	Timeout time.Duration
}

// serviceView is the printed form of a relay.Service.
type serviceView struct {
	Instance string   `json:"instance"`
	Addr     string   `json:"addr"`
	URL      string   `json:"url"`
	Info     []string `json:"info,omitempty"`
}

func (v serviceView) String() string {
	return fmt.Sprintf("%s %s %s", v.Instance, v.URL, strings.Join(v.Info, " "))
}

// NewDiscoverCommand creates the discover command.
func NewDiscoverCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiscoverOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List relay hubs on the local network",
		Long: `Browse mDNS for hubs started with "dotlock serve --advertise" and
print their websocket URLs. Use one as server.url with the ws backend.

Examples:
  dotlock discover
  dotlock discover --timeout 5s --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", relay.DefaultDiscoverTimeout, "how long to browse")

	return cmd
}

func runDiscover(opts *DiscoverOptions, cmd *cobra.Command) error {
	if opts.Timeout <= 0 {
		return NewExitError(ExitCommandError, "--timeout must be positive")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	out.VerboseLog("browsing %s for %s", relay.ServiceType, opts.Timeout)

	services, err := relay.Discover(ctx, opts.Timeout)
	if err != nil {
		return WrapExitError(ExitFailure, "discovery failed", err)
	}

	if len(services) == 0 && opts.Format != "json" {
		fmt.Fprintln(cmd.OutOrStdout(), "No hubs found.")
		return nil
	}
	for _, s := range services {
		view := serviceView{Instance: s.Instance, Addr: s.Addr, URL: s.URL(), Info: s.Info}
		if err := out.Emit("service", view); err != nil {
			return err
		}
	}
	return nil
}
