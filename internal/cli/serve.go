package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/dotlock/internal/relay"
)

// shutdownTimeout bounds the graceful HTTP shutdown of serve.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen    string
	Advertise bool

	// OnListen is called with the bound address once the hub accepts
	// connections (for testing).
	OnListen func(addr net.Addr)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured cell to websocket clients",
		Long: `Start a relay hub over the configured backend.

Clients connect with the ws backend. The hub forwards every record of the
backing cell to every connection and applies their writes to it.

Routes:
  /ws       websocket frames
  /record   current record as JSON
  /healthz  liveness

Examples:
  dotlock serve --backend sqlite --listen :8081
  dotlock serve --backend redis --advertise`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&opts.Advertise, "advertise", false, "announce the hub over mDNS")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.Advertise {
		cfg.Server.Advertise = true
	}
	if cfg.Backend == "ws" {
		return NewExitError(ExitCommandError, "serve needs a storage backend, not ws")
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

	hub := relay.NewHub(b.cell, relay.WithHubLogger(logger))
	if err := hub.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start hub", err)
	}
	defer hub.Close()

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	if cfg.Server.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		mdnsServer, err := relay.Advertise(port, "key="+cfg.Key, "backend="+cfg.Backend)
		if err != nil {
			ln.Close()
			return WrapExitError(ExitCommandError, "failed to advertise hub", err)
		}
		defer mdnsServer.Shutdown()
		logger.Info("hub advertised", "service", relay.ServiceType, "port", port)
	}

	srv := &http.Server{Handler: hub.Handler()}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	logger.Info("relay hub listening",
		"addr", ln.Addr().String(),
		"backend", cfg.Backend,
		"key", cfg.Key,
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s cell %q on %s\n", cfg.Backend, cfg.Key, ln.Addr())
	if opts.OnListen != nil {
		opts.OnListen(ln.Addr())
	}

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "relay server error", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Close the hub first: hijacked websocket connections are not tracked
	// by http.Server.Shutdown.
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down relay server", "error", err)
	}

	logger.Info("relay hub stopped gracefully")
	return nil
}
