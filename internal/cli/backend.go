package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/dotlock/internal/cell"
	"github.com/roach88/dotlock/internal/cell/pgcell"
	"github.com/roach88/dotlock/internal/cell/rediscell"
	"github.com/roach88/dotlock/internal/cell/sqlitecell"
	"github.com/roach88/dotlock/internal/config"
	"github.com/roach88/dotlock/internal/identity"
	"github.com/roach88/dotlock/internal/relay"
)

// backend is an opened cell together with the resources behind it.
type backend struct {
	name  string
	cell  cell.Cell
	close func() error
}

func (b *backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// loadConfig resolves the configuration and applies the global flag
// overrides on top.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	if opts.Backend != "" {
		cfg.Backend = opts.Backend
	}
	if opts.Key != "" {
		cfg.Key = opts.Key
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// newLogger creates the structured logger for a command. Logs always go to
// w (stderr in production) so that stdout stays parseable.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openBackend connects to the cell named by cfg.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{name: cfg.Backend}

	switch cfg.Backend {
	case "memory":
		b.cell = cell.NewMemoryCell()

	case "sqlite":
		st, err := sqlitecell.Open(cfg.SQLite.Path,
			sqlitecell.WithPollInterval(cfg.SQLite.PollInterval),
			sqlitecell.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		b.cell = st.Cell(cfg.Key)
		b.close = st.Close

	case "redis":
		c, err := rediscell.Dial(ctx, cfg.Redis.Addr, cfg.Key, rediscell.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		b.cell = c
		b.close = c.Close

	case "postgres":
		if cfg.Postgres.URL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres.url")
		}
		st, err := pgcell.Open(ctx, cfg.Postgres.URL, pgcell.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		b.cell = st.Cell(cfg.Key)
		b.close = func() error {
			st.Close()
			return nil
		}

	case "ws":
		c, err := relay.Dial(ctx, cfg.Server.URL, relay.WithClientLogger(logger))
		if err != nil {
			return nil, err
		}
		b.cell = c
		b.close = c.Close

	default:
		return nil, fmt.Errorf("unknown backend %q (want one of %v)", cfg.Backend, config.Backends)
	}

	logger.Debug("backend opened", "backend", cfg.Backend, "key", cfg.Key)
	return b, nil
}

// clientIdentity returns the configured identity, or a fresh UUIDv7 when
// none is configured.
func clientIdentity(configured string) string {
	if id := identity.Normalize(configured); id != "" {
		return id
	}
	return identity.New()
}

// signalContext returns a context cancelled on SIGINT/SIGTERM or when the
// command's own context ends.
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan) // Prevent signal handler leak
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	return ctx, cancel
}
