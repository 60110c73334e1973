package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/dotlock/internal/config"
	"github.com/roach88/dotlock/internal/engine"
	"github.com/roach88/dotlock/internal/ownership"
)

// releaseTimeout bounds the release written when drive exits holding the lock.
const releaseTimeout = 5 * time.Second

// DriveOptions holds flags for the drive command.
type DriveOptions struct {
	*RootOptions
	ID string
}

// NewDriveCommand creates the drive command.
func NewDriveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DriveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Join as a client and drive the dot from stdin",
		Long: `Join the shared dot as a client and read intents from stdin, one per line:

  begin      take control (ignored while another client holds it)
  move X Y   move the dot; coordinates are clamped to [0,100]
  end        release control
  state      print the current state
  quit       release control if held and exit

Every state change is printed as it happens, including changes caused by
other clients.

Examples:
  dotlock drive --backend ws
  printf 'begin\nmove 50 50\nend\n' | dotlock drive --backend sqlite --id alice`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrive(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "client identity (default from config, else a new UUIDv7)")

	return cmd
}

// driveCommand is one parsed input line.
type driveCommand struct {
	verb   string
	action ownership.Action // nil for state and quit
}

// parseDriveLine parses one input line. Blank lines and lines starting with
// '#' yield an empty verb.
func parseDriveLine(line string) (driveCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return driveCommand{}, nil
	}

	verb := strings.ToLower(fields[0])
	args := fields[1:]

	switch verb {
	case "begin":
		return driveCommand{verb: verb, action: ownership.BeginControl{}}, noArgs(verb, args)
	case "end":
		return driveCommand{verb: verb, action: ownership.EndControl{}}, noArgs(verb, args)
	case "state":
		return driveCommand{verb: verb}, noArgs(verb, args)
	case "quit", "exit":
		return driveCommand{verb: "quit"}, noArgs(verb, args)
	case "move":
		if len(args) != 2 {
			return driveCommand{}, fmt.Errorf("move takes two coordinates, got %d", len(args))
		}
		x, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return driveCommand{}, fmt.Errorf("move: invalid x %q", args[0])
		}
		y, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return driveCommand{}, fmt.Errorf("move: invalid y %q", args[1])
		}
		pos := ownership.Position{X: x, Y: y}.Clamped()
		return driveCommand{verb: verb, action: ownership.SetPosition{Position: pos}}, nil
	default:
		return driveCommand{}, fmt.Errorf("unknown command %q", fields[0])
	}
}

func noArgs(verb string, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("%s takes no arguments", verb)
	}
	return nil
}

// transitionView is the printed form of an engine.Transition.
type transitionView struct {
	Seq   int64           `json:"seq"`
	Cause string          `json:"cause"`
	From  ownership.State `json:"from"`
	To    ownership.State `json:"to"`
}

func (v transitionView) String() string {
	return fmt.Sprintf("seq=%d %s %s->%s %s", v.Seq, v.Cause, v.From.Status, v.To.Status, v.To.Position)
}

// stateView is the printed form of a state, prefixed with a label.
type stateView struct {
	Label string          `json:"-"`
	State ownership.State `json:"state"`
}

func (v stateView) String() string {
	return fmt.Sprintf("%s %s", v.Label, v.State)
}

// joinView announces the client identity.
type joinView struct {
	Identity string `json:"identity"`
	Backend  string `json:"backend"`
	Key      string `json:"key"`
}

func (v joinView) String() string {
	return fmt.Sprintf("joined as %s (%s cell %q)", v.Identity, v.Backend, v.Key)
}

func runDrive(opts *DriveOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.ID != "" {
		cfg.Identity = opts.ID
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

	d, err := startDriver(b, cfg, out, logger)
	if err != nil {
		return err
	}
	defer d.stop()

	d.emit("joined", joinView{Identity: d.engine.Identity(), Backend: cfg.Backend, Key: cfg.Key})

	lines := readLines(ctx, cmd)
	for {
		select {
		case <-ctx.Done():
			return d.release()

		case err := <-d.done:
			d.done <- err // for stop
			return WrapExitError(ExitFailure, "engine stopped", err)

		case line, ok := <-lines:
			if !ok {
				return d.release()
			}
			if quit := d.handle(ctx, line); quit {
				return d.release()
			}
		}
	}
}

// driver runs one engine for the drive command.
type driver struct {
	engine *engine.Engine
	out    *OutputFormatter
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan error
}

func startDriver(b *backend, cfg *config.Config, out *OutputFormatter, logger *slog.Logger) (*driver, error) {
	eng, err := engine.New(b.cell, clientIdentity(cfg.Identity),
		engine.WithGracePeriod(cfg.GracePeriod),
		engine.WithLogger(logger),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create engine", err)
	}

	// The engine outlives the signal context so that a held lock can still
	// be released on the way out.
	engineCtx, cancel := context.WithCancel(context.Background())
	d := &driver{engine: eng, out: out, logger: logger, cancel: cancel, done: make(chan error, 1)}

	eng.Watch(func(tr engine.Transition) {
		d.emit("transition", transitionView{Seq: tr.Seq, Cause: tr.Cause, From: tr.From, To: tr.To})
	})
	go func() { d.done <- eng.Run(engineCtx) }()

	select {
	case <-eng.Ready():
		return d, nil
	case err := <-d.done:
		cancel()
		return nil, WrapExitError(ExitCommandError, "failed to join", err)
	}
}

// handle executes one input line and reports whether drive should exit.
func (d *driver) handle(ctx context.Context, line string) bool {
	c, err := parseDriveLine(line)
	if err != nil {
		d.report(CodeInput, err.Error(), line)
		return false
	}

	switch c.verb {
	case "":
		return false
	case "quit":
		return true
	case "state":
		s, err := d.engine.State(ctx)
		if err != nil {
			d.report(CodeTransport, err.Error(), nil)
			return false
		}
		d.emit("state", stateView{Label: "state", State: s})
		return false
	}

	s, err := d.engine.Dispatch(ctx, c.action)
	switch {
	case engine.IsTransportError(err):
		// The local state keeps the optimistic result.
		d.report(CodeTransport, err.Error(), s.String())
	case err != nil:
		d.report(CodeInput, err.Error(), nil)
	case s.Status == ownership.StatusRemoteControl:
		d.emit("blocked", stateView{Label: "blocked", State: s})
	}
	return false
}

// emit prints one result line. A failed write (a closed pipe) is logged
// and drive carries on.
func (d *driver) emit(kind string, data interface{}) {
	if err := d.out.Emit(kind, data); err != nil {
		d.logger.Debug("drive output failed", "kind", kind, "error", err)
	}
}

// report prints one error line, logging a failed write like emit.
func (d *driver) report(code, message string, details interface{}) {
	if err := d.out.Error(code, message, details); err != nil {
		d.logger.Debug("drive output failed", "code", code, "error", err)
	}
}

// release gives up the lock if this client holds it.
func (d *driver) release() error {
	if d.engine.Current().Status != ownership.StatusLocalControl {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if _, err := d.engine.EndControl(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to release control", err)
	}
	return nil
}

// stop ends the engine and waits for it.
func (d *driver) stop() {
	d.engine.Stop()
	<-d.done
	d.cancel()
}

// readLines streams stdin lines until EOF or ctx is done.
func readLines(ctx context.Context, cmd *cobra.Command) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
