package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"

	"github.com/nnd-dbg/nnd/pkg/session"
	"github.com/nnd-dbg/nnd/pkg/uiapi"
)

var (
	cfgFile     string
	pidFlag     int
	noTTYFlag   bool
	logFileFlag string
)

// exitError carries one of the spec's four CLI exit codes (0 normal, 1
// usage error, 2 target failed to start, 3 internal error) alongside the
// message run() prints to stderr.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...interface{}) error {
	return &exitError{code: 1, err: fmt.Errorf(format, args...)}
}

func targetErrorf(format string, args ...interface{}) error {
	return &exitError{code: 2, err: fmt.Errorf(format, args...)}
}

func internalErrorf(format string, args ...interface{}) error {
	return &exitError{code: 3, err: fmt.Errorf(format, args...)}
}

var colorError = color.New(color.FgRed, color.Bold)

// newRootCmd builds nnd's command tree, directly following cucaracha's
// cmd/root.go shape (a single RootCmd plus cobra.OnInitialize wiring a
// viper-backed config load) generalized to this spec's CLI surface:
// `<program>` launches a binary, `-p <pid>` attaches to a running one, and
// `-t`/`--no-tty` disables forwarding the debuggee's controlling terminal.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nnd [program] [-- program-args...]",
		Short: "An interactive debugger for native 64-bit x86 Linux programs",
		Long: `nnd is a ptrace-based debugger for statically and dynamically linked
64-bit x86 Linux ELF binaries: process control, DWARF symbol resolution,
call-stack unwinding via the DWARF CFI, and a typed expression evaluator
with pretty-printers for the C++ and Rust standard library containers.

Launch a program directly:

  nnd ./target arg1 arg2

Attach to an already-running process instead:

  nnd -p 1234

Run "nnd help <topic>" for documentation on a specific area (breakpoints,
expressions, config). This build drives the debuggee non-interactively to
completion once launched/attached -- the interactive terminal UI is an
external collaborator against pkg/uiapi, out of scope here.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRoot,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.nnd.yaml)")
	root.Flags().IntVarP(&pidFlag, "pid", "p", 0, "attach to an already-running process by pid, instead of launching one")
	root.Flags().BoolVarP(&noTTYFlag, "no-tty", "t", false, "do not forward the debuggee's controlling terminal")
	root.PersistentFlags().StringVar(&logFileFlag, "log-file", "", "also write structured logs to this file, in addition to stderr")
	root.AddCommand(newHelpTopicsCmd())
	return root
}

// newLogger builds nnd's logger, fanning records out to stderr and,
// when logFilePath is set, also to that file -- grounded on cucaracha's
// go.mod inclusion of samber/slog-multi, whose Fanout handler routes
// each record to every wrapped slog.Handler in turn. A missing/
// unwritable log file is reported as an error rather than silently
// dropping that half of the fanout.
func newLogger(logFilePath string) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	handlers := []slog.Handler{slog.NewTextHandler(os.Stderr, opts)}
	closer := func() error { return nil }

	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
		closer = f.Close
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer, nil
	}
	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

// run executes the command tree and maps the result onto the process exit
// code the spec names: 0 normal, 1 usage error, 2 target failed to start,
// 3 internal error.
func run() int {
	root := newRootCmd()
	if len(os.Args) > 1 && strings.HasPrefix(os.Args[1], "--help-") {
		// --help-<topic> is served by the hidden "help <topic>" command.
		root.SetArgs([]string{"help", strings.TrimPrefix(os.Args[1], "--help-")})
	}
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, colorError.Sprint(ee.err))
			return ee.code
		}
		fmt.Fprintln(os.Stderr, colorError.Sprint(err))
		return 1
	}
	return 0
}

func runRoot(cmd *cobra.Command, args []string) error {
	if pidFlag == 0 && len(args) == 0 {
		return usageErrorf("nnd: specify a program to launch or -p/--pid to attach")
	}
	if pidFlag != 0 && len(args) != 0 {
		return usageErrorf("nnd: --pid and a program argument are mutually exclusive")
	}

	cfg, err := session.LoadConfig(cfgFile)
	if err != nil {
		return internalErrorf("nnd: load config: %w", err)
	}

	logger, closeLogger, err := newLogger(logFileFlag)
	if err != nil {
		return internalErrorf("nnd: %w", err)
	}
	defer closeLogger()
	sess := session.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var binaryPath string
	if pidFlag != 0 {
		binaryPath, err = attachToPID(sess, pidFlag)
	} else {
		binaryPath, err = launchProgram(sess, args, noTTYFlag)
	}
	if err != nil {
		return err
	}

	if err := sess.LoadSymbols(ctx, binaryPath); err != nil {
		// Symbol errors are recoverable at the index-build granularity
		// (§7): the process is already running, so this is logged, not
		// fatal.
		logger.Warn("symbol load failed, continuing without symbols", "binary", binaryPath, "error", err)
	}

	ev, err := sess.RunUntilExit(ctx)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("interrupted, detaching")
			return nil
		}
		return internalErrorf("nnd: %w", err)
	}
	logEvent(logger, ev)
	return nil
}

func logEvent(logger *slog.Logger, ev uiapi.Event) {
	switch ev.Kind {
	case uiapi.EventExited:
		logger.Info("target exited", "exit_code", ev.ExitCode)
	case uiapi.EventStopped:
		logger.Info("stopped", "thread", ev.ThreadID, "pc", fmt.Sprintf("%#x", ev.PC), "reason", ev.StopReason)
	case uiapi.EventError:
		logger.Error(ev.Text)
	default:
		logger.Info("event", "kind", ev.Kind, "text", ev.Text)
	}
}
