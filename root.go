package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tinylingo/tinysync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// skipConfigAnnotation marks commands that must work without a valid
// configuration, such as writing the first config file.
const skipConfigAnnotation = "skip-config"

// logFilePermissions keeps log files private; they carry user ids.
const logFilePermissions = 0o600

// CLIFlags holds the persistent flag values.
type CLIFlags struct {
	ConfigPath string
	DataDir    string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is built once by the root pre-run and attached to the command
// context. Cfg is nil for commands annotated with skipConfigAnnotation.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger
	Env    config.EnvOverrides
	CLI    config.CLIOverrides

	// level is shared by every handler so a config reload can change it.
	level *slog.LevelVar
	close func() error
	out   io.Writer
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext attached by the root pre-run.
// Calling it from a command that bypassed the pre-run is a programming
// error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("tinysync: command context has no CLIContext")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	var flags CLIFlags

	cmd := &cobra.Command{
		Use:   "tinysync",
		Short: "Local-first sync for worlds, stickers and backgrounds",
		Long: `tinysync keeps the local library of worlds, stickers and backgrounds in
sync with the hosted backend. Edits are made locally and pushed in the
background; remote changes are pulled and merged by last-modified time.`,
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := newCLIContext(cmd, flags)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext); ok && cc.close != nil {
				return cc.close()
			}

			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.DataDir, "data-dir", "", "directory for the local database and session")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newClaimCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newRestoreCmd())
	cmd.AddCommand(newMarkCmd())
	cmd.AddCommand(newPurgeCmd())
	cmd.AddCommand(newTrashCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// newCLIContext resolves configuration and builds the logger for cmd.
func newCLIContext(cmd *cobra.Command, flags CLIFlags) (*CLIContext, error) {
	cc := &CLIContext{Flags: flags, out: cmd.OutOrStdout()}

	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}

	cc.Env = config.ReadEnvOverrides()
	cc.CLI = cliOverrides(flags)

	// Help must work even when the config file is broken.
	if cmd.Annotations[skipConfigAnnotation] == "" && cmd.Name() != "help" {
		resolved, err := config.Resolve(cc.Env, cc.CLI)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}

		cc.Cfg = resolved
	}

	logger, level, closer, err := buildLogger(cc.Cfg, flags, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	cc.Logger, cc.level, cc.close = logger, level, closer

	return cc, nil
}

// cliOverrides maps flags onto the config override layer. --verbose and
// --quiet become log level overrides so they beat the file and environment.
func cliOverrides(flags CLIFlags) config.CLIOverrides {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	if flags.DataDir != "" {
		dir := flags.DataDir
		cli.DataDir = &dir
	}

	switch {
	case flags.Verbose:
		level := "debug"
		cli.LogLevel = &level
	case flags.Quiet:
		level := "error"
		cli.LogLevel = &level
	}

	return cli
}

// buildLogger creates the process logger. Config provides the baseline level
// and format; CLI flags were already folded into cfg by Resolve. With no
// config (bootstrap commands) the flags apply directly. A log_file sends
// output there instead of stderr; the returned closer closes it.
func buildLogger(cfg *config.Resolved, flags CLIFlags, stderr io.Writer) (*slog.Logger, *slog.LevelVar, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)

	format := "auto"
	out := stderr
	closer := func() error { return nil }

	if cfg != nil {
		level.Set(parseLevel(cfg.Logging.LogLevel))
		format = cfg.Logging.LogFormat

		if cfg.Logging.LogFile != "" {
			f, err := os.OpenFile(cfg.Logging.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFilePermissions)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("opening log file: %w", err)
			}

			out, closer = f, f.Close
		}
	} else {
		switch {
		case flags.Verbose:
			level.Set(slog.LevelDebug)
		case flags.Quiet:
			level.Set(slog.LevelError)
		}
	}

	return slog.New(newLogHandler(out, format, level)), level, closer, nil
}

// newLogHandler picks the handler for format. "auto" writes text to
// terminals and JSON everywhere else, so piped and file output stays
// machine-readable.
func newLogHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	if format == "json" || (format == "auto" && !isTerminal(w)) {
		return slog.NewJSONHandler(w, opts)
	}

	return slog.NewTextHandler(w, opts)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// applyReload adopts a reloaded config's log level. Flags were folded into
// the reload by Resolve, so they still win. cc.Cfg keeps the startup
// snapshot; reloadable settings are read through a config.Holder.
func (cc *CLIContext) applyReload(cfg *config.Resolved) {
	cc.level.Set(parseLevel(cfg.Logging.LogLevel))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
