package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ptoivanen/ranksync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDBPath     string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by PersistentPreRunE,
// available to all subcommands after the root pre-run phase completes.
var resolvedCfg *config.Config

// resolvedCfgPath is the config file location that was used, for hot-reload
// watching in serve.
var resolvedCfgPath string

// logLevel is shared with the config watcher so a hot reload can adjust
// verbosity without restarting.
var logLevel = new(slog.LevelVar)

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ranksync",
		Short:   "Fractional positioning server with offline-safe conflict resolution",
		Long: `ranksync keeps ordered lists consistent across devices that go offline.

Clients reorder optimistically against a local cache; the server re-derives
every position from authoritative state and resolves concurrent edits
deterministically by origin timestamp.`,
		Version: version,
		// Silence Cobra's default error/usage printing; we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "state database path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newRebalanceCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores the result for use by subcommands.
func loadConfig() error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
	}

	if flagDBPath != "" {
		cli.DBPath = &flagDBPath
	}

	cfg, path, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = cfg
	resolvedCfgPath = path

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win. The returned logger
// shares logLevel, so a config hot reload adjusts it in place.
func buildLogger() *slog.Logger {
	logLevel.Set(parseLevel(resolvedCfg.Logging.LogLevel))

	// CLI flags override config (highest priority).
	if flagVerbose {
		logLevel.Set(slog.LevelDebug)
	}

	if flagQuiet {
		logLevel.Set(slog.LevelError)
	}

	var out io.Writer = os.Stderr

	if resolvedCfg.Logging.LogFile != "" {
		f, err := os.OpenFile(resolvedCfg.Logging.LogFile,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err == nil {
			out = f
		}
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	switch resolvedCfg.Logging.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(out, opts))
	case "text":
		return slog.New(slog.NewTextHandler(out, opts))
	default:
		// "auto": human-readable on a terminal, JSON when piped.
		if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			return slog.New(slog.NewTextHandler(out, opts))
		}

		return slog.New(slog.NewJSONHandler(out, opts))
	}
}

func parseLevel(level string) slog.Level {
	switch level {
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

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
