package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/config"
	"github.com/spf13/cobra"
)

const serviceName = "prime-keeper"

// loadConfig is replaced in tests.
var loadConfig = config.Load

// app carries what every subcommand needs once the root has run.
type app struct {
	logLevel  string
	logFormat string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{logger: slog.Default()}

	cmd := &cobra.Command{
		Use:           "keeper",
		Short:         "Prime account keeper",
		Long:          "Sweeps position fees across prime accounts and maintains token manager debt coverage.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.OutOrStdout())
		},
	}

	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug|info|warn|error), overrides LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "json", "log format (json|text)")

	cmd.AddCommand(
		newSweepCommand(a),
		newServeCommand(a),
		newCoverageCommand(a),
		newTokenSyncCommand(a),
		newBenchmarksCommand(a),
		newProgressCommand(a),
	)
	return cmd
}

func (a *app) init(w io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level := a.logLevel
	if level == "" {
		level = cfg.Log.Level
	}
	logger, err := newLogger(w, level, a.logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	a.cfg = cfg
	a.logger = logger
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "json", "":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: must be json or text", format)
	}
}
