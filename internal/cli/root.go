// Package cli implements the fsbatch command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/fsbatch/internal/config"
)

// Version is the fsbatch release.
const Version = "0.1.0"

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
}

// NewRootCmd builds the fsbatch command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "fsbatch",
		Short: "Fault-isolating batch runner for the column safety-factor engine",
		Long: `fsbatch splits a list of column load cases into lots and runs each lot in
its own worker process. A hung or crashing engine only costs the items it was
computing; every request gets exactly one outcome in the final report.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newReportCmd(opts),
		newDimCmd(opts),
		newReapCmd(opts),
		newWorkerCmd(opts),
	)
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fsbatch:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the global overrides.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return cfg, nil
}

// newLogger builds the process logger on stderr, teed to the rotated log
// file when one is configured. The returned func flushes and closes it.
func newLogger(cfg *config.Config, stderr io.Writer) (*slog.Logger, func()) {
	w, closer := config.OpenLogWriter(cfg.Log, stderr)
	logger := config.NewLogger(w, cfg.LogLevel())
	return logger, func() { _ = closer.Close() }
}
