// Package cmd defines the CLI commands of the backfill executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/econ-calendar-crawler/internal/config"
	"github.com/JakeFAU/econ-calendar-crawler/internal/logging"
)

// flagKeys maps command-line flags onto configuration keys. A flag only
// overrides the configuration when it is set explicitly.
var flagKeys = map[string]string{
	"start":       "job.start",
	"end":         "job.end",
	"chunk-days":  "job.chunk_days",
	"workers":     "job.max_workers",
	"attempts":    "job.max_attempts",
	"base-delay":  "job.base_delay",
	"deadline":    "job.deadline",
	"interval":    "checkpoint.interval",
	"fetcher":     "fetcher.kind",
	"status-addr": "status.addr",
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Backfills the economic calendar over a date span.",
		Long: `backfill splits a date span into fixed-size ranges, fetches each range
from the economic calendar with a bounded pool of workers, retries failed
ranges with linear backoff and checkpoints progress so failed or unfinished
ranges can be re-run later.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newRunCmd(&cfgFile))
	cmd.AddCommand(newRangesCmd(&cfgFile))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration with explicitly set flags layered on top.
func loadConfig(flags *pflag.FlagSet, path string) (config.Config, error) {
	v := viper.New()
	var bindErr error
	flags.Visit(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			bindErr = errors.Join(bindErr, v.BindPFlag(key, f))
		}
	})
	if bindErr != nil {
		return config.Config{}, fmt.Errorf("bind flags: %w", bindErr)
	}
	cfg, err := config.Load(v, path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setup loads configuration and builds the logger for a subcommand.
func setup(cmd *cobra.Command, cfgFile string) (config.Config, *zap.Logger, error) {
	cfg, err := loadConfig(cmd.Flags(), cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}
