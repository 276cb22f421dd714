// Package cmd defines and implements the CLI commands for the scrapegate
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapegate/internal/config"
	"github.com/JakeFAU/scrapegate/internal/logging"
	"github.com/JakeFAU/scrapegate/internal/server"
)

// App is the surface serve needs from the application. Tests swap in a fake.
type App interface {
	Run(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return server.Build(ctx, cfg, logger)
}

type options struct {
	cfgFile string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "scrapegate",
		Short: "Multi-tenant scrape and crawl gateway.",
		Long: `scrapegate accepts scrape, batch and crawl requests over HTTP, admits them
under per-team concurrency limits and runs them on a pool of fetch workers.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newStatusCmd())
	return cmd
}

func loadConfig(opts *options) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger init failed: %w", err)
	}
	return cfg, logger, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
