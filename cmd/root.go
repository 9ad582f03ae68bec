// Package cmd defines the CLI commands of the frontier executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlfrontier/internal/app"
	"github.com/JakeFAU/crawlfrontier/internal/config"
)

// Runner is the part of the application the run command drives.
// Tests swap in a fake through newApp.
type Runner interface {
	Run(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config) (Runner, error) {
	return app.Build(ctx, cfg)
}

type rootOptions struct {
	configPath string
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "frontier",
		Short: "Crawl frontier and fetch scheduler",
		Long: `frontier keeps the queues of discovered URLs, schedules fetches with
per-host politeness, and exchanges remote crawl work with peers.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
