package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlfrontier/internal/config"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Starts the frontier service",
		Long: `Opens the frontier queues, starts the core, remote and remote-loader
jobs plus the indexer, and serves the admin API until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd.Context(), opts)
		},
	}
}

func runService(ctx context.Context, opts *rootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init application: %w", err)
	}
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
