package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlfrontier/internal/config"
)

type statusOptions struct {
	addr    string
	timeout time.Duration
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Prints queue sizes of a running frontier",
		Long: `Queries the admin API of a running frontier. The state directory is
locked by the running process, so status never opens it directly.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr := opts.addr
			if addr == "" {
				cfg, err := config.Load(root.configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				addr = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
			}
			return printStatus(cmd.Context(), cmd.OutOrStdout(), addr, opts.timeout)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "base URL of the admin API (default from server.port)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func printStatus(ctx context.Context, out io.Writer, addr string, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/v1/frontier", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("query frontier: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("query frontier: unexpected status %s", resp.Status)
	}

	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode frontier stats: %w", err)
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(out, "%-20s %v\n", k, stats[k]); err != nil {
			return fmt.Errorf("write status: %w", err)
		}
	}
	return nil
}
