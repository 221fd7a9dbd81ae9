// Package main implements trctl, the command-line client for taskrouterd.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskrouter/internal/client"
)

var (
	// serverURL is the base URL for the taskrouterd HTTP server
	serverURL string
	// requestTimeout bounds every API call
	requestTimeout time.Duration
	// noSpinner disables the progress spinner
	noSpinner bool
	// version information
	version = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trctl",
	Short: "CLI for taskrouterd",
	Long: `trctl is a command-line interface for the taskrouterd routing daemon.
It submits tasks for analysis, executes task graphs, checks server health,
validates catalog files and shows a live dashboard.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", client.DefaultURL, "taskrouterd server URL")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 90*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&noSpinner, "no-spinner", false, "disable the progress spinner")
	rootCmd.AddCommand(healthCmd)
}

func newClient() *client.Client {
	return client.New(serverURL, requestTimeout)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check taskrouterd health",
	Long: `Check the health of the taskrouterd server, its dependencies and the
published registry version.

Examples:
  # Check health
  trctl health

  # Check health on a different server
  trctl health --server http://router.internal:9191`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	c := newClient()
	resp, err := c.Health(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.BaseURL(), err)
	}

	fmt.Fprint(cmd.OutOrStdout(), renderHealth(resp, c.BaseURL()))
	if resp.Status != "ok" {
		return fmt.Errorf("server is %s", resp.Status)
	}
	return nil
}
