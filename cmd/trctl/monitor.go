package main

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskrouter/internal/monitor"
)

var (
	monitorInterval   time.Duration
	monitorMetricsURL string
)

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 5*time.Second, "refresh interval")
	monitorCmd.Flags().StringVar(&monitorMetricsURL, "metrics-url", "", "Prometheus-compatible query URL (e.g. http://localhost:9090)")
}

// monitorCmd shows the live dashboard
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live routing dashboard",
	Long: `Show a live dashboard of taskrouterd: health, registry version and
namespace sizes from the server, plus request rate, latency, outcomes and
stage timings when --metrics-url points at a Prometheus-compatible store
scraping the daemon's /metrics endpoint.

Keys: r refreshes, q quits.

Examples:
  trctl monitor
  trctl monitor --metrics-url http://localhost:9090 --interval 2s`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func runMonitor(cmd *cobra.Command, args []string) error {
	fetcher := monitor.RouterFetcher{Router: newClient()}
	if monitorMetricsURL != "" {
		fetcher.Metrics = monitor.NewMetricsClient(monitorMetricsURL)
	}
	m := monitor.NewModel(fetcher, serverURL, monitorInterval)
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
	return err
}
