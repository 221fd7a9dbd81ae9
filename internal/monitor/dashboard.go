// Package monitor renders a live terminal dashboard of a running router.
package monitor

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/taskrouter/internal/client"
	httpserver "github.com/fyrsmithlabs/taskrouter/internal/http"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	fetchTimeout    = 5 * time.Second
)

// stageOrder is the order stages run in.
var stageOrder = []string{"semantic", "intent", "planner", "policy", "dispatch"}

// Snapshot is one refresh of the dashboard.
type Snapshot struct {
	Health   *httpserver.HealthResponse
	Registry *httpserver.RegistryVersionResponse

	// Metrics fields are only set when a metrics store is configured.
	HasMetrics     bool
	MetricsErr     error
	RequestRate    float64
	LatencyP95     float64
	Outcomes       map[string]float64
	StageP95       map[string]float64
	Hallucinations float64
	Degraded       float64
	NodeFailures   map[string]float64
}

// DispatchShare is the fraction of recent runs that dispatched.
func (s Snapshot) DispatchShare() float64 {
	var total float64
	for _, v := range s.Outcomes {
		total += v
	}
	if total == 0 {
		return 0
	}
	return s.Outcomes["dispatched"] / total
}

// Fetcher collects snapshots.
type Fetcher interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

// RouterFetcher reads the router API and, when Metrics is set, the
// metrics store. Only an unreachable router fails the fetch.
type RouterFetcher struct {
	Router  *client.Client
	Metrics *MetricsClient
}

// Fetch implements Fetcher.
func (f RouterFetcher) Fetch(ctx context.Context) (Snapshot, error) {
	var (
		s   Snapshot
		err error
	)
	if s.Health, err = f.Router.Health(ctx); err != nil {
		return Snapshot{}, err
	}
	if s.Registry, err = f.Router.RegistryVersion(ctx); err != nil {
		return Snapshot{}, err
	}
	if f.Metrics == nil {
		return s, nil
	}

	s.HasMetrics = true
	s.MetricsErr = f.fetchMetrics(ctx, &s)
	return s, nil
}

func (f RouterFetcher) fetchMetrics(ctx context.Context, s *Snapshot) error {
	var err error
	if s.RequestRate, err = f.Metrics.QueryRequestRate(ctx); err != nil {
		return err
	}
	if s.LatencyP95, err = f.Metrics.QueryLatencyP95(ctx); err != nil {
		return err
	}
	if s.Outcomes, err = f.Metrics.QueryOutcomes(ctx); err != nil {
		return err
	}
	if s.StageP95, err = f.Metrics.QueryStageLatencyP95(ctx); err != nil {
		return err
	}
	if s.Hallucinations, err = f.Metrics.QueryHallucinations(ctx); err != nil {
		return err
	}
	if s.Degraded, err = f.Metrics.QuerySemanticDegraded(ctx); err != nil {
		return err
	}
	s.NodeFailures, err = f.Metrics.QueryNodeFailures(ctx)
	return err
}

// Model is the bubbletea dashboard model.
type Model struct {
	fetcher    Fetcher
	target     string
	interval   time.Duration
	lastUpdate time.Time
	snap       Snapshot
	err        error
	quitting   bool
	now        func() time.Time

	rateHistory    []float64
	latencyHistory []float64
	shareHistory   []float64

	dispatchProgress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard polling fetcher every interval. target is
// shown in the header and error view.
func NewModel(fetcher Fetcher, target string, interval time.Duration) Model {
	return Model{
		fetcher:  fetcher,
		target:   target,
		interval: interval,
		now:      time.Now,
		dispatchProgress: progress.New(
			progress.WithGradient("#ff0000", "#00ff00"),
			progress.WithWidth(40),
		),
		rateHistory:    make([]float64, 0, historySize),
		latencyHistory: make([]float64, 0, historySize),
		shareHistory:   make([]float64, 0, historySize),
	}
}

// statusBadge renders the router health.
func statusBadge(status string) string {
	switch status {
	case "ok":
		return healthyStyle.Render("✓ HEALTHY")
	case "degraded":
		return warningStyle.Render("⚠ DEGRADED")
	default:
		return errorStyle.Render("✗ " + strings.ToUpper(status))
	}
}

// serviceBadge renders one dependency check result.
func serviceBadge(result string) string {
	if result == "ok" {
		return healthyStyle.Render("[✓]")
	}
	return errorStyle.Render("[✗]")
}

// countBadge marks counters that should stay at zero.
func countBadge(n float64) string {
	if n == 0 {
		return healthyStyle.Render("[✓]")
	}
	return warningStyle.Render("[⚠]")
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg struct{ err error }

// Init starts the refresh loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetch(m.fetcher),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetch(f Fetcher) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		s, err := f.Fetch(ctx)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg(s)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetch(m.fetcher)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetch(m.fetcher),
		)

	case snapshotMsg:
		s := Snapshot(msg)
		if s.HasMetrics && s.MetricsErr == nil {
			m.rateHistory = appendToHistory(m.rateHistory, s.RequestRate)
			m.latencyHistory = appendToHistory(m.latencyHistory, s.LatencyP95*1000)
			m.shareHistory = appendToHistory(m.shareHistory, s.DispatchShare()*100)
		}
		m.snap = s
		m.lastUpdate = m.now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" taskrouter Monitor ") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach taskrouterd") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.target) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("Start the daemon with: taskrouterd -config <path>") + "\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")
	return containerStyle.Render(b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder

	lastUpdate := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("3:04:05 PM")
	}
	status := "waiting"
	if m.snap.Health != nil {
		status = m.snap.Health.Status
	}
	b.WriteString(headerStyle.Render(" taskrouter Monitor ") + "\n")
	b.WriteString(fmt.Sprintf("%s   %s   %s\n",
		statusBadge(status),
		dimStyle.Render(m.target),
		dimStyle.Render(lastUpdate)))

	if r := m.snap.Registry; r != nil {
		b.WriteString("\n" + sectionStyle.Render("┃ Registry") + "\n")
		b.WriteString(labelStyle.Render("  Version: ") + valueStyle.Render(fmt.Sprintf("v%d", r.Version)) +
			"  " + dimStyle.Render("published "+FormatAge(r.PublishedAt, m.now())) + "\n")
		b.WriteString(labelStyle.Render("  Intents: ") + valueStyle.Render(fmt.Sprintf("%d", r.ActiveIntents)) +
			"  " + labelStyle.Render("Capabilities: ") + valueStyle.Render(fmt.Sprintf("%d", r.ActiveCapabilities)) + "\n")
	}

	if h := m.snap.Health; h != nil {
		if len(h.Services) > 0 {
			b.WriteString("\n" + sectionStyle.Render("┃ Services") + "\n")
			for _, name := range slices.Sorted(maps.Keys(h.Services)) {
				result := h.Services[name]
				b.WriteString(labelStyle.Render("  "+name+": ") + serviceBadge(result) + " " + dimStyle.Render(result) + "\n")
			}
		}
		if len(h.Namespaces) > 0 {
			b.WriteString("\n" + sectionStyle.Render("┃ Namespaces") + "\n")
			for _, name := range slices.Sorted(maps.Keys(h.Namespaces)) {
				b.WriteString(labelStyle.Render("  "+name+": ") + valueStyle.Render(FormatCount(h.Namespaces[name])) + "\n")
			}
		}
	}

	b.WriteString(m.renderMetrics())

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}

func (m Model) renderMetrics() string {
	var b strings.Builder
	s := m.snap
	switch {
	case !s.HasMetrics:
		b.WriteString("\n" + dimStyle.Render("Metrics: not configured (--metrics-url)") + "\n")
		return b.String()
	case s.MetricsErr != nil:
		b.WriteString("\n" + warningStyle.Render("⚠ Metrics unavailable: ") + dimStyle.Render(s.MetricsErr.Error()) + "\n")
		return b.String()
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Traffic") + "\n")
	b.WriteString(labelStyle.Render("  Rate: ") + valueStyle.Render(FormatRate(s.RequestRate)) +
		"   " + createSparkline(m.rateHistory) + "\n")
	b.WriteString(labelStyle.Render("  Latency (p95): ") + valueStyle.Render(FormatLatency(s.LatencyP95)) +
		"   " + createSparkline(m.latencyHistory) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Outcomes (5m)") + "\n")
	if len(s.Outcomes) == 0 {
		b.WriteString(dimStyle.Render("  no runs") + "\n")
	}
	for _, outcome := range slices.Sorted(maps.Keys(s.Outcomes)) {
		b.WriteString(labelStyle.Render("  "+outcome+": ") + valueStyle.Render(fmt.Sprintf("%.0f", s.Outcomes[outcome])) + "\n")
	}
	share := s.DispatchShare()
	b.WriteString(labelStyle.Render("  Dispatched: ") + m.dispatchProgress.ViewAs(share) +
		" " + dimStyle.Render(FormatPercentage(share)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Stages (p95)") + "\n")
	for _, stage := range stageOrder {
		v, ok := s.StageP95[stage]
		value := dimStyle.Render("n/a")
		if ok {
			value = valueStyle.Render(FormatLatency(v))
		}
		b.WriteString(labelStyle.Render(fmt.Sprintf("  %-9s", stage)) + value + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Safety (5m)") + "\n")
	b.WriteString(labelStyle.Render("  Hallucinations: ") + valueStyle.Render(fmt.Sprintf("%.0f", s.Hallucinations)) + " " + countBadge(s.Hallucinations) +
		"  " + labelStyle.Render("Degraded: ") + valueStyle.Render(fmt.Sprintf("%.0f", s.Degraded)) + " " + countBadge(s.Degraded) + "\n")
	for _, agent := range slices.Sorted(maps.Keys(s.NodeFailures)) {
		n := s.NodeFailures[agent]
		b.WriteString(labelStyle.Render("  "+agent+" failures: ") + valueStyle.Render(fmt.Sprintf("%.0f", n)) + " " + countBadge(n) + "\n")
	}
	return b.String()
}
