// Package scenes provides TUI scenes for the otwatch monitor
package scenes

import (
	"fmt"
	"strings"
	"time"

	"otwatch/internal/tui/api"
	"otwatch/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// DashboardScene displays the threat summary and backend metrics
type DashboardScene struct {
	client     *api.Client
	stats      *api.Stats
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

// statsMsg carries updated stats
type statsMsg struct {
	stats *api.Stats
	err   error
}

// NewDashboardScene creates a new dashboard scene
func NewDashboardScene(client *api.Client) *DashboardScene {
	return &DashboardScene{
		client:  client,
		loading: true,
		stats: &api.Stats{
			Healthy: false,
		},
	}
}

// Init initializes the dashboard scene - fetches initial data
func (d *DashboardScene) Init() tea.Cmd {
	return d.fetchStats()
}

// fetchStats fetches stats from the API
func (d *DashboardScene) fetchStats() tea.Cmd {
	return func() tea.Msg {
		stats, err := d.client.GetStats()
		return statsMsg{stats: stats, err: err}
	}
}

// TickCmd returns a command that ticks every interval
// IMPORTANT: This is returned by the parent model only when this scene is active
func (d *DashboardScene) TickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "dashboard", Time: t}
	})
}

// TickMsg is sent on each tick - exported for use by parent model
type TickMsg struct {
	Scene string
	Time  time.Time
}

// Update handles messages for the dashboard
func (d *DashboardScene) Update(msg tea.Msg) (*DashboardScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		return d, nil

	case statsMsg:
		d.loading = false
		d.stats = msg.stats
		d.err = msg.err
		d.lastUpdate = time.Now()
		return d, nil

	case TickMsg:
		// Only respond to our own ticks
		if msg.Scene == "dashboard" {
			return d, d.fetchStats()
		}
		return d, nil
	}

	return d, nil
}

// View renders the dashboard
func (d *DashboardScene) View() string {
	var b strings.Builder

	// Title
	title := styles.Title.Render("  OT Threat Dashboard")
	b.WriteString(title)
	b.WriteString("\n\n")

	if d.loading {
		b.WriteString(styles.Muted.Render("Loading..."))
		return b.String()
	}

	if d.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("Error: %v", d.err)))
		b.WriteString("\n")
	}

	// Status indicator
	var statusText string
	if d.stats.Healthy {
		statusText = styles.StatusOK.Render("● HEALTHY")
	} else {
		statusText = styles.StatusError.Render("● UNHEALTHY")
	}
	b.WriteString(fmt.Sprintf("  Status: %s\n\n", statusText))

	// Metrics cards in a row
	cards := []string{
		d.renderMetricCard("Threats Total", formatNumber(d.stats.TotalThreats)),
		d.renderMetricCard("Last 24h", formatNumber(d.stats.ThreatsLast24h)),
		d.renderMetricCard("Open Critical", formatNumber(d.stats.OpenCritical)),
		d.renderMetricCard("Attack Sources", fmt.Sprintf("%d", d.stats.AttackSources)),
		d.renderMetricCard("Risk Score", fmt.Sprintf("%d", d.stats.RiskScore)),
	}

	cardRow := lipgloss.JoinHorizontal(lipgloss.Top, cards...)
	b.WriteString(cardRow)
	b.WriteString("\n\n")

	// Triage status section
	b.WriteString(styles.Subtitle.Render("  Triage"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  %s New: %s   Investigating: %s   Completed: %s\n",
		styles.StatusWarning.Render("●"),
		styles.MetricValue.Render(formatNumber(d.stats.NewThreats)),
		styles.MetricValue.Render(formatNumber(d.stats.InvestigatingThreats)),
		styles.MetricValue.Render(formatNumber(d.stats.CompletedThreats)),
	))
	b.WriteString("\n")

	// Pipeline section
	b.WriteString(styles.Subtitle.Render("  Intake Pipeline"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  Alarms: %s (%.1f/s)   Queue: %d/%d   Analyses 24h: %s\n",
		formatNumber(d.stats.AlarmsTotal),
		d.stats.AlarmsPerSec,
		d.stats.QueueDepth, d.stats.QueueCapacity,
		formatNumber(d.stats.AnalysesLast24h),
	))
	b.WriteString("\n")

	// Last update
	if !d.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  Last updated: %s", d.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (d *DashboardScene) renderMetricCard(label, value string) string {
	card := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(styles.MutedColor).
		Padding(0, 2).
		Width(18).
		Align(lipgloss.Center)

	content := fmt.Sprintf("%s\n%s",
		styles.MetricValue.Render(value),
		styles.MetricLabel.Render(label),
	)

	return card.Render(content)
}

func formatNumber(n int64) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}
