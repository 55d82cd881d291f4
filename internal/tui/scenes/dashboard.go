// Package scenes provides the TUI scenes for fleet-triage.
package scenes

import (
	"fmt"
	"strings"
	"time"

	"fleet-triage/internal/report"
	"fleet-triage/internal/schema"
	"fleet-triage/internal/triage"
	"fleet-triage/internal/tui/api"
	"fleet-triage/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TickMsg is sent on each tick - exported for use by parent model
type TickMsg struct {
	Scene string
	Time  time.Time
}

// CollectDoneMsg reports the end of a collection triggered from the TUI.
type CollectDoneMsg struct {
	Summary string
	Err     error
}

// DashboardScene displays the fleet health score and the hottest patterns.
type DashboardScene struct {
	client     *api.Client
	health     *api.HealthResponse
	report     *report.Report
	err        error
	width      int
	height     int
	lastUpdate time.Time
	loading    bool
}

// dashboardMsg carries updated dashboard data
type dashboardMsg struct {
	health *api.HealthResponse
	report *report.Report
	err    error
}

// NewDashboardScene creates a new dashboard scene
func NewDashboardScene(client *api.Client) *DashboardScene {
	return &DashboardScene{
		client:  client,
		loading: true,
	}
}

// Init fetches the initial data.
func (d *DashboardScene) Init() tea.Cmd {
	return d.fetch()
}

func (d *DashboardScene) fetch() tea.Cmd {
	return func() tea.Msg {
		health, err := d.client.GetHealth()
		if err != nil {
			return dashboardMsg{err: err}
		}
		rep, err := d.client.GetReport()
		return dashboardMsg{health: health, report: rep, err: err}
	}
}

// TickCmd returns a command that ticks every interval
// IMPORTANT: This is returned by the parent model only when this scene is active
func (d *DashboardScene) TickCmd() tea.Cmd {
	return tea.Tick(10*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "dashboard", Time: t}
	})
}

// Update handles messages for the dashboard
func (d *DashboardScene) Update(msg tea.Msg) (*DashboardScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		return d, nil

	case tea.KeyMsg:
		if msg.String() == "r" {
			d.loading = true
			return d, d.fetch()
		}
		return d, nil

	case dashboardMsg:
		d.loading = false
		d.err = msg.err
		if msg.health != nil {
			d.health = msg.health
		}
		if msg.report != nil {
			d.report = msg.report
		}
		d.lastUpdate = time.Now()
		return d, nil

	case CollectDoneMsg:
		return d, d.fetch()

	case TickMsg:
		// Only respond to our own ticks
		if msg.Scene == "dashboard" {
			return d, d.fetch()
		}
		return d, nil
	}

	return d, nil
}

// View renders the dashboard
func (d *DashboardScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Fleet Health"))
	b.WriteString("\n\n")

	if d.loading && d.report == nil {
		b.WriteString(styles.Muted.Render("Loading..."))
		return b.String()
	}

	if d.err != nil {
		b.WriteString(styles.Bad.Render(fmt.Sprintf("Error: %v", d.err)))
		b.WriteString("\n\n")
	}

	if d.health != nil {
		status := styles.Good.Render("● IDLE")
		if d.health.Running {
			status = styles.Warn.Render("● COLLECTING")
		}
		b.WriteString(fmt.Sprintf("  Server: %s  uptime %s\n\n", status, api.FormatUptime(d.health.UptimeSeconds)))
	}

	if d.report == nil {
		return b.String()
	}

	counts := triage.CountByPriority(d.report.Clusters)
	cards := []string{
		d.renderMetricCard("Stability", styles.Grade(d.report.Grade).Render(fmt.Sprintf("%d/100", d.report.Score))),
		d.renderMetricCard("Events", styles.CardValue.Render(formatNumber(int64(d.report.Total)))),
		d.renderMetricCard("Urgent patterns", styles.Priority(schema.PriorityUrgent).Render(fmt.Sprintf("%d", counts[schema.PriorityUrgent]))),
		d.renderMetricCard("Hosts", styles.CardValue.Render(fmt.Sprintf("%d", len(d.report.Hosts)))),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cards...))
	b.WriteString("\n\n")

	b.WriteString(styles.Subtitle.Render("  Hotspots"))
	b.WriteString("\n")
	if len(d.report.Hotspots) == 0 {
		b.WriteString(styles.Muted.Render("  No patterns in the current window."))
		b.WriteString("\n")
	}
	for i, c := range d.report.Hotspots {
		if i == 5 {
			break
		}
		b.WriteString(fmt.Sprintf("  %s %5d  %-12s %s\n",
			styles.Priority(c.Priority).Render(fmt.Sprintf("%-7s", c.Priority)),
			c.Count, truncate(c.Host, 12), truncate(c.Message, 60)))
	}

	if len(d.report.Advisories) > 0 {
		b.WriteString("\n")
		b.WriteString(styles.Subtitle.Render("  Advisories"))
		b.WriteString("\n")
		for _, a := range d.report.Advisories {
			b.WriteString("  • " + a + "\n")
		}
	}

	if !d.lastUpdate.IsZero() {
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  Last updated: %s", d.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (d *DashboardScene) renderMetricCard(label, value string) string {
	return styles.Card.Render(fmt.Sprintf("%s\n%s", value, styles.CardLabel.Render(label)))
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

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
