package scenes

import (
	"fmt"
	"strings"
	"time"

	"fleet-triage/internal/collector"
	"fleet-triage/internal/report"
	"fleet-triage/internal/service"
	"fleet-triage/internal/tui/api"
	"fleet-triage/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
)

// HostsScene shows the outcome of the last fleet run per host.
type HostsScene struct {
	client     *api.Client
	run        *service.Run
	stats      map[string]report.HostStat
	err        error
	width      int
	height     int
	loading    bool
	lastUpdate time.Time
}

// hostsMsg carries the last run and per-host report stats
type hostsMsg struct {
	run   *service.Run
	stats []report.HostStat
	err   error
}

// NewHostsScene creates a new hosts scene
func NewHostsScene(client *api.Client) *HostsScene {
	return &HostsScene{
		client:  client,
		loading: true,
	}
}

// Init initializes the hosts scene
func (h *HostsScene) Init() tea.Cmd {
	return h.fetch()
}

func (h *HostsScene) fetch() tea.Cmd {
	return func() tea.Msg {
		run, err := h.client.GetLastRun()
		if err != nil {
			return hostsMsg{err: err}
		}
		rep, err := h.client.GetReport()
		if err != nil {
			return hostsMsg{run: run, err: err}
		}
		return hostsMsg{run: run, stats: rep.Hosts}
	}
}

// TickCmd returns a command that ticks every interval
func (h *HostsScene) TickCmd() tea.Cmd {
	return tea.Tick(30*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "hosts", Time: t}
	})
}

// Update handles messages for the hosts scene
func (h *HostsScene) Update(msg tea.Msg) (*HostsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		h.width = msg.Width
		h.height = msg.Height
		return h, nil

	case tea.KeyMsg:
		if msg.String() == "r" {
			h.loading = true
			return h, h.fetch()
		}
		return h, nil

	case hostsMsg:
		h.loading = false
		h.err = msg.err
		if msg.run != nil {
			h.run = msg.run
		}
		if msg.stats != nil {
			h.stats = make(map[string]report.HostStat, len(msg.stats))
			for _, s := range msg.stats {
				h.stats[s.Host] = s
			}
		}
		h.lastUpdate = time.Now()
		return h, nil

	case CollectDoneMsg:
		return h, h.fetch()

	case TickMsg:
		if msg.Scene == "hosts" {
			return h, h.fetch()
		}
		return h, nil
	}

	return h, nil
}

// View renders the per-host table
func (h *HostsScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Fleet Hosts"))
	b.WriteString("\n\n")

	if h.loading && h.run == nil {
		b.WriteString(styles.Muted.Render("  Loading hosts..."))
		return b.String()
	}

	if h.err != nil {
		b.WriteString(styles.Bad.Render(fmt.Sprintf("  Error: %v", h.err)))
		b.WriteString("\n\n")
	}

	if h.run == nil {
		b.WriteString(styles.Muted.Render("  No fleet run yet. Press [c] to collect."))
		return b.String()
	}

	s := h.run.Summary
	b.WriteString(styles.Subtitle.Render(fmt.Sprintf(
		"  Last run %s: %d collected, %d cached, %d unreachable, %d failed",
		h.run.FinishedAt.Local().Format("2006-01-02 15:04:05"),
		s.Collected, s.Cached, s.Unreachable, s.Failed)))
	b.WriteString("\n\n")

	header := fmt.Sprintf("  %-16s %-12s %8s %7s %-20s %s",
		"Host", "Status", "Records", "Urgent", "Last boot", "Detail")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	for _, r := range h.run.Results {
		b.WriteString(h.renderRow(r))
		b.WriteString("\n")
	}

	if !h.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  [r] Refresh  |  Updated: %s", h.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (h *HostsScene) renderRow(r collector.HostResult) string {
	stat := h.stats[r.Host]
	boot := "-"
	if stat.LastBoot != nil {
		boot = stat.LastBoot.Local().Format("2006-01-02 15:04")
	}

	detail := r.Message
	if detail == "" {
		detail = r.Error
	}
	if detail == "" && r.Location != "" {
		detail = r.Location
	}

	return fmt.Sprintf("  %-16s %s %8d %7d %-20s %s",
		truncate(r.Host, 16), styles.HostStatus(r.Status).Render(fmt.Sprintf("%-12s", r.Status)),
		stat.Records, stat.Urgent, boot, truncate(detail, 50))
}

