// Package tui provides a terminal user interface for fleet-triage.
package tui

import (
	"fmt"
	"strings"

	"fleet-triage/internal/tui/api"
	"fleet-triage/internal/tui/scenes"
	"fleet-triage/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Scene represents the current view
type Scene int

const (
	SceneDashboard Scene = iota
	SceneClusters
	SceneHosts

	sceneCount = 3
)

// Model is the main TUI model
type Model struct {
	client *api.Client

	// Current scene
	scene Scene

	// Scene models - only the active one receives ticks
	dashboard *scenes.DashboardScene
	clusters  *scenes.ClustersScene
	hosts     *scenes.HostsScene

	// collecting is set while a fleet run started from the TUI is in flight
	collecting bool
	status     string

	// Window dimensions
	width  int
	height int

	// Whether we're quitting
	quitting bool
}

// New creates a new TUI model
func New(baseURL string) *Model {
	client := api.NewClient(baseURL)

	return &Model{
		client:    client,
		scene:     SceneDashboard,
		dashboard: scenes.NewDashboardScene(client),
		clusters:  scenes.NewClustersScene(client),
		hosts:     scenes.NewHostsScene(client),
	}
}

// Init initializes the TUI
func (m *Model) Init() tea.Cmd {
	// Only the dashboard fetches at startup
	return tea.Batch(
		m.dashboard.Init(),
		m.getActiveSceneTickCmd(),
	)
}

// getActiveSceneTickCmd returns the tick command for the active scene only
func (m *Model) getActiveSceneTickCmd() tea.Cmd {
	switch m.scene {
	case SceneDashboard:
		return m.dashboard.TickCmd()
	case SceneClusters:
		return m.clusters.TickCmd()
	case SceneHosts:
		return m.hosts.TickCmd()
	default:
		return nil
	}
}

// activate switches to scene and starts its fetch and ticker.
func (m *Model) activate(scene Scene) tea.Cmd {
	if m.scene == scene {
		return nil
	}
	m.scene = scene
	switch scene {
	case SceneDashboard:
		return tea.Batch(m.dashboard.Init(), m.dashboard.TickCmd())
	case SceneClusters:
		return tea.Batch(m.clusters.Init(), m.clusters.TickCmd())
	case SceneHosts:
		return tea.Batch(m.hosts.Init(), m.hosts.TickCmd())
	}
	return nil
}

// collect triggers a fleet run on the server.
func (m *Model) collect() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		run, err := client.Collect()
		if err != nil {
			return scenes.CollectDoneMsg{Err: err}
		}
		s := run.Summary
		return scenes.CollectDoneMsg{Summary: fmt.Sprintf(
			"collected %d, cached %d, unreachable %d, failed %d",
			s.Collected, s.Cached, s.Unreachable, s.Failed)}
	}
}

// Update handles all messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit

		case "1":
			return m, m.activate(SceneDashboard)
		case "2":
			return m, m.activate(SceneClusters)
		case "3":
			return m, m.activate(SceneHosts)

		// Tab key cycles through scenes
		case "tab":
			return m, m.activate((m.scene + 1) % sceneCount)

		case "c":
			if m.collecting {
				return m, nil
			}
			m.collecting = true
			m.status = "collecting from the fleet..."
			return m, m.collect()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		// Pass to all scenes so they can adjust
		m.dashboard, _ = m.dashboard.Update(msg)
		m.clusters, _ = m.clusters.Update(msg)
		m.hosts, _ = m.hosts.Update(msg)
		return m, nil

	case scenes.CollectDoneMsg:
		m.collecting = false
		if msg.Err != nil {
			m.status = "collection failed: " + msg.Err.Error()
		} else {
			m.status = msg.Summary
		}
		// Fall through so the active scene refreshes

	case scenes.TickMsg:
		// Only forward tick to the active scene
		var cmd tea.Cmd
		switch m.scene {
		case SceneDashboard:
			m.dashboard, cmd = m.dashboard.Update(msg)
		case SceneClusters:
			m.clusters, cmd = m.clusters.Update(msg)
		case SceneHosts:
			m.hosts, cmd = m.hosts.Update(msg)
		}
		if cmd != nil {
			cmds = append(cmds, cmd)
		}
		// Schedule next tick for the active scene only
		cmds = append(cmds, m.getActiveSceneTickCmd())
		return m, tea.Batch(cmds...)
	}

	// Forward other messages to active scene only
	var cmd tea.Cmd
	switch m.scene {
	case SceneDashboard:
		m.dashboard, cmd = m.dashboard.Update(msg)
	case SceneClusters:
		m.clusters, cmd = m.clusters.Update(msg)
	case SceneHosts:
		m.hosts, cmd = m.hosts.Update(msg)
	}

	if cmd != nil {
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// View renders the current view
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.scene {
	case SceneDashboard:
		b.WriteString(m.dashboard.View())
	case SceneClusters:
		b.WriteString(m.clusters.View())
	case SceneHosts:
		b.WriteString(m.hosts.View())
	}

	b.WriteString("\n")
	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(styles.Subtitle.Render("  " + m.status))
	}
	b.WriteString("\n")
	b.WriteString(m.renderFooter())

	return b.String()
}

func (m *Model) renderHeader() string {
	tabs := []struct {
		name  string
		key   string
		scene Scene
	}{
		{"Dashboard", "1", SceneDashboard},
		{"Patterns", "2", SceneClusters},
		{"Hosts", "3", SceneHosts},
	}

	var tabViews []string
	for _, tab := range tabs {
		label := fmt.Sprintf(" %s %s ", tab.key, tab.name)
		if tab.scene == m.scene {
			tabViews = append(tabViews, styles.TabActive.Render(label))
		} else {
			tabViews = append(tabViews, styles.TabInactive.Render(label))
		}
	}

	tabBar := lipgloss.JoinHorizontal(lipgloss.Top, tabViews...)

	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.Dim).
		Width(m.width).
		Render(tabBar)
}

func (m *Model) renderFooter() string {
	help := " [1-3] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [r] Refresh  [c] Collect  [q] Quit "
	return styles.Help.Render(help)
}

// Run starts the TUI application
func Run(baseURL string) error {
	m := New(baseURL)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
