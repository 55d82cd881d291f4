package scenes

import (
	"fmt"
	"strings"
	"time"

	"fleet-triage/internal/schema"
	"fleet-triage/internal/tui/api"
	"fleet-triage/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
)

// ClustersScene lists every aggregated event pattern, most urgent first.
type ClustersScene struct {
	client     *api.Client
	clusters   []schema.Cluster
	total      int
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

// clustersMsg carries updated clusters
type clustersMsg struct {
	clusters []schema.Cluster
	total    int
	err      string
}

// NewClustersScene creates a new clusters scene
func NewClustersScene(client *api.Client) *ClustersScene {
	return &ClustersScene{
		client:  client,
		loading: true,
		maxRows: 10,
	}
}

// Init initializes the clusters scene
func (c *ClustersScene) Init() tea.Cmd {
	return c.fetch()
}

func (c *ClustersScene) fetch() tea.Cmd {
	return func() tea.Msg {
		rep, err := c.client.GetReport()
		if err != nil {
			return clustersMsg{err: err.Error()}
		}
		return clustersMsg{clusters: rep.Clusters, total: rep.Total}
	}
}

// TickCmd returns a command that ticks every interval
func (c *ClustersScene) TickCmd() tea.Cmd {
	return tea.Tick(30*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "clusters", Time: t}
	})
}

// Update handles messages for the clusters scene
func (c *ClustersScene) Update(msg tea.Msg) (*ClustersScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		c.width = msg.Width
		c.height = msg.Height
		c.maxRows = max(5, c.height-12)
		return c, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if c.cursor > 0 {
				c.cursor--
				if c.cursor < c.offset {
					c.offset = c.cursor
				}
			}
		case "down", "j":
			if c.cursor < len(c.clusters)-1 {
				c.cursor++
				if c.cursor >= c.offset+c.maxRows {
					c.offset = c.cursor - c.maxRows + 1
				}
			}
		case "pgup":
			c.cursor = max(0, c.cursor-c.maxRows)
			c.offset = max(0, c.offset-c.maxRows)
		case "pgdown":
			c.cursor = max(0, min(len(c.clusters)-1, c.cursor+c.maxRows))
			c.offset = min(max(0, len(c.clusters)-c.maxRows), c.offset+c.maxRows)
		case "r":
			c.loading = true
			return c, c.fetch()
		}
		return c, nil

	case clustersMsg:
		c.loading = false
		c.err = msg.err
		if msg.err == "" {
			c.clusters = msg.clusters
			c.total = msg.total
		}
		c.lastUpdate = time.Now()
		if c.cursor >= len(c.clusters) {
			c.cursor = max(0, len(c.clusters)-1)
		}
		if c.offset > c.cursor {
			c.offset = c.cursor
		}
		return c, nil

	case CollectDoneMsg:
		return c, c.fetch()

	case TickMsg:
		if msg.Scene == "clusters" {
			return c, c.fetch()
		}
		return c, nil
	}

	return c, nil
}

// View renders the cluster table
func (c *ClustersScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Event Patterns"))
	b.WriteString("\n\n")

	if c.loading && len(c.clusters) == 0 {
		b.WriteString(styles.Muted.Render("  Loading patterns..."))
		return b.String()
	}

	if c.err != "" {
		b.WriteString(styles.Bad.Render(fmt.Sprintf("  Error: %s", c.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	if len(c.clusters) == 0 {
		b.WriteString(styles.Muted.Render("  No events collected yet."))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Press [c] to collect from the fleet."))
		return b.String()
	}

	b.WriteString(styles.Subtitle.Render(fmt.Sprintf("  %d patterns from %d events", len(c.clusters), c.total)))
	if c.loading {
		b.WriteString(styles.Muted.Render("  (refreshing...)"))
	}
	b.WriteString("\n\n")

	header := fmt.Sprintf("  %-8s %6s %-14s %6s %-12s %s",
		"Priority", "Count", "Host", "ID", "Level", "Message")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	endIdx := min(c.offset+c.maxRows, len(c.clusters))
	for i, cl := range c.clusters[c.offset:endIdx] {
		b.WriteString(c.renderRow(cl, c.offset+i == c.cursor))
		b.WriteString("\n")
	}

	if len(c.clusters) > c.maxRows {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [r] refresh)",
			c.offset+1, endIdx, len(c.clusters))))
	} else {
		b.WriteString(styles.Muted.Render("\n  [r] Refresh"))
	}

	if !c.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", c.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (c *ClustersScene) renderRow(cl schema.Cluster, selected bool) string {
	priority := styles.Priority(cl.Priority).Render(fmt.Sprintf("%-8s", cl.Priority))
	row := fmt.Sprintf("  %s %6d %-14s %6d %-12s %s",
		priority, cl.Count, truncate(cl.Host, 14), cl.ID, truncate(string(cl.Level), 12), truncate(cl.Message, 60))

	if selected {
		return styles.RowSelected.Render(row)
	}
	return row
}
