// Package styles holds the lipgloss styles shared by the dashboard and the
// CLI renderers.
package styles

import (
	"github.com/charmbracelet/lipgloss"

	"fleet-triage/internal/collector"
	"fleet-triage/internal/schema"
)

var (
	Accent = lipgloss.Color("#2563EB")
	Dim    = lipgloss.Color("#6B7280")

	green = lipgloss.Color("#16A34A")
	amber = lipgloss.Color("#D97706")
	red   = lipgloss.Color("#DC2626")
	white = lipgloss.Color("#FFFFFF")
)

var (
	Title    = lipgloss.NewStyle().Bold(true).Foreground(Accent).MarginBottom(1)
	Subtitle = lipgloss.NewStyle().Foreground(Dim).Italic(true)
	Muted    = lipgloss.NewStyle().Foreground(Dim)
	Help     = lipgloss.NewStyle().Foreground(Dim).MarginTop(1)

	// Good, Warn and Bad color health, run and error text.
	Good = lipgloss.NewStyle().Foreground(green).Bold(true)
	Warn = lipgloss.NewStyle().Foreground(amber).Bold(true)
	Bad  = lipgloss.NewStyle().Foreground(red).Bold(true)

	// Box frames the fleet score card.
	Box = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Accent).
		Padding(1, 2)

	TabActive   = lipgloss.NewStyle().Foreground(white).Background(Accent).Padding(0, 2).Bold(true)
	TabInactive = lipgloss.NewStyle().Foreground(Dim).Padding(0, 2)

	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Accent).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(Dim)

	RowSelected = lipgloss.NewStyle().Foreground(white).Background(Accent)

	// Card, CardValue and CardLabel draw the dashboard counters.
	Card = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Dim).
		Padding(0, 2).
		Width(20).
		Align(lipgloss.Center)
	CardValue = lipgloss.NewStyle().Bold(true).Foreground(green)
	CardLabel = lipgloss.NewStyle().Foreground(Dim)
)

// Priority returns the style for a triage priority.
func Priority(p schema.Priority) lipgloss.Style {
	switch p {
	case schema.PriorityUrgent:
		return Bad
	case schema.PriorityHigh:
		return lipgloss.NewStyle().Foreground(red)
	case schema.PriorityMedium:
		return Warn
	default:
		return Muted
	}
}

// Grade returns the style for a health grade.
func Grade(grade string) lipgloss.Style {
	switch grade {
	case "good":
		return Good
	case "fair":
		return Warn
	default:
		return Bad
	}
}

// HostStatus returns the style for a host collection status.
func HostStatus(s collector.Status) lipgloss.Style {
	switch s {
	case collector.StatusCollected, collector.StatusCached:
		return Good
	case collector.StatusSkipped:
		return Warn
	default:
		return Bad
	}
}
