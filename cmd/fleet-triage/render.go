package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"fleet-triage/internal/collector"
	"fleet-triage/internal/report"
	"fleet-triage/internal/tui/styles"
)

// renderRun prints one line per host and the run totals.
func renderRun(w io.Writer, results []collector.HostResult, s collector.Summary) {
	fmt.Fprintln(w, styles.TableHeader.Render(fmt.Sprintf("%-20s %-12s %-8s %s", "HOST", "STATUS", "BATCHES", "DETAIL")))
	for _, r := range results {
		detail := r.Message
		if r.Error != "" {
			detail = r.Error
		} else if detail == "" {
			detail = r.Location
		}
		fmt.Fprintf(w, "%-20s %s %-8d %s\n",
			r.Host, styles.HostStatus(r.Status).Render(fmt.Sprintf("%-12s", r.Status)), r.Written(), detail)
		for _, err := range r.Failures() {
			fmt.Fprintf(w, "%-20s   %s\n", "", styles.Bad.Render(err.Error()))
		}
	}
	fmt.Fprintf(w, "\n%d hosts: %d collected, %d cached, %d unreachable, %d skipped, %d failed; %d batches, %d records\n",
		s.Hosts, s.Collected, s.Cached, s.Unreachable, s.Skipped, s.Failed, s.Batches, s.Records)
}

// renderReport prints the score card, the top clusters, advisories and per-host stats.
func renderReport(w io.Writer, rep *report.Report, top int) {
	score := styles.Grade(rep.Grade).Render(fmt.Sprintf("%d/100 (%s)", rep.Score, rep.Grade))
	card := lipgloss.JoinVertical(lipgloss.Left,
		styles.Title.Render("Fleet Stability Index"),
		fmt.Sprintf("Score:    %s  policy %s", score, rep.Query.Policy),
		fmt.Sprintf("Events:   %d in %d patterns (%d urgent)", rep.Total, len(rep.Clusters), rep.UrgentPatterns()),
		fmt.Sprintf("Hosts:    %s", strings.Join(rep.Query.Hosts, ", ")),
	)
	fmt.Fprintln(w, styles.Box.Render(card))

	if rep.Invalid > 0 || len(rep.Skipped) > 0 {
		fmt.Fprintln(w, styles.Warn.Render(fmt.Sprintf("%d invalid records, %d unreadable batches", rep.Invalid, len(rep.Skipped))))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, styles.TableHeader.Render(fmt.Sprintf("%-8s %6s %-16s %6s %-12s %s", "PRIORITY", "COUNT", "HOST", "ID", "LEVEL", "MESSAGE")))
	clusters := rep.Clusters
	if top > 0 && len(clusters) > top {
		clusters = clusters[:top]
	}
	for _, c := range clusters {
		fmt.Fprintf(w, "%s %6d %-16s %6d %-12s %s\n",
			styles.Priority(c.Priority).Render(fmt.Sprintf("%-8s", c.Priority)),
			c.Count, c.Host, c.ID, c.Level, oneLine(c.Message, 100))
	}
	if len(rep.Clusters) > len(clusters) {
		fmt.Fprintln(w, styles.Muted.Render(fmt.Sprintf("... %d more patterns (use -top 0 or -json)", len(rep.Clusters)-len(clusters))))
	}

	if len(rep.Advisories) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, styles.Subtitle.Render("Advisories"))
		for _, a := range rep.Advisories {
			fmt.Fprintf(w, "  - %s\n", a)
		}
	}

	if len(rep.Hosts) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, styles.TableHeader.Render(fmt.Sprintf("%-20s %8s %7s %s", "HOST", "RECORDS", "URGENT", "LAST BOOT")))
		for _, h := range rep.Hosts {
			boot := "-"
			if h.LastBoot != nil {
				boot = h.LastBoot.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%-20s %8d %7d %s\n", h.Host, h.Records, h.Urgent, boot)
		}
	}
}


// oneLine flattens a multi-line event message and truncates it to n bytes.
func oneLine(msg string, n int) string {
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > n {
		return msg[:n-3] + "..."
	}
	return msg
}
