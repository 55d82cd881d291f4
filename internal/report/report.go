// Package report answers fleet triage queries. Every query re-reads and
// re-merges the collection cache; nothing is retained between queries.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fleet-triage/internal/forensic"
	"fleet-triage/internal/schema"
	"fleet-triage/internal/storage"
	"fleet-triage/internal/triage"
)

// Query selects the hosts, time window and scoring policy of a report.
type Query struct {
	Hosts  []string      `json:"hosts"`
	Window schema.Window `json:"window"`
	Policy triage.Policy `json:"policy"`
}

// HostStat is the per-host part of a report.
type HostStat struct {
	Host     string     `json:"host"`
	Records  int        `json:"records"`
	Urgent   int        `json:"urgent"`
	LastBoot *time.Time `json:"last_boot,omitempty"`
}

// Report is the result of one query.
type Report struct {
	ID          uuid.UUID            `json:"id"`
	GeneratedAt time.Time            `json:"generated_at"`
	Query       Query                `json:"query"`
	Score       int                  `json:"score"`
	Grade       string               `json:"grade"`
	Clusters    []schema.Cluster     `json:"clusters"`
	Hotspots    []schema.Cluster     `json:"hotspots"`
	Advisories  []string             `json:"advisories"`
	Summary     triage.Summary       `json:"summary"`
	Hosts       []HostStat           `json:"hosts"`
	Timeline    []schema.EventRecord `json:"timeline,omitempty"`
	Total       int                  `json:"total"`
	Invalid     int                  `json:"invalid"`
	Skipped     []string             `json:"skipped,omitempty"`
}

// UrgentPatterns returns the number of distinct URGENT clusters.
func (r *Report) UrgentPatterns() int {
	return triage.CountByPriority(r.Clusters)[schema.PriorityUrgent]
}

// Config holds engine settings.
type Config struct {
	Hotspots        int
	IncludeTimeline bool
}

// Engine builds reports from the collection cache.
type Engine struct {
	merger     *forensic.Merger
	classifier *triage.Classifier
	kb         triage.KB
	config     Config
	now        func() time.Time
}

// NewEngine creates an Engine. A nil classifier or kb uses the defaults.
func NewEngine(store *storage.Store, classifier *triage.Classifier, kb triage.KB, cfg Config) *Engine {
	if classifier == nil {
		classifier = triage.NewClassifier(nil, nil)
	}
	if kb == nil {
		kb = triage.DefaultKB
	}
	if cfg.Hotspots <= 0 {
		cfg.Hotspots = 10
	}
	return &Engine{
		merger:     forensic.NewMerger(store),
		classifier: classifier,
		kb:         kb,
		config:     cfg,
		now:        time.Now,
	}
}

// Timeline merges the batches of host and restricts them to window.
func (e *Engine) Timeline(ctx context.Context, host string, window schema.Window) (*forensic.Timeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tl, err := e.merger.Merge(host)
	if err != nil {
		return nil, err
	}
	tl.Records = tl.Within(window)
	return tl, nil
}

// Query builds a report for q. Hosts without data contribute nothing.
func (e *Engine) Query(ctx context.Context, q Query) (*Report, error) {
	policy, err := triage.ParsePolicy(string(q.Policy))
	if err != nil {
		return nil, err
	}
	q.Policy = policy

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tl, err := e.merger.MergeHosts(q.Hosts)
	if err != nil {
		return nil, fmt.Errorf("report: merge failed: %w", err)
	}
	records := tl.Within(q.Window)

	clusters := e.classifier.Aggregate(records)
	score, err := triage.Score(records, clusters, policy)
	if err != nil {
		return nil, err
	}

	r := &Report{
		ID:          uuid.New(),
		GeneratedAt: e.now(),
		Query:       q,
		Score:       score,
		Grade:       triage.Grade(score),
		Clusters:    clusters,
		Hotspots:    triage.Hotspots(clusters, e.config.Hotspots),
		Advisories:  triage.Advise(records, e.kb),
		Summary:     triage.Summarize(records),
		Hosts:       hostStats(q.Hosts, records, clusters),
		Total:       len(records),
		Invalid:     tl.Invalid,
		Skipped:     tl.Skipped,
	}
	if e.config.IncludeTimeline {
		r.Timeline = records
	}

	slog.Debug("report built",
		"id", r.ID,
		"hosts", len(q.Hosts),
		"records", r.Total,
		"clusters", len(clusters),
		"policy", policy,
		"score", score,
	)
	return r, nil
}

func hostStats(hosts []string, records []schema.EventRecord, clusters []schema.Cluster) []HostStat {
	stats := make([]HostStat, len(hosts))
	index := make(map[string]int, len(hosts))
	for i, h := range hosts {
		stats[i].Host = h
		index[h] = i
	}

	for _, r := range records {
		i, ok := index[r.Host]
		if !ok {
			continue
		}
		s := &stats[i]
		s.Records++
		if r.ID == schema.BootEventID && r.HasTime() && (s.LastBoot == nil || r.TimeCreated.After(*s.LastBoot)) {
			t := r.TimeCreated
			s.LastBoot = &t
		}
	}
	for _, c := range clusters {
		if i, ok := index[c.Host]; ok && c.Priority == schema.PriorityUrgent {
			stats[i].Urgent++
		}
	}
	return stats
}
