// Package service drives fleet runs and report queries for the CLI, the
// HTTP API and the scheduler.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fleet-triage/internal/collector"
	"fleet-triage/internal/forensic"
	"fleet-triage/internal/report"
	"fleet-triage/internal/schema"
	"fleet-triage/internal/triage"
)

// ErrRunInProgress is returned when a fleet run is requested while another
// is still running.
var ErrRunInProgress = errors.New("service: fleet run already in progress")

// ErrNoHosts is returned when neither the request nor the configuration names hosts.
var ErrNoHosts = errors.New("service: no hosts to collect")

// ReportPublisher receives every report built by a scheduled cycle.
type ReportPublisher interface {
	PublishReport(ctx context.Context, r *report.Report) error
}

// Run is the outcome of one fleet run.
type Run struct {
	ID         uuid.UUID              `json:"id"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Window     schema.Window          `json:"window"`
	Results    []collector.HostResult `json:"results"`
	Summary    collector.Summary      `json:"summary"`
}

// Service owns the fleet runner and the report engine.
type Service struct {
	fleet     *collector.Fleet
	engine    *report.Engine
	hosts     []string
	policy    triage.Policy
	publisher ReportPublisher

	running atomic.Bool

	mu      sync.RWMutex
	lastRun *Run
}

// New creates a Service for the configured fleet.
func New(fleet *collector.Fleet, engine *report.Engine, hosts []string, policy triage.Policy) *Service {
	return &Service{
		fleet:  fleet,
		engine: engine,
		hosts:  hosts,
		policy: policy,
	}
}

// WithPublisher publishes reports built by Cycle.
func (s *Service) WithPublisher(p ReportPublisher) *Service {
	s.publisher = p
	return s
}

// Hosts returns the configured fleet.
func (s *Service) Hosts() []string {
	return s.hosts
}

// Running reports whether a fleet run is in progress.
func (s *Service) Running() bool {
	return s.running.Load()
}

// LastRun returns the most recent completed fleet run, or nil.
func (s *Service) LastRun() *Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

// Collect runs the fleet over hosts, or the configured fleet when hosts is
// empty. Only one run executes at a time.
func (s *Service) Collect(ctx context.Context, hosts []string, window schema.Window) (*Run, error) {
	if len(hosts) == 0 {
		hosts = s.hosts
	}
	if len(hosts) == 0 {
		return nil, ErrNoHosts
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	run := &Run{
		ID:        uuid.New(),
		StartedAt: time.Now(),
		Window:    window,
	}
	slog.Info("fleet run requested", "run_id", run.ID, "hosts", len(hosts))

	run.Results = s.fleet.Run(ctx, hosts, window)
	run.Summary = collector.Summarize(run.Results)
	run.FinishedAt = time.Now()

	s.mu.Lock()
	s.lastRun = run
	s.mu.Unlock()

	return run, nil
}

// Report builds a report. Empty hosts and policy fall back to the
// configured fleet and policy.
func (s *Service) Report(ctx context.Context, q report.Query) (*report.Report, error) {
	if len(q.Hosts) == 0 {
		q.Hosts = s.hosts
	}
	if q.Policy == "" {
		q.Policy = s.policy
	}
	return s.engine.Query(ctx, q)
}

// Timeline returns the merged timeline of host inside window.
func (s *Service) Timeline(ctx context.Context, host string, window schema.Window) (*forensic.Timeline, error) {
	return s.engine.Timeline(ctx, host, window)
}

// Cycle collects the configured fleet, builds a report over it and
// publishes the report when a publisher is set.
func (s *Service) Cycle(ctx context.Context) (*report.Report, error) {
	if _, err := s.Collect(ctx, nil, schema.Window{}); err != nil {
		return nil, err
	}

	r, err := s.Report(ctx, report.Query{})
	if err != nil {
		return nil, err
	}

	if s.publisher != nil {
		if err := s.publisher.PublishReport(ctx, r); err != nil {
			slog.Error("failed to publish report", "report_id", r.ID, "error", err)
		}
	}
	return r, nil
}
