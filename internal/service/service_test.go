package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fleet-triage/internal/collector"
	"fleet-triage/internal/extract"
	"fleet-triage/internal/report"
	"fleet-triage/internal/resolver"
	"fleet-triage/internal/schema"
	"fleet-triage/internal/storage"
	"fleet-triage/internal/triage"
)

type recordingPublisher struct {
	mu      sync.Mutex
	reports []*report.Report
}

func (p *recordingPublisher) PublishReport(_ context.Context, r *report.Report) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, r)
	return nil
}

// newService builds a Service over one fake host whose extractor blocks
// until release is closed, when release is non-nil.
func newService(t *testing.T, release chan struct{}) *Service {
	t.Helper()
	root := t.TempDir()
	logs := filepath.Join(root, "shares", "srv01", "Logs")
	if err := os.MkdirAll(logs, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(logs, "System.evtx"), []byte("ElfFile"), 0o644)

	store := storage.NewStore(filepath.Join(root, "cache"))
	res := resolver.New([]string{filepath.Join(root, "shares", "{host}", "Logs")})
	ext := extract.Func(func(ctx context.Context, _ string, _ schema.Window, _ int) ([]schema.EventRecord, error) {
		if release != nil {
			<-release
		}
		return []schema.EventRecord{
			{TimeCreated: time.Now().Add(-time.Minute), ID: 41, Level: schema.LevelCritical, Message: "Kernel-Power"},
		}, nil
	})

	cfg := collector.DefaultConfig()
	cfg.Channels = []string{"System"}
	fleet := collector.New(cfg, store, res, ext)
	engine := report.NewEngine(store, nil, nil, report.Config{})
	return New(fleet, engine, []string{"srv01"}, triage.PolicyPatternCount)
}

func TestService_Cycle(t *testing.T) {
	svc := newService(t, nil)
	pub := &recordingPublisher{}
	svc.WithPublisher(pub)

	r, err := svc.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle() error = %v", err)
	}
	if r.Total != 1 || r.Score != 90 {
		t.Errorf("report total %d score %d, want 1 and 90", r.Total, r.Score)
	}
	if len(pub.reports) != 1 {
		t.Errorf("published %d reports, want 1", len(pub.reports))
	}

	last := svc.LastRun()
	if last == nil || last.Summary.Collected != 1 {
		t.Errorf("LastRun() = %+v, want one collected host", last)
	}
}

func TestService_CollectExclusive(t *testing.T) {
	release := make(chan struct{})
	svc := newService(t, release)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Collect(context.Background(), nil, schema.Window{})
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !svc.Running() {
		if time.Now().After(deadline) {
			t.Fatal("first run never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := svc.Collect(context.Background(), nil, schema.Window{}); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("concurrent Collect() error = %v, want ErrRunInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Collect() error = %v", err)
	}
	if svc.Running() {
		t.Error("Running() should be false after the run")
	}
}

func TestService_Defaults(t *testing.T) {
	svc := newService(t, nil)

	r, err := svc.Report(context.Background(), report.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Query.Hosts) != 1 || r.Query.Policy != triage.PolicyPatternCount {
		t.Errorf("Query = %+v, want configured hosts and policy", r.Query)
	}

	empty := New(nil, nil, nil, triage.DefaultPolicy)
	if _, err := empty.Collect(context.Background(), nil, schema.Window{}); !errors.Is(err, ErrNoHosts) {
		t.Errorf("Collect() error = %v, want ErrNoHosts", err)
	}
}
