package collector

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fleet-triage/internal/extract"
	"fleet-triage/internal/forensic"
	"fleet-triage/internal/lease"
	"fleet-triage/internal/resolver"
	"fleet-triage/internal/schema"
	"fleet-triage/internal/storage"
	"fleet-triage/internal/storage/s3"
)

var runTime = time.Date(2024, 3, 1, 10, 30, 0, 0, time.Local)

type fixture struct {
	shares string
	store  *storage.Store
	res    *resolver.Resolver
}

// newFixture lays out a fake administrative share per host with one
// .evtx file per channel.
func newFixture(t *testing.T, channels []string, hosts ...string) *fixture {
	t.Helper()
	root := t.TempDir()
	shares := filepath.Join(root, "shares")
	for _, h := range hosts {
		dir := filepath.Join(shares, h, "Logs")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		for _, ch := range channels {
			if err := os.WriteFile(filepath.Join(dir, ch+".evtx"), []byte("ElfFile"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	return &fixture{
		shares: shares,
		store:  storage.NewStore(filepath.Join(root, "Fleet_Logs")),
		res:    resolver.New([]string{filepath.Join(shares, "{host}", "Logs")}),
	}
}

func recordsFor(host, channel string) []schema.EventRecord {
	return []schema.EventRecord{
		{TimeCreated: runTime.Add(-time.Hour), ID: 7036, Level: schema.LevelInformation, Message: host + " " + channel + " running"},
		{TimeCreated: runTime.Add(-2 * time.Hour), ID: 41, Level: schema.LevelCritical, Message: "Kernel-Power stopped"},
	}
}

// countingExtractor returns fixed records and counts calls.
type countingExtractor struct {
	calls atomic.Int64
	fn    func(ctx context.Context, localFile string) ([]schema.EventRecord, error)
}

func (c *countingExtractor) Name() string { return "test" }

func (c *countingExtractor) ExtractChannel(ctx context.Context, localFile string, _ schema.Window, _ int) ([]schema.EventRecord, error) {
	c.calls.Add(1)
	if _, err := os.Stat(localFile); err != nil {
		return nil, errors.New("staging copy missing")
	}
	if c.fn != nil {
		return c.fn(ctx, localFile)
	}
	return recordsFor("h", "c"), nil
}

func testConfig(channels ...string) Config {
	cfg := DefaultConfig()
	cfg.Channels = channels
	return cfg
}

func stagingLeft(t *testing.T, store *storage.Store, host string) []string {
	t.Helper()
	entries, err := os.ReadDir(store.HostPath(host))
	if err != nil {
		return nil
	}
	var left []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".evtx") || strings.HasSuffix(e.Name(), ".tmp") {
			left = append(left, e.Name())
		}
	}
	return left
}

func TestFleet_CollectAndCache(t *testing.T) {
	channels := []string{"Application", "System"}
	fx := newFixture(t, channels, "srv01")
	ext := &countingExtractor{fn: func(_ context.Context, localFile string) ([]schema.EventRecord, error) {
		records := recordsFor("srv01", filepath.Base(localFile))
		// Same-second records and an undated one pin the merge order.
		records = append(records,
			schema.EventRecord{TimeCreated: runTime.Add(-time.Hour), ID: 7040, Level: schema.LevelInformation, Message: "start type changed"},
			schema.EventRecord{ID: 1000, Level: schema.LevelError, Message: "undated failure"},
		)
		return records, nil
	}}
	fleet := New(testConfig(channels...), fx.store, fx.res, ext, WithClock(func() time.Time { return runTime }))

	first := fleet.Run(context.Background(), []string{"srv01"}, schema.Window{})
	if first[0].Status != StatusCollected {
		t.Fatalf("first run status = %s, want %s (err %v)", first[0].Status, StatusCollected, first[0].Err)
	}
	if first[0].Written() != 2 {
		t.Errorf("Written() = %d, want 2", first[0].Written())
	}
	if ext.calls.Load() != 2 {
		t.Errorf("extractor calls = %d, want 2", ext.calls.Load())
	}

	batches, err := fx.store.Batches("srv01")
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 2 {
		t.Fatalf("Batches() = %d, want 2", len(batches))
	}
	before := readAll(t, batches)
	mergedBefore := mergedCSV(t, fx.store, "srv01")

	second := fleet.Run(context.Background(), []string{"srv01"}, schema.Window{})
	if second[0].Status != StatusCached {
		t.Errorf("second run status = %s, want %s", second[0].Status, StatusCached)
	}
	if ext.calls.Load() != 2 {
		t.Errorf("extractor calls after second run = %d, want 2", ext.calls.Load())
	}

	after, _ := fx.store.Batches("srv01")
	if got := readAll(t, after); got != before {
		t.Error("second run changed cached batches")
	}
	if got := mergedCSV(t, fx.store, "srv01"); got != mergedBefore {
		t.Errorf("merged timeline changed after second run:\n%s\nwant:\n%s", got, mergedBefore)
	}
	lines := strings.Split(strings.TrimSpace(mergedBefore), "\n")
	if last := lines[len(lines)-1]; !strings.HasPrefix(last, ",") || !strings.Contains(last, "undated failure") {
		t.Errorf("undated records should sort last, got final row %q", last)
	}
	if left := stagingLeft(t, fx.store, "srv01"); len(left) != 0 {
		t.Errorf("staging files left behind: %v", left)
	}

	m := fleet.Metrics()
	if m.HostsRun != 2 || m.HostsCached != 1 || m.BatchesWritten != 2 {
		t.Errorf("Metrics() = %+v", m)
	}
}

// mergedCSV renders the merged master timeline of host.
func mergedCSV(t *testing.T, store *storage.Store, host string) string {
	t.Helper()
	tl, err := forensic.NewMerger(store).Merge(host)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	var buf bytes.Buffer
	if err := forensic.WriteCSV(&buf, tl.Records); err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}
	return buf.String()
}

func readAll(t *testing.T, batches []storage.BatchFile) string {
	t.Helper()
	var sb strings.Builder
	for _, b := range batches {
		data, err := os.ReadFile(b.Path)
		if err != nil {
			t.Fatal(err)
		}
		sb.WriteString(b.Name.String())
		sb.Write(data)
	}
	return sb.String()
}

func TestFleet_CacheDisabledNeverOverwrites(t *testing.T) {
	fx := newFixture(t, []string{"System"}, "srv01")
	ext := &countingExtractor{}
	cfg := testConfig("System")
	cfg.CacheEnabled = false
	fleet := New(cfg, fx.store, fx.res, ext, WithClock(func() time.Time { return runTime }))

	fleet.Run(context.Background(), []string{"srv01"}, schema.Window{})
	second := fleet.Run(context.Background(), []string{"srv01"}, schema.Window{})

	// The first run's batch for this minute already exists, so the second
	// run skips the channel before copying or extracting anything.
	if ext.calls.Load() != 1 {
		t.Errorf("extractor calls = %d, want 1 with cache disabled in the same minute", ext.calls.Load())
	}
	if got := second[0].Channels[0].Skipped; got != SkipExists {
		t.Errorf("Skipped = %q, want %q", got, SkipExists)
	}
	if left := stagingLeft(t, fx.store, "srv01"); len(left) != 0 {
		t.Errorf("staging files left behind: %v", left)
	}

	// A later minute produces a new batch.
	later := New(cfg, fx.store, fx.res, ext, WithClock(func() time.Time { return runTime.Add(time.Minute) }))
	third := later.Run(context.Background(), []string{"srv01"}, schema.Window{})
	if !third[0].Channels[0].Written || ext.calls.Load() != 2 {
		t.Errorf("next-minute run = %+v (calls %d), want a new batch", third[0].Channels[0], ext.calls.Load())
	}
}

func TestFleet_PartialCacheFetchesMissingChannel(t *testing.T) {
	channels := []string{"Application", "System"}
	fx := newFixture(t, channels, "srv01")

	name, _ := storage.NewBatchName(runTime.Add(-time.Hour), "Application")
	if _, err := fx.store.WriteBatch("srv01", name, nil, storage.Manifest{}); err != nil {
		t.Fatal(err)
	}

	ext := &countingExtractor{}
	fleet := New(testConfig(channels...), fx.store, fx.res, ext, WithClock(func() time.Time { return runTime }))
	res := fleet.Run(context.Background(), []string{"srv01"}, schema.Window{})

	if ext.calls.Load() != 1 {
		t.Errorf("extractor calls = %d, want 1", ext.calls.Load())
	}
	if got := res[0].Channels[0].Skipped; got != SkipFresh {
		t.Errorf("Application skipped = %q, want %q", got, SkipFresh)
	}
	if !res[0].Channels[1].Written {
		t.Error("System should be written")
	}
}

func TestFleet_AbsentChannelSkipped(t *testing.T) {
	fx := newFixture(t, []string{"System"}, "srv01")
	ext := &countingExtractor{}
	fleet := New(testConfig("System", "ForwardedEvents"), fx.store, fx.res, ext, WithClock(func() time.Time { return runTime }))

	res := fleet.Run(context.Background(), []string{"srv01"}, schema.Window{})
	if res[0].Status != StatusCollected {
		t.Fatalf("status = %s, want collected", res[0].Status)
	}
	fwd := res[0].Channels[1]
	if fwd.Skipped != SkipAbsent || fwd.Err != nil {
		t.Errorf("ForwardedEvents = %+v, want silent absent skip", fwd)
	}
}

func TestFleet_ChannelFailureIsolated(t *testing.T) {
	channels := []string{"Application", "Security", "System"}
	fx := newFixture(t, channels, "srv01")

	ext := &countingExtractor{fn: func(_ context.Context, localFile string) ([]schema.EventRecord, error) {
		switch {
		case strings.Contains(localFile, "Security"):
			return nil, extract.ErrExtractionFailed
		case strings.Contains(localFile, "System"):
			panic("corrupt log")
		}
		return recordsFor("srv01", "Application"), nil
	}}
	fleet := New(testConfig(channels...), fx.store, fx.res, ext, WithClock(func() time.Time { return runTime }))

	res := fleet.Run(context.Background(), []string{"srv01"}, schema.Window{})[0]

	if res.Status != StatusCollected {
		t.Errorf("status = %s, want collected", res.Status)
	}
	if ext.calls.Load() != 3 {
		t.Errorf("extractor calls = %d, want 3", ext.calls.Load())
	}
	if !res.Channels[0].Written {
		t.Error("Application should be written")
	}
	if !errors.Is(res.Channels[1].Err, extract.ErrExtractionFailed) {
		t.Errorf("Security err = %v, want ErrExtractionFailed", res.Channels[1].Err)
	}
	var chErr *ChannelError
	if !errors.As(res.Channels[2].Err, &chErr) || chErr.Channel != "System" {
		t.Errorf("System err = %v, want ChannelError for System", res.Channels[2].Err)
	}
	if len(res.Failures()) != 2 {
		t.Errorf("Failures() = %d, want 2", len(res.Failures()))
	}
	if left := stagingLeft(t, fx.store, "srv01"); len(left) != 0 {
		t.Errorf("staging files left behind: %v", left)
	}
}

func TestFleet_AllChannelsFail(t *testing.T) {
	fx := newFixture(t, []string{"System"}, "srv01")
	ext := &countingExtractor{fn: func(context.Context, string) ([]schema.EventRecord, error) {
		return nil, extract.ErrExtractionFailed
	}}
	fleet := New(testConfig("System"), fx.store, fx.res, ext, WithClock(func() time.Time { return runTime }))

	res := fleet.Run(context.Background(), []string{"srv01"}, schema.Window{})
	if res[0].Status != StatusFailed {
		t.Errorf("status = %s, want failed", res[0].Status)
	}
	if !errors.Is(res[0].Err, extract.ErrExtractionFailed) {
		t.Errorf("Err = %v, want ErrExtractionFailed", res[0].Err)
	}
	if Err(res) == nil {
		t.Error("Err() = nil, want joined error")
	}
}

func TestFleet_UnreachableHost(t *testing.T) {
	fx := newFixture(t, []string{"System"}, "srv01")
	ext := &countingExtractor{}
	fleet := New(testConfig("System"), fx.store, fx.res, ext, WithClock(func() time.Time { return runTime }))

	res := fleet.Run(context.Background(), []string{"ghost", "srv01"}, schema.Window{})

	if res[0].Host != "ghost" || res[0].Status != StatusUnreachable {
		t.Errorf("result[0] = %s/%s, want ghost/unreachable", res[0].Host, res[0].Status)
	}
	if !errors.Is(res[0].Err, resolver.ErrHostUnreachable) {
		t.Errorf("Err = %v, want ErrHostUnreachable", res[0].Err)
	}
	if res[1].Status != StatusCollected {
		t.Errorf("result[1] status = %s, want collected", res[1].Status)
	}
	if _, err := os.Stat(fx.store.HostPath("ghost")); !os.IsNotExist(err) {
		t.Error("unreachable host should not get a cache directory")
	}
}

func TestFleet_HostTimeoutIsolated(t *testing.T) {
	fx := newFixture(t, []string{"System"}, "slow", "fast")
	ext := &countingExtractor{fn: func(ctx context.Context, localFile string) ([]schema.EventRecord, error) {
		if strings.Contains(localFile, "slow") {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return recordsFor("fast", "System"), nil
	}}
	cfg := testConfig("System")
	cfg.HostTimeout = 50 * time.Millisecond
	fleet := New(cfg, fx.store, fx.res, ext, WithClock(func() time.Time { return runTime }))

	res := fleet.Run(context.Background(), []string{"slow", "fast"}, schema.Window{})

	if res[0].Status != StatusFailed || !errors.Is(res[0].Err, context.DeadlineExceeded) {
		t.Errorf("slow = %s (%v), want failed with deadline exceeded", res[0].Status, res[0].Err)
	}
	if res[1].Status != StatusCollected {
		t.Errorf("fast = %s, want collected", res[1].Status)
	}
}

func TestFleet_HostTimeoutBoundsShareProbe(t *testing.T) {
	fx := newFixture(t, []string{"System"}, "hung", "fast")
	release := make(chan struct{})
	defer close(release)
	fx.res.WithStat(func(name string) (fs.FileInfo, error) {
		if strings.Contains(name, "hung") {
			<-release
			return nil, fs.ErrNotExist
		}
		return os.Stat(name)
	})

	ext := &countingExtractor{}
	cfg := testConfig("System")
	cfg.HostTimeout = 50 * time.Millisecond
	fleet := New(cfg, fx.store, fx.res, ext, WithClock(func() time.Time { return runTime }))

	start := time.Now()
	res := fleet.Run(context.Background(), []string{"hung", "fast"}, schema.Window{})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("fleet run took %v, want it bounded by the host timeout", elapsed)
	}

	if res[0].Status != StatusUnreachable {
		t.Errorf("hung = %s, want unreachable", res[0].Status)
	}
	if !errors.Is(res[0].Err, context.DeadlineExceeded) || !errors.Is(res[0].Err, resolver.ErrHostUnreachable) {
		t.Errorf("hung err = %v, want unreachable wrapping deadline exceeded", res[0].Err)
	}
	if res[1].Status != StatusCollected {
		t.Errorf("fast = %s (%v), want collected", res[1].Status, res[1].Err)
	}
}

func TestFleet_HostTimeoutBoundsChannelProbe(t *testing.T) {
	channels := []string{"Application", "System"}
	fx := newFixture(t, channels, "srv01")
	release := make(chan struct{})
	defer close(release)
	fx.res.WithStat(func(name string) (fs.FileInfo, error) {
		if strings.HasSuffix(name, "System.evtx") {
			<-release
		}
		return os.Stat(name)
	})

	ext := &countingExtractor{}
	cfg := testConfig(channels...)
	cfg.HostTimeout = 200 * time.Millisecond
	fleet := New(cfg, fx.store, fx.res, ext, WithClock(func() time.Time { return runTime }))

	start := time.Now()
	res := fleet.Run(context.Background(), []string{"srv01"}, schema.Window{})[0]
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("fleet run took %v, want it bounded by the host timeout", elapsed)
	}

	if !res.Channels[0].Written {
		t.Errorf("Application = %+v, want written before the deadline", res.Channels[0])
	}
	if !errors.Is(res.Channels[1].Err, context.DeadlineExceeded) {
		t.Errorf("System err = %v, want deadline exceeded", res.Channels[1].Err)
	}
	if res.Status != StatusFailed || !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("host = %s (%v), want failed with deadline exceeded", res.Status, res.Err)
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "System.evtx")
	if err := os.WriteFile(src, []byte("ElfFile body"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("copies contents", func(t *testing.T) {
		dst := filepath.Join(dir, "copy.evtx")
		if err := copyFile(context.Background(), src, dst); err != nil {
			t.Fatalf("copyFile() error = %v", err)
		}
		data, err := os.ReadFile(dst)
		if err != nil || string(data) != "ElfFile body" {
			t.Errorf("copied = %q, %v", data, err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		dst := filepath.Join(dir, "cancelled.evtx")
		if err := copyFile(ctx, src, dst); !errors.Is(err, context.Canceled) {
			t.Errorf("copyFile() error = %v, want context.Canceled", err)
		}
		if _, err := os.Stat(dst); !os.IsNotExist(err) {
			t.Error("cancelled copy left a destination file")
		}
	})
}

func TestFleet_CancelStopsNewHosts(t *testing.T) {
	hosts := []string{"a", "b", "c", "d"}
	fx := newFixture(t, []string{"System"}, hosts...)

	ctx, cancel := context.WithCancel(context.Background())
	ext := &countingExtractor{fn: func(ctx context.Context, _ string) ([]schema.EventRecord, error) {
		cancel()
		if ctx.Err() != nil {
			return nil, errors.New("in-flight host saw cancellation")
		}
		return recordsFor("a", "System"), nil
	}}
	cfg := testConfig("System")
	cfg.HostWorkers = 1
	fleet := New(cfg, fx.store, fx.res, ext, WithClock(func() time.Time { return runTime }))

	res := fleet.Run(ctx, hosts, schema.Window{})

	if res[0].Status != StatusCollected {
		t.Errorf("in-flight host = %s (%v), want collected", res[0].Status, res[0].Err)
	}
	for _, r := range res[1:] {
		if r.Status != StatusSkipped {
			t.Errorf("%s = %s, want skipped", r.Host, r.Status)
		}
	}
	if ext.calls.Load() != 1 {
		t.Errorf("extractor calls = %d, want 1", ext.calls.Load())
	}
}

func TestFleet_BoundedConcurrency(t *testing.T) {
	hosts := []string{"h1", "h2", "h3", "h4", "h5", "h6"}
	fx := newFixture(t, []string{"System"}, hosts...)

	var inFlight, peak atomic.Int64
	ext := &countingExtractor{fn: func(context.Context, string) ([]schema.EventRecord, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}}
	cfg := testConfig("System")
	cfg.HostWorkers = 2
	fleet := New(cfg, fx.store, fx.res, ext, WithClock(func() time.Time { return runTime }))

	res := fleet.Run(context.Background(), hosts, schema.Window{})

	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
	for i, r := range res {
		if r.Host != hosts[i] {
			t.Errorf("result[%d].Host = %s, want %s", i, r.Host, hosts[i])
		}
		if r.Status != StatusCollected {
			t.Errorf("%s status = %s, want collected", r.Host, r.Status)
		}
	}
}

func TestFleet_LeaseHeld(t *testing.T) {
	fx := newFixture(t, []string{"System"}, "srv01")
	locker := lease.NewRedisLocker(lease.NewMockRedisClient(), time.Minute)

	held, err := locker.Acquire(context.Background(), "srv01")
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release(context.Background())

	ext := &countingExtractor{}
	fleet := New(testConfig("System"), fx.store, fx.res, ext,
		WithClock(func() time.Time { return runTime }),
		WithLocker(locker),
	)

	res := fleet.Run(context.Background(), []string{"srv01"}, schema.Window{})
	if res[0].Status != StatusSkipped {
		t.Errorf("status = %s, want skipped", res[0].Status)
	}
	if ext.calls.Load() != 0 {
		t.Errorf("extractor calls = %d, want 0", ext.calls.Load())
	}
}

type fakeArchiver struct {
	mu    sync.Mutex
	paths []string
}

func (a *fakeArchiver) ArchiveBatch(_ context.Context, host, batchPath string) (*s3.ArchiveResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paths = append(a.paths, batchPath)
	return &s3.ArchiveResult{Location: "s3://bucket/" + host + "/" + filepath.Base(batchPath)}, nil
}

type fakePublisher struct {
	mu      sync.Mutex
	results []HostResult
}

func (p *fakePublisher) PublishHostResult(_ context.Context, r *HostResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, *r)
	return nil
}

func TestFleet_ArchiveAndPublish(t *testing.T) {
	fx := newFixture(t, []string{"Application", "System"}, "srv01")
	arch := &fakeArchiver{}
	pub := &fakePublisher{}
	fleet := New(testConfig("Application", "System"), fx.store, fx.res, &countingExtractor{},
		WithClock(func() time.Time { return runTime }),
		WithArchiver(arch),
		WithPublisher(pub),
	)

	res := fleet.Run(context.Background(), []string{"srv01"}, schema.Window{})[0]

	if len(arch.paths) != 2 || len(res.Archived) != 2 {
		t.Errorf("archived = %d paths, %d locations, want 2", len(arch.paths), len(res.Archived))
	}
	if len(pub.results) != 1 || pub.results[0].Status != StatusCollected {
		t.Errorf("published = %+v, want one collected result", pub.results)
	}
}

func TestSummarize(t *testing.T) {
	results := []HostResult{
		{Status: StatusCollected, Channels: []ChannelResult{{Written: true, Records: 3}, {Skipped: SkipAbsent}}},
		{Status: StatusCached},
		{Status: StatusUnreachable},
		{Status: StatusFailed},
		{Status: StatusSkipped},
	}
	got := Summarize(results)
	want := Summary{Hosts: 5, Cached: 1, Collected: 1, Unreachable: 1, Skipped: 1, Failed: 1, Batches: 1, Records: 3}
	if got != want {
		t.Errorf("Summarize() = %+v, want %+v", got, want)
	}
}
