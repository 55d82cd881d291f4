package collector

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"fleet-triage/internal/extract"
	"fleet-triage/internal/lease"
	"fleet-triage/internal/resolver"
	"fleet-triage/internal/schema"
	"fleet-triage/internal/storage"
	"fleet-triage/internal/storage/s3"
)

// Config holds the fleet runner configuration.
type Config struct {
	Channels       []string
	MaxEvents      int
	HostWorkers    int
	ChannelWorkers int
	HostTimeout    time.Duration
	CacheEnabled   bool
}

// DefaultConfig returns the default fleet runner configuration.
func DefaultConfig() Config {
	return Config{
		Channels:       schema.Channels,
		MaxEvents:      500,
		HostWorkers:    4,
		ChannelWorkers: 1,
		HostTimeout:    10 * time.Minute,
		CacheEnabled:   true,
	}
}

// Archiver uploads a written batch.
type Archiver interface {
	ArchiveBatch(ctx context.Context, host, batchPath string) (*s3.ArchiveResult, error)
}

// HostPublisher is notified of every host result.
type HostPublisher interface {
	PublishHostResult(ctx context.Context, result *HostResult) error
}

// Fleet runs host pipelines with bounded concurrency.
type Fleet struct {
	config    Config
	store     *storage.Store
	resolver  *resolver.Resolver
	extractor extract.Extractor
	locker    lease.Locker
	archiver  Archiver
	publisher HostPublisher
	now       func() time.Time

	// Metrics
	hostsRun       atomic.Uint64
	hostsCached    atomic.Uint64
	hostsFailed    atomic.Uint64
	extractorCalls atomic.Uint64
	batchesWritten atomic.Uint64
}

// Option configures a Fleet.
type Option func(*Fleet)

// WithLocker guards each host with a collection lease.
func WithLocker(l lease.Locker) Option {
	return func(f *Fleet) { f.locker = l }
}

// WithArchiver uploads every new batch after a host collects.
func WithArchiver(a Archiver) Option {
	return func(f *Fleet) { f.archiver = a }
}

// WithPublisher publishes every host result.
func WithPublisher(p HostPublisher) Option {
	return func(f *Fleet) { f.publisher = p }
}

// WithClock replaces the clock used to stamp batches and compute the cache day.
func WithClock(now func() time.Time) Option {
	return func(f *Fleet) { f.now = now }
}

// New creates a Fleet.
func New(cfg Config, store *storage.Store, res *resolver.Resolver, ext extract.Extractor, opts ...Option) *Fleet {
	if cfg.HostWorkers < 1 {
		cfg.HostWorkers = 1
	}
	if cfg.ChannelWorkers < 1 {
		cfg.ChannelWorkers = 1
	}
	if cfg.MaxEvents < 1 {
		cfg.MaxEvents = DefaultConfig().MaxEvents
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = schema.Channels
	}

	f := &Fleet{
		config:    cfg,
		store:     store,
		resolver:  res,
		extractor: ext,
		locker:    lease.Noop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run collects every host and returns one result per host, in input order.
// At most HostWorkers pipelines run at once. Cancelling ctx stops new
// pipelines from starting; those already running finish on a detached
// context bounded by HostTimeout, so one host's timeout never cancels another.
func (f *Fleet) Run(ctx context.Context, hosts []string, window schema.Window) []HostResult {
	results := make([]HostResult, len(hosts))

	g := new(errgroup.Group)
	g.SetLimit(f.config.HostWorkers)

	slog.Info("fleet run started",
		"hosts", len(hosts),
		"workers", f.config.HostWorkers,
		"cache", f.config.CacheEnabled,
	)
	start := time.Now()

	for i, host := range hosts {
		if ctx.Err() != nil {
			results[i] = cancelled(host)
			continue
		}
		g.Go(func() error {
			// Cancellation may arrive while waiting for a worker slot.
			if ctx.Err() != nil {
				results[i] = cancelled(host)
				return nil
			}
			hctx := context.WithoutCancel(ctx)
			if f.config.HostTimeout > 0 {
				var cancel context.CancelFunc
				hctx, cancel = context.WithTimeout(hctx, f.config.HostTimeout)
				defer cancel()
			}
			results[i] = f.CollectHost(hctx, host, window)
			return nil
		})
	}
	g.Wait()

	s := Summarize(results)
	slog.Info("fleet run finished",
		"hosts", s.Hosts,
		"collected", s.Collected,
		"cached", s.Cached,
		"unreachable", s.Unreachable,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"batches", s.Batches,
		"duration", time.Since(start),
	)

	return results
}

func cancelled(host string) HostResult {
	return HostResult{
		Host:    host,
		Status:  StatusSkipped,
		Message: "fleet run cancelled",
	}
}

// CollectHost runs the pipeline for one host.
func (f *Fleet) CollectHost(ctx context.Context, host string, window schema.Window) HostResult {
	started := f.now()
	result := f.collectHost(ctx, host, window, started)
	result.StartedAt = started
	result.Duration = f.now().Sub(started)

	f.hostsRun.Add(1)
	switch result.Status {
	case StatusCached:
		f.hostsCached.Add(1)
	case StatusFailed:
		f.hostsFailed.Add(1)
	}

	if f.publisher != nil {
		if err := f.publisher.PublishHostResult(ctx, &result); err != nil {
			slog.Warn("failed to publish host result", "host", host, "error", err)
		}
	}
	return result
}

func (f *Fleet) collectHost(ctx context.Context, host string, window schema.Window, started time.Time) HostResult {
	result := HostResult{Host: host}
	day := storage.Day(started)

	if f.config.CacheEnabled && !f.store.NeedsFetch(host, f.config.Channels, day) {
		slog.Debug("cache fresh, skipping host", "host", host, "day", day)
		result.Status = StatusCached
		result.Message = "cache fresh for " + day
		return result
	}

	held, err := f.locker.Acquire(ctx, host)
	if err != nil {
		result.Status = StatusSkipped
		if errors.Is(err, lease.ErrHeld) {
			result.Message = "collection in progress elsewhere"
		} else {
			result.Message = "lease unavailable"
			result.setErr(err)
		}
		slog.Warn("host skipped", "host", host, "reason", result.Message, "error", err)
		return result
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to release lease", "host", host, "error", err)
		}
	}()

	location, err := f.resolver.Resolve(ctx, host)
	if err != nil {
		result.Status = StatusUnreachable
		result.Message = "no administrative share reachable"
		if ctx.Err() != nil {
			result.Message = "share probe timed out"
		}
		result.setErr(err)
		slog.Warn("host unreachable", "host", host, "error", err)
		return result
	}
	result.Location = location

	if _, err := f.store.HostDir(host); err != nil {
		result.Status = StatusFailed
		result.setErr(err)
		return result
	}

	result.Channels = f.collectChannels(ctx, host, location, window, started)

	written := result.Written()
	failures := result.Failures()
	switch {
	case ctx.Err() != nil:
		// The host deadline expired mid-collection; whatever was written stays
		// in the cache, but the host did not finish.
		result.Status = StatusFailed
		result.Message = "host timeout expired"
		result.setErr(errors.Join(append([]error{ctx.Err()}, failures...)...))
	case len(failures) > 0 && written == 0:
		result.Status = StatusFailed
		result.setErr(errors.Join(failures...))
	default:
		result.Status = StatusCollected
		if len(failures) > 0 {
			result.Message = "some channels failed"
		}
	}

	if f.archiver != nil && ctx.Err() == nil {
		for _, c := range result.Channels {
			if !c.Written {
				continue
			}
			ar, err := f.archiver.ArchiveBatch(ctx, host, c.Batch)
			if err != nil {
				slog.Warn("failed to archive batch", "host", host, "batch", c.Batch, "error", err)
				continue
			}
			result.Archived = append(result.Archived, ar.Location)
		}
	}

	slog.Info("host collected",
		"host", host,
		"status", result.Status,
		"location", location,
		"written", written,
		"failed", len(failures),
	)
	return result
}

// collectChannels processes every configured channel. Failures are recorded
// per channel and never stop the remaining channels.
func (f *Fleet) collectChannels(ctx context.Context, host, location string, window schema.Window, started time.Time) []ChannelResult {
	channels := f.config.Channels
	out := make([]ChannelResult, len(channels))

	g := new(errgroup.Group)
	g.SetLimit(f.config.ChannelWorkers)
	for i, ch := range channels {
		g.Go(func() error {
			out[i] = f.collectChannel(ctx, host, location, ch, window, started)
			return nil
		})
	}
	g.Wait()
	return out
}

// Metrics returns fleet runner statistics.
func (f *Fleet) Metrics() Metrics {
	return Metrics{
		HostsRun:       f.hostsRun.Load(),
		HostsCached:    f.hostsCached.Load(),
		HostsFailed:    f.hostsFailed.Load(),
		ExtractorCalls: f.extractorCalls.Load(),
		BatchesWritten: f.batchesWritten.Load(),
	}
}

// Metrics holds fleet runner statistics.
type Metrics struct {
	HostsRun       uint64 `json:"hosts_run"`
	HostsCached    uint64 `json:"hosts_cached"`
	HostsFailed    uint64 `json:"hosts_failed"`
	ExtractorCalls uint64 `json:"extractor_calls"`
	BatchesWritten uint64 `json:"batches_written"`
}
