package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"fleet-triage/internal/collector"
	"fleet-triage/internal/config"
	"fleet-triage/internal/extract"
	"fleet-triage/internal/kafka"
	"fleet-triage/internal/lease"
	"fleet-triage/internal/logging"
	"fleet-triage/internal/report"
	"fleet-triage/internal/resolver"
	"fleet-triage/internal/schema"
	"fleet-triage/internal/service"
	"fleet-triage/internal/storage"
	"fleet-triage/internal/storage/s3"
	"fleet-triage/internal/timestamp"
	"fleet-triage/internal/triage"
)

// app holds the components built from one configuration.
type app struct {
	cfg      *config.Config
	store    *storage.Store
	fleet    *collector.Fleet
	engine   *report.Engine
	svc      *service.Service
	producer *kafka.Producer
	archiver *s3.Archiver
	closers  []func() error
}

// newApp wires the collection pipeline, the report engine and the optional
// Kafka, S3 and Redis integrations enabled in cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg}

	policy, err := triage.ParsePolicy(cfg.Triage.Policy)
	if err != nil {
		return nil, err
	}

	kb := triage.DefaultKB
	if cfg.Triage.KBFile != "" {
		if kb, err = triage.LoadKB(cfg.Triage.KBFile); err != nil {
			return nil, err
		}
	}

	a.store = storage.NewStore(cfg.Cache.Dir)
	res := resolver.New(cfg.Resolver.Templates)
	ext := extract.NewPowerShell(cfg.Extract.Shell, cfg.Extract.Timeout)

	var opts []collector.Option

	if cfg.Lease.Enabled {
		client, err := lease.NewGoRedisClient(lease.RedisConfig{
			Addr:         cfg.Lease.Addr,
			Password:     cfg.Lease.Password,
			DB:           cfg.Lease.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		opts = append(opts, collector.WithLocker(lease.NewRedisLocker(client, cfg.Lease.TTL)))
		logger.Info("collection lease enabled", "addr", cfg.Lease.Addr, "ttl", cfg.Lease.TTL)
	}

	if cfg.Archive.Enabled {
		client, err := s3.NewClient(ctx, archiveConfig(cfg.Archive), logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if latency, err := client.Ping(pingCtx); err != nil {
			// Archive upload failures are logged per batch and never fail a host.
			logger.Warn("archive bucket unreachable", "bucket", cfg.Archive.Bucket, "error", err)
		} else {
			logger.Debug("archive bucket reachable", "bucket", cfg.Archive.Bucket, "latency", latency)
		}
		cancel()
		if a.archiver, err = s3.NewArchiver(client, logger); err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, a.archiver.Close)
		opts = append(opts, collector.WithArchiver(a.archiver))
	}

	if cfg.Kafka.Enabled {
		if a.producer, err = kafka.NewProducer(kafkaConfig(cfg.Kafka), logger); err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, a.producer.Close)
		opts = append(opts, collector.WithPublisher(a.producer))
	}

	a.fleet = collector.New(collector.Config{
		Channels:       cfg.Fleet.Channels,
		MaxEvents:      cfg.Extract.MaxEvents,
		HostWorkers:    cfg.Collector.HostWorkers,
		ChannelWorkers: cfg.Collector.ChannelWorkers,
		HostTimeout:    cfg.Collector.HostTimeout,
		CacheEnabled:   cfg.Cache.Enabled,
	}, a.store, res, ext, opts...)

	a.engine = report.NewEngine(a.store,
		triage.NewClassifier(cfg.Triage.NoisePhrases, cfg.Triage.KillerPhrases),
		kb,
		report.Config{Hotspots: cfg.Triage.Hotspots},
	)

	a.svc = service.New(a.fleet, a.engine, cfg.Fleet.Hosts, policy)
	if a.producer != nil {
		a.svc.WithPublisher(a.producer)
	}

	return a, nil
}

// Close releases integrations in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// kafkaConfig overlays the application's Kafka settings on the producer defaults.
func kafkaConfig(c config.KafkaConfig) *kafka.Config {
	kc := kafka.DefaultConfig()
	kc.Brokers = c.Brokers
	if c.ReportTopic != "" {
		kc.ReportTopic = c.ReportTopic
	}
	if c.HostTopic != "" {
		kc.HostTopic = c.HostTopic
	}
	if c.CompressionType != "" {
		kc.CompressionType = c.CompressionType
	}
	kc.TLS = c.TLS
	kc.Username = c.Username
	kc.Password = c.Password
	return kc
}

// archiveConfig maps archive settings onto an S3 client config. The key
// prefix always ends in a slash.
func archiveConfig(c config.ArchiveConfig) *s3.Config {
	sc := s3.DefaultConfig()
	sc.Bucket = c.Bucket
	if c.Region != "" {
		sc.Region = c.Region
	}
	sc.Prefix = c.Prefix
	if sc.Prefix != "" && !strings.HasSuffix(sc.Prefix, "/") {
		sc.Prefix += "/"
	}
	sc.Endpoint = c.Endpoint
	sc.AccessKeyID = c.AccessKeyID
	sc.SecretAccessKey = c.SecretAccessKey
	sc.UsePathStyle = c.UsePathStyle
	return sc
}

// loadConfig loads the file at path, or the default location when path is empty.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging builds the logger from config and makes it the default.
func setupLogging(cfg *config.Config) *slog.Logger {
	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)
	return logger
}

// hostsOrDefault parses a comma-separated host flag.
func hostsOrDefault(flagValue string, fallback []string) []string {
	if flagValue == "" {
		return fallback
	}
	var hosts []string
	for _, h := range strings.Split(flagValue, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// parseWindow parses -start/-end flag values.
func parseWindow(start, end string) (schema.Window, error) {
	var w schema.Window
	if start != "" {
		t, ok := timestamp.Parse(start)
		if !ok {
			return w, fmt.Errorf("invalid -start %q", start)
		}
		w.Start = t
	}
	if end != "" {
		t, ok := timestamp.Parse(end)
		if !ok {
			return w, fmt.Errorf("invalid -end %q", end)
		}
		w.End = t
	}
	if !w.Start.IsZero() && !w.End.IsZero() && w.End.Before(w.Start) {
		return w, fmt.Errorf("-end %s is before -start %s", end, start)
	}
	return w, nil
}
