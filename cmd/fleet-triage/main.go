// Package main is the fleet-triage command line: it collects Windows event
// logs from a fleet of hosts, triages them and serves reports over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"fleet-triage/internal/api"
	"fleet-triage/internal/config"
	"fleet-triage/internal/forensic"
	"fleet-triage/internal/kafka"
	"fleet-triage/internal/report"
	"fleet-triage/internal/scheduler"
	"fleet-triage/internal/startup"
	"fleet-triage/internal/storage"
	"fleet-triage/internal/triage"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "collect":
		os.Exit(runCollectCmd(os.Args[2:]))
	case "report":
		os.Exit(runReportCmd(os.Args[2:]))
	case "export":
		os.Exit(runExportCmd(os.Args[2:]))
	case "restore":
		os.Exit(runRestoreCmd(os.Args[2:]))
	case "serve":
		os.Exit(runServeCmd(os.Args[2:]))
	case "doctor":
		os.Exit(runDoctorCmd(os.Args[2:]))
	case "version", "-version", "--version", "-v":
		fmt.Printf("fleet-triage %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: fleet-triage <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  collect  Fetch event logs from the fleet into the local cache\n")
	fmt.Fprintf(os.Stderr, "  report   Triage cached logs and print the fleet report\n")
	fmt.Fprintf(os.Stderr, "  export   Write the merged master timeline as CSV\n")
	fmt.Fprintf(os.Stderr, "  restore  Copy archived batches back into the local cache\n")
	fmt.Fprintf(os.Stderr, "  serve    Run the HTTP API and scheduled collections\n")
	fmt.Fprintf(os.Stderr, "  doctor   Check configuration, cache and tooling\n")
	fmt.Fprintf(os.Stderr, "  version  Show version and exit\n\n")
	fmt.Fprintf(os.Stderr, "Configuration is read from -config, $FLEET_CONFIG_PATH or configs/config.yaml.\n")
}

// commonFlags are shared by every subcommand that reads the cache.
type commonFlags struct {
	config string
	hosts  string
	start  string
	end    string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.config, "config", "", "Path to config file")
	fs.StringVar(&c.hosts, "hosts", "", "Comma-separated hosts (default: fleet.hosts from config)")
	fs.StringVar(&c.start, "start", "", "Window start time")
	fs.StringVar(&c.end, "end", "", "Window end time")
}

// setup loads config, installs the logger and wires the app.
func (c *commonFlags) setup(ctx context.Context) (*app, error) {
	cfg, err := loadConfig(c.config)
	if err != nil {
		return nil, err
	}
	logger := setupLogging(cfg)
	return newApp(ctx, cfg, logger)
}

func runCollectCmd(args []string) int {
	fs := flag.NewFlagSet("collect", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	noCache := fs.Bool("no-cache", false, "Fetch every channel even when cached today")
	asJSON := fs.Bool("json", false, "Print results as JSON")
	fs.Parse(args)

	window, err := parseWindow(common.start, common.end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(common.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *noCache {
		cfg.Cache.Enabled = false
	}
	a, err := newApp(ctx, cfg, setupLogging(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	run, err := a.svc.Collect(ctx, hostsOrDefault(common.hosts, nil), window)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *asJSON {
		writeJSON(os.Stdout, run)
	} else {
		renderRun(os.Stdout, run.Results, run.Summary)
	}

	m := a.fleet.Metrics()
	slog.Info("collection finished",
		"run_id", run.ID,
		"extractor_calls", m.ExtractorCalls,
		"batches_written", m.BatchesWritten,
		"duration", run.FinishedAt.Sub(run.StartedAt),
	)

	if run.Summary.Failed+run.Summary.Unreachable == run.Summary.Hosts {
		return 2
	}
	return 0
}

func runReportCmd(args []string) int {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	policy := fs.String("policy", "", "Score policy: pattern-count, weighted-severity, raw-event, error-warning")
	top := fs.Int("top", 25, "Number of clusters to print")
	asJSON := fs.Bool("json", false, "Print the report as JSON")
	fs.Parse(args)

	window, err := parseWindow(common.start, common.end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	var p triage.Policy
	if *policy != "" {
		if p, err = triage.ParsePolicy(*policy); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	ctx := context.Background()
	a, err := common.setup(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	rep, err := a.svc.Report(ctx, report.Query{
		Hosts:  hostsOrDefault(common.hosts, nil),
		Window: window,
		Policy: p,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *asJSON {
		writeJSON(os.Stdout, rep)
	} else {
		renderReport(os.Stdout, rep, *top)
	}
	return 0
}

func runExportCmd(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	forensicOnly := fs.Bool("forensic", false, "Only Error, Critical and Warning records")
	out := fs.String("o", "", "Output file (default: stdout)")
	fs.Parse(args)

	window, err := parseWindow(common.start, common.end)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(common.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	setupLogging(cfg)

	hosts := hostsOrDefault(common.hosts, cfg.Fleet.Hosts)
	if len(hosts) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no hosts given and fleet.hosts is empty\n")
		return 1
	}

	// Export reads the cache only; no integrations are needed.
	tl, err := forensic.NewMerger(storage.NewStore(cfg.Cache.Dir)).MergeHosts(hosts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	tl.Records = tl.Within(window)
	records := tl.Records
	if *forensicOnly {
		records = tl.Forensic()
	}

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer f.Close()
		w = f
	}

	if err := forensic.WriteCSV(w, records); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	slog.Info("timeline exported",
		"hosts", len(hosts),
		"records", len(records),
		"batches", tl.Batches,
		"skipped", len(tl.Skipped),
		"invalid", tl.Invalid,
	)
	return 0
}

func runRestoreCmd(args []string) int {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	hosts := fs.String("hosts", "", "Comma-separated hosts (default: fleet.hosts from config)")
	day := fs.String("day", "", "Only restore batches stamped with this day (YYYYMMDD)")
	fs.Parse(args)

	if *day != "" {
		if _, err := time.Parse("20060102", *day); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid day %q\n", *day)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if !cfg.Archive.Enabled {
		fmt.Fprintf(os.Stderr, "Error: archive is not enabled in config\n")
		return 1
	}
	a, err := newApp(ctx, cfg, setupLogging(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	targets := hostsOrDefault(*hosts, cfg.Fleet.Hosts)
	if len(targets) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no hosts given and fleet.hosts is empty\n")
		return 1
	}

	failed := false
	for _, host := range targets {
		res, err := a.archiver.RestoreHost(ctx, a.store, host, *day)
		if err != nil {
			failed = true
			slog.Error("restore failed", "host", host, "error", err)
		}
		fmt.Printf("%-20s restored=%d present=%d failed=%d\n", host, res.Restored, res.Present, res.Failed)
	}
	if failed {
		return 1
	}
	return 0
}

func runServeCmd(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logger := setupLogging(cfg)

	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"hosts", len(cfg.Fleet.Hosts),
		"channels", cfg.Fleet.Channels,
		"cache_dir", cfg.Cache.Dir,
		"kafka_enabled", cfg.Kafka.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
		"lease_enabled", cfg.Lease.Enabled,
		"schedule", cfg.Scheduler.Cron,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	diag := startup.NewDiagnostics(cfg, logger)
	diag.RunAll(ctx, true)
	if diag.HasErrors() {
		logger.Error("refusing to start; fix the failed diagnostics first")
		return 1
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return 1
	}
	defer a.Close()

	if cfg.Kafka.Enabled {
		admin, err := kafka.NewAdmin(kafkaConfig(cfg.Kafka), logger)
		if err != nil {
			logger.Error("failed to create kafka admin", "error", err)
			return 1
		}
		topicCtx, topicCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := admin.EnsureFleetTopics(topicCtx); err != nil {
			logger.Warn("failed to ensure kafka topics", "error", err)
		}
		topicCancel()
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Cron != "" {
		if sched, err = scheduler.New(cfg.Scheduler.Cron, a.svc, logger); err != nil {
			logger.Error("failed to create scheduler", "error", err)
			return 1
		}
		if err := sched.Start(ctx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			return 1
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.Enabled {
		limiter = api.NewLimiter(cfg.RateLimit.Every, cfg.RateLimit.Burst)
	}
	handler := api.NewHandler(a.svc, limiter)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      api.WithMiddleware(handler.Routes()),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting fleet-triage server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "error", err)
		return 1
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Stop starting new host pipelines, then wait for the running cycle
	cancel()
	if sched != nil {
		sched.Stop()
		st := sched.Stats()
		logger.Info("scheduler stopped", "runs", st.Runs, "skipped", st.Skipped, "failed", st.Failed)
	}

	m := a.fleet.Metrics()
	logger.Info("shutdown complete",
		"hosts_run", m.HostsRun,
		"hosts_cached", m.HostsCached,
		"hosts_failed", m.HostsFailed,
		"batches_written", m.BatchesWritten,
	)
	if a.producer != nil {
		pm := a.producer.GetMetrics()
		logger.Info("kafka metrics", "messages_sent", pm.MessagesProduced, "errors", pm.Errors)
	}
	if a.archiver != nil {
		am := a.archiver.GetMetrics()
		logger.Info("archive metrics", "batches", am.BatchesArchived, "bytes_in", am.BytesIn, "bytes_out", am.BytesOut)
	}
	return 0
}

func runDoctorCmd(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	checkPort := fs.Bool("port", false, "Also check that the HTTP port is free")
	fs.Parse(args)

	// Load without validating; validation is one of the checks.
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logger := setupLogging(cfg)

	diag := startup.NewDiagnostics(cfg, logger)
	for _, r := range diag.RunAll(context.Background(), *checkPort) {
		fmt.Printf("%-8s %-22s %s\n", r.Status, r.Name, r.Message)
	}
	if diag.HasErrors() {
		return 1
	}
	return 0
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("failed to encode output", "error", err)
	}
}
