// Package startup runs preflight diagnostics before fleet-triage serves or collects.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"fleet-triage/internal/config"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// Diagnostics runs all startup diagnostics
type Diagnostics struct {
	cfg      *config.Config
	results  []DiagnosticResult
	logger   *slog.Logger
	lookPath func(file string) (string, error)
}

// NewDiagnostics creates a new diagnostics runner
func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	return &Diagnostics{
		cfg:      cfg,
		logger:   logger,
		lookPath: exec.LookPath,
	}
}

// RunAll runs every check. checkPort is false for commands that do not listen.
func (d *Diagnostics) RunAll(ctx context.Context, checkPort bool) []DiagnosticResult {
	d.logger.Info("running startup diagnostics")
	d.results = nil

	d.checkSystem()
	d.checkConfiguration()
	d.checkCacheDir()
	d.checkFleet()
	d.checkExtractor()
	d.checkKB()
	if checkPort {
		d.checkPort()
	}
	d.checkIntegrations()

	d.printSummary()
	return d.results
}

// Results returns the results of the last run.
func (d *Diagnostics) Results() []DiagnosticResult {
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       fmt.Sprintf("%d", runtime.NumCPU()),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "config_validation",
		Status:  StatusOK,
		Message: "Configuration is valid",
	})
}

// checkCacheDir creates the collection cache and verifies it is writable.
func (d *Diagnostics) checkCacheDir() {
	dir := d.cfg.Cache.Dir
	details := map[string]string{"path": dir}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "cache_dir",
			Status:  StatusError,
			Message: fmt.Sprintf("Failed to create cache directory: %s", err),
			Details: details,
		})
		return
	}

	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "cache_dir",
			Status:  StatusError,
			Message: fmt.Sprintf("Cache directory is not writable: %s", err),
			Details: details,
		})
		return
	}
	probe.Close()
	os.Remove(probe.Name())

	d.addResult(DiagnosticResult{
		Name:    "cache_dir",
		Status:  StatusOK,
		Message: "Cache directory is writable",
		Details: details,
	})
}

func (d *Diagnostics) checkFleet() {
	if len(d.cfg.Fleet.Hosts) == 0 {
		d.addResult(DiagnosticResult{
			Name:    "fleet_hosts",
			Status:  StatusWarning,
			Message: "No hosts configured; collections must name hosts explicitly",
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "fleet_hosts",
			Status:  StatusOK,
			Message: fmt.Sprintf("%d hosts configured", len(d.cfg.Fleet.Hosts)),
			Details: map[string]string{"channels": strings.Join(d.cfg.Fleet.Channels, ",")},
		})
	}

	for i, tmpl := range d.cfg.Resolver.Templates {
		if strings.Count(tmpl, "{host}") != 1 {
			d.addResult(DiagnosticResult{
				Name:    fmt.Sprintf("resolver_template_%d", i),
				Status:  StatusError,
				Message: "Share template must contain exactly one {host} placeholder",
				Details: map[string]string{"template": tmpl},
			})
		}
	}
}

// checkExtractor looks for the extraction shell on PATH.
func (d *Diagnostics) checkExtractor() {
	shell := d.cfg.Extract.Shell
	path, err := d.lookPath(shell)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "extract_shell",
			Status:  StatusWarning,
			Message: fmt.Sprintf("Extraction shell %q not found; every channel extraction will fail", shell),
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "extract_shell",
		Status:  StatusOK,
		Message: "Extraction shell found",
		Details: map[string]string{"path": path},
	})
}

func (d *Diagnostics) checkKB() {
	if d.cfg.Triage.KBFile == "" {
		d.addResult(DiagnosticResult{
			Name:    "kb_file",
			Status:  StatusSkipped,
			Message: "Using the built-in knowledge base",
		})
		return
	}
	if !fileExists(d.cfg.Triage.KBFile) {
		d.addResult(DiagnosticResult{
			Name:    "kb_file",
			Status:  StatusError,
			Message: "Knowledge base file not found",
			Details: map[string]string{"path": d.cfg.Triage.KBFile},
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "kb_file",
		Status:  StatusOK,
		Message: "Knowledge base file found",
		Details: map[string]string{"path": filepath.Clean(d.cfg.Triage.KBFile)},
	})
}

func (d *Diagnostics) checkPort() {
	port := d.cfg.Server.HTTPPort

	// Try to bind to the port briefly
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "port_http",
			Status:  StatusError,
			Message: fmt.Sprintf("Port %d is not available: %s", port, err),
			Details: map[string]string{"port": fmt.Sprintf("%d", port)},
		})
		return
	}
	listener.Close()
	d.addResult(DiagnosticResult{
		Name:    "port_http",
		Status:  StatusOK,
		Message: fmt.Sprintf("Port %d is available", port),
		Details: map[string]string{"port": fmt.Sprintf("%d", port)},
	})
}

func (d *Diagnostics) checkIntegrations() {
	integrations := []struct {
		name    string
		enabled bool
		detail  string
	}{
		{"kafka", d.cfg.Kafka.Enabled, strings.Join(d.cfg.Kafka.Brokers, ",")},
		{"archive", d.cfg.Archive.Enabled, d.cfg.Archive.Bucket},
		{"lease", d.cfg.Lease.Enabled, d.cfg.Lease.Addr},
		{"scheduler", d.cfg.Scheduler.Cron != "", d.cfg.Scheduler.Cron},
	}

	for _, in := range integrations {
		if !in.enabled {
			d.addResult(DiagnosticResult{
				Name:    in.name,
				Status:  StatusSkipped,
				Message: "Disabled",
			})
			continue
		}
		d.addResult(DiagnosticResult{
			Name:    in.name,
			Status:  StatusOK,
			Message: "Enabled",
			Details: map[string]string{"target": in.detail},
		})
	}

	if d.cfg.Archive.Enabled && d.cfg.Archive.AccessKeyID == "" {
		d.addResult(DiagnosticResult{
			Name:    "archive_credentials",
			Status:  StatusWarning,
			Message: "No static credentials; the AWS default credential chain will be used",
		})
	}

	if d.cfg.RateLimit.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "rate_limit",
			Status:  StatusOK,
			Message: "Collect trigger rate limited",
			Details: map[string]string{
				"every": d.cfg.RateLimit.Every.String(),
				"burst": fmt.Sprintf("%d", d.cfg.RateLimit.Burst),
			},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "rate_limit",
			Status:  StatusWarning,
			Message: "Collect trigger is not rate limited",
		})
	}
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)

	if errors > 0 {
		d.logger.Error("startup diagnostics found errors")
	} else if warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
