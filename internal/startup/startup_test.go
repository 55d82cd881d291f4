package startup

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fleet-triage/internal/config"
)

// newTestDiagnostics creates a Diagnostics over a default config with the
// cache in a temp dir and a buffer-backed logger.
func newTestDiagnostics(t *testing.T) (*Diagnostics, *config.Config, *bytes.Buffer) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Cache.Dir = filepath.Join(t.TempDir(), "Fleet_Logs")
	cfg.Fleet.Hosts = []string{"srv01"}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	d := NewDiagnostics(cfg, logger)
	d.lookPath = func(file string) (string, error) { return "/usr/bin/" + file, nil }
	return d, cfg, &buf
}

// findResult returns the result named name, or nil.
func findResult(results []DiagnosticResult, name string) *DiagnosticResult {
	for i := range results {
		if results[i].Name == name {
			return &results[i]
		}
	}
	return nil
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		s    Status
		want string
	}{
		{StatusOK, "OK"},
		{StatusWarning, "WARNING"},
		{StatusError, "ERROR"},
		{StatusSkipped, "SKIPPED"},
		{Status(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestRunAll_DefaultConfig(t *testing.T) {
	d, cfg, buf := newTestDiagnostics(t)

	results := d.RunAll(context.Background(), false)
	if d.HasErrors() {
		t.Errorf("unexpected errors: %+v", results)
	}

	if r := findResult(results, "cache_dir"); r == nil || r.Status != StatusOK {
		t.Errorf("cache_dir = %+v, want OK", r)
	}
	if _, err := os.Stat(cfg.Cache.Dir); err != nil {
		t.Errorf("expected cache dir to be created: %v", err)
	}
	if r := findResult(results, "port_http"); r != nil {
		t.Error("port check should not run when disabled")
	}
	if r := findResult(results, "kafka"); r == nil || r.Status != StatusSkipped {
		t.Errorf("kafka = %+v, want SKIPPED", r)
	}
	if !strings.Contains(buf.String(), "diagnostics summary") {
		t.Error("expected a summary log line")
	}
}

func TestRunAll_Problems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Diagnostics, cfg *config.Config)
		check  string
		want   Status
	}{
		{
			name:   "no hosts",
			mutate: func(_ *Diagnostics, cfg *config.Config) { cfg.Fleet.Hosts = nil },
			check:  "fleet_hosts",
			want:   StatusWarning,
		},
		{
			name: "missing shell",
			mutate: func(d *Diagnostics, _ *config.Config) {
				d.lookPath = func(string) (string, error) { return "", errors.New("not found") }
			},
			check: "extract_shell",
			want:  StatusWarning,
		},
		{
			name:   "missing kb",
			mutate: func(_ *Diagnostics, cfg *config.Config) { cfg.Triage.KBFile = "missing.yaml" },
			check:  "kb_file",
			want:   StatusError,
		},
		{
			name:   "invalid config",
			mutate: func(_ *Diagnostics, cfg *config.Config) { cfg.Triage.Policy = "vibes" },
			check:  "config_validation",
			want:   StatusError,
		},
		{
			name: "archive without keys",
			mutate: func(_ *Diagnostics, cfg *config.Config) {
				cfg.Archive.Enabled = true
				cfg.Archive.Bucket = "fleet"
			},
			check: "archive_credentials",
			want:  StatusWarning,
		},
		{
			name:   "unlimited collect",
			mutate: func(_ *Diagnostics, cfg *config.Config) { cfg.RateLimit.Enabled = false },
			check:  "rate_limit",
			want:   StatusWarning,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, cfg, _ := newTestDiagnostics(t)
			tt.mutate(d, cfg)

			r := findResult(d.RunAll(context.Background(), false), tt.check)
			if r == nil {
				t.Fatalf("check %q did not run", tt.check)
			}
			if r.Status != tt.want {
				t.Errorf("%s status = %v, want %v (%s)", tt.check, r.Status, tt.want, r.Message)
			}
		})
	}
}

func TestCheckCacheDir_NotADirectory(t *testing.T) {
	d, cfg, _ := newTestDiagnostics(t)
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Cache.Dir = file

	d.checkCacheDir()
	if r := findResult(d.Results(), "cache_dir"); r == nil || r.Status != StatusError {
		t.Errorf("cache_dir = %+v, want ERROR", r)
	}
}

func TestCheckPort(t *testing.T) {
	d, cfg, _ := newTestDiagnostics(t)
	cfg.Server.HTTPPort = 0 // any free port

	d.checkPort()
	if r := findResult(d.Results(), "port_http"); r == nil || r.Status != StatusOK {
		t.Errorf("port_http = %+v, want OK", r)
	}
}
