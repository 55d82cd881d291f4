package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleet-triage/internal/collector"
	"fleet-triage/internal/config"
	"fleet-triage/internal/report"
	"fleet-triage/internal/schema"
)

func TestArchiveConfig(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"fleet-logs", "fleet-logs/"},
		{"fleet-logs/", "fleet-logs/"},
		{"", ""},
	}
	for _, tt := range tests {
		sc := archiveConfig(config.ArchiveConfig{Bucket: "logs", Prefix: tt.prefix})
		if sc.Prefix != tt.want {
			t.Errorf("archiveConfig(prefix %q).Prefix = %q, want %q", tt.prefix, sc.Prefix, tt.want)
		}
		if sc.Region != "us-east-1" {
			t.Errorf("Region = %q, want default us-east-1", sc.Region)
		}
	}
}

func TestKafkaConfig(t *testing.T) {
	kc := kafkaConfig(config.KafkaConfig{Brokers: []string{"b1:9092"}, ReportTopic: "reports"})
	if kc.ReportTopic != "reports" {
		t.Errorf("ReportTopic = %q, want reports", kc.ReportTopic)
	}
	if kc.HostTopic != "fleet-host-results" {
		t.Errorf("HostTopic = %q, want default", kc.HostTopic)
	}
	if err := kc.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	secured := kafkaConfig(config.KafkaConfig{Brokers: []string{"b1:9093"}, TLS: true, Username: "fleet", Password: "secret"})
	if !secured.TLS || secured.Username != "fleet" || secured.Password != "secret" {
		t.Errorf("kafkaConfig() = %+v, want TLS and SCRAM credentials carried over", secured)
	}
}

func TestHostsOrDefault(t *testing.T) {
	fallback := []string{"srv01"}
	if got := hostsOrDefault("", fallback); len(got) != 1 || got[0] != "srv01" {
		t.Errorf("hostsOrDefault(\"\") = %v, want fallback", got)
	}
	if got := hostsOrDefault(" a, ,b ", fallback); strings.Join(got, ",") != "a,b" {
		t.Errorf("hostsOrDefault() = %v, want [a b]", got)
	}
}

func TestParseWindow(t *testing.T) {
	if _, err := parseWindow("2024-03-02T00:00:00Z", "2024-03-01T00:00:00Z"); err == nil {
		t.Error("expected error for inverted window")
	}
	if _, err := parseWindow("soon", ""); err == nil {
		t.Error("expected error for unparsable start")
	}
	w, err := parseWindow("2024-03-01T00:00:00Z", "")
	if err != nil {
		t.Fatalf("parseWindow() error = %v", err)
	}
	if !w.Start.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) || !w.End.IsZero() {
		t.Errorf("parseWindow() = %+v", w)
	}
}

func TestNewAppWithoutIntegrations(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Cache.Dir = t.TempDir()
	cfg.Fleet.Hosts = []string{"srv01"}

	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.Close()

	if a.producer != nil || a.archiver != nil {
		t.Error("expected no integrations with default config")
	}

	rep, err := a.svc.Report(context.Background(), report.Query{})
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}
	if rep.Total != 0 || rep.Score != 100 {
		t.Errorf("empty cache report total %d score %d, want 0 and 100", rep.Total, rep.Score)
	}
}

func TestNewAppRejectsMissingKB(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Cache.Dir = t.TempDir()
	cfg.Triage.KBFile = "does-not-exist.yaml"

	if _, err := newApp(context.Background(), cfg, slog.Default()); err == nil {
		t.Error("expected error for missing KB file")
	}
}

func TestRunRestoreCmdRejects(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("archive:\n  enabled: false\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
	}{
		{"invalid day", []string{"-config", cfgPath, "-day", "2024-03-01"}},
		{"archive disabled", []string{"-config", cfgPath, "-hosts", "srv01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := runRestoreCmd(tt.args); code != 1 {
				t.Errorf("runRestoreCmd(%v) = %d, want 1", tt.args, code)
			}
		})
	}
}

func TestRenderRun(t *testing.T) {
	results := []collector.HostResult{
		{Host: "srv01", Status: collector.StatusCollected, Channels: []collector.ChannelResult{{Channel: "System", Written: true}}},
		{Host: "srv02", Status: collector.StatusUnreachable, Error: "host unreachable"},
	}
	var buf bytes.Buffer
	renderRun(&buf, results, collector.Summarize(results))

	out := buf.String()
	for _, want := range []string{"srv01", "collected", "srv02", "host unreachable", "2 hosts: 1 collected"} {
		if !strings.Contains(out, want) {
			t.Errorf("renderRun() output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderReport(t *testing.T) {
	rep := &report.Report{
		Score: 90,
		Grade: "fair",
		Total: 3,
		Clusters: []schema.Cluster{
			{Host: "srv01", ID: 41, Level: schema.LevelCritical, Message: "Kernel-Power\r\nrebooted", Count: 2, Priority: schema.PriorityUrgent},
			{Host: "srv01", ID: 7036, Level: schema.LevelInformation, Message: "running", Count: 1, Priority: schema.PriorityNormal},
		},
		Advisories: []string{"check the power supply"},
	}
	var buf bytes.Buffer
	renderReport(&buf, rep, 1)

	out := buf.String()
	for _, want := range []string{"90/100", "Kernel-Power rebooted", "1 more patterns", "check the power supply"} {
		if !strings.Contains(out, want) {
			t.Errorf("renderReport() output missing %q:\n%s", want, out)
		}
	}
}
