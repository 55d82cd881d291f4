package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"fleet-triage/internal/logging"
	"fleet-triage/internal/schema"
	"fleet-triage/internal/storage"
)

// Runner abstracts command execution for testability.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// execRunner implements Runner using os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.Bytes(), nil
}

// PowerShell extracts records with Get-WinEvent and parses the CSV it prints.
type PowerShell struct {
	shell   string
	timeout time.Duration
	runner  Runner
}

// NewPowerShell creates a PowerShell extractor. An empty shell uses "powershell";
// a zero timeout leaves the invocation bounded only by ctx.
func NewPowerShell(shell string, timeout time.Duration) *PowerShell {
	if shell == "" {
		shell = "powershell"
	}
	return &PowerShell{
		shell:   shell,
		timeout: timeout,
		runner:  execRunner{},
	}
}

// WithRunner replaces the command runner.
func (p *PowerShell) WithRunner(r Runner) *PowerShell {
	p.runner = r
	return p
}

// Name returns "powershell".
func (p *PowerShell) Name() string { return "powershell" }

// ExtractChannel runs Get-WinEvent against localFile.
func (p *PowerShell) ExtractChannel(ctx context.Context, localFile string, window schema.Window, maxEvents int) ([]schema.EventRecord, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	script := Script(localFile, window, maxEvents)
	out, err := p.runner.Run(ctx, p.shell, "-NoProfile", "-NonInteractive", "-Command", script)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrExtractionFailed, logging.MaskSensitivePatterns(err.Error()))
	}

	records, stats, err := storage.ReadRecords(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	if stats.BadTimestamps > 0 || stats.BadIDs > 0 {
		slog.Debug("extractor output had unparsable fields",
			"file", localFile,
			"bad_timestamps", stats.BadTimestamps,
			"bad_ids", stats.BadIDs,
		)
	}
	return records, nil
}

// Script builds the PowerShell command for one channel file. When the
// window has bounds the filter is applied by Get-WinEvent before the cap.
func Script(localFile string, window schema.Window, maxEvents int) string {
	var b strings.Builder
	b.WriteString("[Console]::OutputEncoding = [Text.Encoding]::UTF8; ")
	b.WriteString("try { ")

	if window.IsOpen() {
		b.WriteString("Get-WinEvent -Path " + quote(localFile))
	} else {
		b.WriteString("Get-WinEvent -FilterHashtable @{Path=" + quote(localFile))
		if !window.Start.IsZero() {
			b.WriteString("; StartTime=" + psDate(window.Start))
		}
		if !window.End.IsZero() {
			b.WriteString("; EndTime=" + psDate(window.End))
		}
		b.WriteString("}")
	}
	if maxEvents > 0 {
		b.WriteString(" -MaxEvents " + strconv.Itoa(maxEvents))
	}
	b.WriteString(" -ErrorAction Stop")
	b.WriteString(" | Select-Object TimeCreated, Id, LevelDisplayName, ProviderName, Message")
	b.WriteString(" | ConvertTo-Csv -NoTypeInformation")
	b.WriteString(" } catch { if ($_.FullyQualifiedErrorId -match 'NoMatchingEventsFound') { exit 0 }; throw }")
	return b.String()
}

// quote renders s as a single-quoted PowerShell string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func psDate(t time.Time) string {
	return "[datetime]::Parse(" + quote(t.UTC().Format(time.RFC3339)) + ")"
}
