// Package extract turns a local copy of a channel's binary event log into
// event records. The engine depends only on the Extractor interface; the
// PowerShell implementation shells out to Get-WinEvent.
package extract

import (
	"context"
	"errors"

	"fleet-triage/internal/schema"
)

// ErrExtractionFailed indicates the extraction tool failed for one channel.
var ErrExtractionFailed = errors.New("extract: extraction failed")

// Extractor reads at most maxEvents records from a local channel log,
// restricted to window when it has bounds.
type Extractor interface {
	Name() string
	ExtractChannel(ctx context.Context, localFile string, window schema.Window, maxEvents int) ([]schema.EventRecord, error)
}

// Func adapts a function to the Extractor interface.
type Func func(ctx context.Context, localFile string, window schema.Window, maxEvents int) ([]schema.EventRecord, error)

// Name returns "func".
func (f Func) Name() string { return "func" }

// ExtractChannel calls f.
func (f Func) ExtractChannel(ctx context.Context, localFile string, window schema.Window, maxEvents int) ([]schema.EventRecord, error) {
	return f(ctx, localFile, window, maxEvents)
}
