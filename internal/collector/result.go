// Package collector runs the per-host collection pipeline across a fleet:
// cache check, share resolution, per-channel extraction into export batches.
package collector

import (
	"errors"
	"fmt"
	"time"
)

// Status is the outcome of one host's pipeline.
type Status string

const (
	StatusCached      Status = "cached"
	StatusCollected   Status = "collected"
	StatusUnreachable Status = "unreachable"
	StatusSkipped     Status = "skipped"
	StatusFailed      Status = "failed"
)

// Reasons a channel was not written.
const (
	SkipFresh  = "fresh"  // a batch for the channel already exists today
	SkipAbsent = "absent" // the host has no log file for the channel
	SkipExists = "exists" // a batch with the same name was written this minute
)

// ChannelError wraps a failure of one channel of one host.
type ChannelError struct {
	Op      string // "copy", "extract", "write"
	Channel string
	Err     error
}

// Error returns the error message.
func (e *ChannelError) Error() string {
	return fmt.Sprintf("collector.%s(%s): %v", e.Op, e.Channel, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ChannelError) Unwrap() error {
	return e.Err
}

// ChannelResult reports what happened to one channel.
type ChannelResult struct {
	Channel string `json:"channel"`
	Written bool   `json:"written"`
	Skipped string `json:"skipped,omitempty"`
	Records int    `json:"records"`
	Batch   string `json:"batch,omitempty"`
	Err     error  `json:"-"`
	Error   string `json:"error,omitempty"`
}

func (r *ChannelResult) fail(op string, err error) {
	r.Err = &ChannelError{Op: op, Channel: r.Channel, Err: err}
	r.Error = r.Err.Error()
}

// HostResult reports one host's pipeline outcome. Unreachable hosts and
// channel failures are data, never raised.
type HostResult struct {
	Host      string          `json:"host"`
	Status    Status          `json:"status"`
	Location  string          `json:"location,omitempty"`
	Message   string          `json:"message,omitempty"`
	Channels  []ChannelResult `json:"channels,omitempty"`
	Archived  []string        `json:"archived,omitempty"`
	Err       error           `json:"-"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

func (r *HostResult) setErr(err error) {
	r.Err = err
	if err != nil {
		r.Error = err.Error()
	}
}

// Written returns the number of channels that produced a new batch.
func (r *HostResult) Written() int {
	n := 0
	for _, c := range r.Channels {
		if c.Written {
			n++
		}
	}
	return n
}

// Failures returns the channel errors of the host.
func (r *HostResult) Failures() []error {
	var errs []error
	for _, c := range r.Channels {
		if c.Err != nil {
			errs = append(errs, c.Err)
		}
	}
	return errs
}

// Summary counts host results by status.
type Summary struct {
	Hosts       int `json:"hosts"`
	Cached      int `json:"cached"`
	Collected   int `json:"collected"`
	Unreachable int `json:"unreachable"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
	Batches     int `json:"batches"`
	Records     int `json:"records"`
}

// Summarize counts results by status and totals the written batches.
func Summarize(results []HostResult) Summary {
	s := Summary{Hosts: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusCached:
			s.Cached++
		case StatusCollected:
			s.Collected++
		case StatusUnreachable:
			s.Unreachable++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
		for _, c := range r.Channels {
			if c.Written {
				s.Batches++
				s.Records += c.Records
			}
		}
	}
	return s
}

// Err joins the errors of every host result, or returns nil.
func Err(results []HostResult) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Host, r.Err))
		}
	}
	return errors.Join(errs...)
}
