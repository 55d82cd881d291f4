// Package forensic merges a host's export batches into one master timeline.
package forensic

import (
	"encoding/csv"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"fleet-triage/internal/schema"
	"fleet-triage/internal/storage"
	"fleet-triage/internal/timestamp"
)

// Timeline is the merged, time-ordered record set of one or more hosts.
// Records are sorted newest first; records without a timestamp come last.
type Timeline struct {
	Hosts   []string             `json:"hosts"`
	Records []schema.EventRecord `json:"records"`

	// Batches is the number of batch files merged.
	Batches int `json:"batches"`
	// Skipped lists malformed batch files that were not merged.
	Skipped []string `json:"skipped,omitempty"`
	// Invalid counts merged records that failed record validation.
	Invalid int               `json:"invalid"`
	Stats   storage.ReadStats `json:"stats"`
}

// Len returns the number of records.
func (t *Timeline) Len() int {
	return len(t.Records)
}

// IsEmpty reports whether the timeline holds no records.
func (t *Timeline) IsEmpty() bool {
	return len(t.Records) == 0
}

// sortDescending orders records newest first with null timestamps last,
// keeping input order among equal timestamps.
func sortDescending(records []schema.EventRecord) {
	slices.SortStableFunc(records, func(a, b schema.EventRecord) int {
		switch {
		case !a.HasTime() && !b.HasTime():
			return 0
		case !a.HasTime():
			return 1
		case !b.HasTime():
			return -1
		}
		return b.TimeCreated.Compare(a.TimeCreated)
	})
}

// Ascending returns the records oldest first, null timestamps still last.
func (t *Timeline) Ascending() []schema.EventRecord {
	out := make([]schema.EventRecord, len(t.Records))
	copy(out, t.Records)
	slices.SortStableFunc(out, func(a, b schema.EventRecord) int {
		switch {
		case !a.HasTime() && !b.HasTime():
			return 0
		case !a.HasTime():
			return 1
		case !b.HasTime():
			return -1
		}
		return a.TimeCreated.Compare(b.TimeCreated)
	})
	return out
}

// LastBoot returns the most recent timestamp among event log service
// start events, or false when the timeline has none.
func (t *Timeline) LastBoot() (time.Time, bool) {
	var last time.Time
	for _, r := range t.Records {
		if r.ID == schema.BootEventID && r.TimeCreated.After(last) {
			last = r.TimeCreated
		}
	}
	return last, !last.IsZero()
}

// LastBootByHost returns the last boot time of every host that has one.
func (t *Timeline) LastBootByHost() map[string]time.Time {
	boots := make(map[string]time.Time)
	for _, r := range t.Records {
		if r.ID != schema.BootEventID || !r.HasTime() {
			continue
		}
		if r.TimeCreated.After(boots[r.Host]) {
			boots[r.Host] = r.TimeCreated
		}
	}
	return boots
}

// Within returns the records inside window, preserving order. Records
// without a timestamp are excluded unless the window is open.
func (t *Timeline) Within(window schema.Window) []schema.EventRecord {
	if window.IsOpen() {
		return t.Records
	}
	var out []schema.EventRecord
	for _, r := range t.Records {
		if window.Contains(r.TimeCreated) {
			out = append(out, r)
		}
	}
	return out
}

// Forensic returns the Error, Critical and Warning records, preserving order.
func (t *Timeline) Forensic() []schema.EventRecord {
	var out []schema.EventRecord
	for _, r := range t.Records {
		switch r.Level {
		case schema.LevelCritical, schema.LevelError, schema.LevelWarning:
			out = append(out, r)
		}
	}
	return out
}

// TimelineHeader is the column order of an exported timeline.
var TimelineHeader = []string{
	storage.ColTimeCreated,
	storage.ColID,
	storage.ColLevel,
	storage.ColProvider,
	storage.ColMessage,
	"Host",
	"Log_Source",
}

// WriteCSV writes records with their provenance columns.
func WriteCSV(w io.Writer, records []schema.EventRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(TimelineHeader); err != nil {
		return err
	}
	for _, r := range records {
		if err := cw.Write([]string{
			timestamp.Format(r.TimeCreated),
			strconv.Itoa(r.ID),
			string(r.Level),
			r.Provider,
			r.Message,
			r.Host,
			r.Channel,
		}); err != nil {
			slog.Debug("failed to write timeline row", "error", err)
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
