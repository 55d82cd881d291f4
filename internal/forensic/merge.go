package forensic

import (
	"log/slog"

	"fleet-triage/internal/schema"
	"fleet-triage/internal/storage"
)

// Merger builds timelines from the collection cache.
type Merger struct {
	store     *storage.Store
	validator *schema.Validator
}

// NewMerger creates a Merger over store.
func NewMerger(store *storage.Store) *Merger {
	return &Merger{
		store:     store,
		validator: schema.NewValidator(),
	}
}

// Merge loads every batch of host, any day, into one timeline. Files are
// read in name order so the result is deterministic. Malformed batches are
// logged and skipped. A host without batches yields an empty timeline.
func (m *Merger) Merge(host string) (*Timeline, error) {
	tl := &Timeline{Hosts: []string{host}}
	if err := m.mergeInto(tl, host); err != nil {
		return nil, err
	}
	sortDescending(tl.Records)
	return tl, nil
}

// MergeHosts merges the batches of several hosts into one timeline.
func (m *Merger) MergeHosts(hosts []string) (*Timeline, error) {
	tl := &Timeline{Hosts: hosts}
	for _, host := range hosts {
		if err := m.mergeInto(tl, host); err != nil {
			return nil, err
		}
	}
	sortDescending(tl.Records)
	return tl, nil
}

func (m *Merger) mergeInto(tl *Timeline, host string) error {
	batches, err := m.store.Batches(host)
	if err != nil {
		return err
	}

	for _, b := range batches {
		records, stats, err := m.store.ReadBatch(b.Path)
		if err != nil {
			slog.Warn("skipping unreadable batch", "host", host, "file", b.Name.String(), "error", err)
			tl.Skipped = append(tl.Skipped, b.Path)
			continue
		}

		tl.Batches++
		tl.Stats.Rows += stats.Rows
		tl.Stats.BadTimestamps += stats.BadTimestamps
		tl.Stats.BadIDs += stats.BadIDs

		for _, r := range records {
			r.Host = host
			r.Channel = b.Name.Channel
			if err := m.validator.Validate(&r); err != nil {
				tl.Invalid++
			}
			tl.Records = append(tl.Records, r)
		}
	}

	if tl.Stats.BadTimestamps > 0 {
		slog.Debug("records without parsable timestamps", "host", host, "count", tl.Stats.BadTimestamps)
	}
	return nil
}
