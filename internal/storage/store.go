package storage

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fleet-triage/internal/schema"
)

// Store is the per-host collection cache rooted at a local directory.
// Each host owns one subdirectory; hosts never share files.
type Store struct {
	root string

	// Metrics
	batchesWritten atomic.Uint64
	recordsWritten atomic.Uint64
	writeFailures  atomic.Uint64
}

// BatchFile is a batch discovered on disk.
type BatchFile struct {
	Name BatchName
	Path string
}

// NewStore creates a Store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the cache root directory.
func (s *Store) Root() string {
	return s.root
}

// HostDirName maps a host identifier to its cache directory name.
// Dots become underscores, as do characters that are unsafe in paths.
func HostDirName(host string) string {
	return strings.NewReplacer(".", "_", ":", "_", "/", "_", `\`, "_").Replace(host)
}

// HostPath returns the host's cache directory without creating it.
func (s *Store) HostPath(host string) string {
	return filepath.Join(s.root, HostDirName(host))
}

// HostDir returns the host's cache directory, creating it if needed.
func (s *Store) HostDir(host string) (string, error) {
	if strings.TrimSpace(host) == "" {
		return "", ErrInvalidHost
	}
	dir := s.HostPath(host)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", NewStorageError("HostDir", dir, err)
	}
	return dir, nil
}

// StagingPath returns the transient local copy path for a channel's binary log.
func (s *Store) StagingPath(host, channel string, t time.Time) string {
	return filepath.Join(s.HostPath(host), stagingName(t, channel))
}

// Batches returns every batch file for host, any day, sorted by file name.
// A host without a cache directory has no batches.
func (s *Store) Batches(host string) ([]BatchFile, error) {
	dir := s.HostPath(host)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, NewStorageError("Batches", dir, err)
	}

	// os.ReadDir returns entries sorted by file name.
	var batches []BatchFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, ok := ParseName(e.Name())
		if !ok {
			continue
		}
		batches = append(batches, BatchFile{Name: name, Path: filepath.Join(dir, e.Name())})
	}
	return batches, nil
}

// dayBatches returns the batches for host stamped with day.
func (s *Store) dayBatches(host, day string) []BatchFile {
	all, err := s.Batches(host)
	if err != nil {
		slog.Warn("failed to list cached batches", "host", host, "error", err)
		return nil
	}
	var out []BatchFile
	for _, b := range all {
		if b.Name.Day == day {
			out = append(out, b)
		}
	}
	return out
}

// NeedsFetch reports whether host must be collected for day. The cache is
// satisfied when the number of batches stamped with day is at least the
// number of channels. This is a presence count, not a per-channel check:
// duplicate batches for one channel can mask a missing channel.
func (s *Store) NeedsFetch(host string, channels []string, day string) bool {
	return len(s.dayBatches(host, day)) < len(channels)
}

// HasFresh reports whether a batch for channel stamped with day exists.
func (s *Store) HasFresh(host, channel, day string) bool {
	for _, b := range s.dayBatches(host, day) {
		if b.Name.Channel == channel {
			return true
		}
	}
	return false
}

// BatchExists reports whether a batch named name is already stored for host.
func (s *Store) BatchExists(host string, name BatchName) bool {
	_, err := os.Stat(filepath.Join(s.HostPath(host), name.String()))
	return err == nil
}

// WriteBatch persists records as a new batch for host and writes its
// manifest. The batch is written to a temporary file, synced and renamed,
// so readers see it complete or not at all. An existing batch of the same
// name is never replaced.
func (s *Store) WriteBatch(host string, name BatchName, records []schema.EventRecord, m Manifest) (string, error) {
	dir, err := s.HostDir(host)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name.String())

	if _, err := os.Stat(path); err == nil {
		return "", NewStorageError("WriteBatch", path, ErrBatchExists)
	}

	var buf bytes.Buffer
	if err := WriteRecords(&buf, records); err != nil {
		s.writeFailures.Add(1)
		return "", wrapWriteError("WriteBatch", path, err)
	}
	if err := writeAtomic(path, buf.Bytes()); err != nil {
		s.writeFailures.Add(1)
		return "", wrapWriteError("WriteBatch", path, err)
	}

	if m.BatchID == uuid.Nil {
		m.BatchID = uuid.New()
	}
	m.Host = host
	m.Channel = name.Channel
	m.Day = name.Day
	m.File = name.String()
	m.Records = len(records)

	data, err := encodeManifest(&m)
	if err == nil {
		err = writeAtomic(path+ManifestSuffix, data)
	}
	if err != nil {
		// The batch itself is complete; a missing manifest only loses metadata.
		slog.Warn("failed to write batch manifest", "path", path, "error", err)
	}

	s.batchesWritten.Add(1)
	s.recordsWritten.Add(uint64(len(records)))

	slog.Debug("batch written",
		"host", host,
		"channel", name.Channel,
		"records", len(records),
		"path", path,
	)

	return path, nil
}

// writeAtomic writes data to path via a synced temporary file and rename.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	if _, err := w.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// ReadBatch reads the records of one batch file.
func (s *Store) ReadBatch(path string) ([]schema.EventRecord, ReadStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ReadStats{}, NewStorageError("ReadBatch", path, err)
	}
	defer f.Close()

	records, stats, err := ReadRecords(f)
	if err != nil {
		return nil, stats, NewStorageError("ReadBatch", path, err)
	}
	return records, stats, nil
}

// Metrics returns store write statistics.
func (s *Store) Metrics() StoreMetrics {
	return StoreMetrics{
		BatchesWritten: s.batchesWritten.Load(),
		RecordsWritten: s.recordsWritten.Load(),
		WriteFailures:  s.writeFailures.Load(),
	}
}

// StoreMetrics holds store statistics.
type StoreMetrics struct {
	BatchesWritten uint64 `json:"batches_written"`
	RecordsWritten uint64 `json:"records_written"`
	WriteFailures  uint64 `json:"write_failures"`
}
