package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"fleet-triage/internal/storage"
)

// ArchiveSuffix is appended to archived batch keys.
const ArchiveSuffix = ".zst"

// Archiver copies completed export batches to S3, zstd-compressed.
// Keys follow <host dir>/<day>/<batch file>.zst.
type Archiver struct {
	client  *Client
	logger  *slog.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	metrics *archiverMetrics
}

type archiverMetrics struct {
	batchesArchived atomic.Int64
	batchesRestored atomic.Int64
	bytesIn         atomic.Int64
	bytesOut        atomic.Int64
	errors          atomic.Int64
}

// NewArchiver creates a new archiver.
func NewArchiver(client *Client, logger *slog.Logger) (*Archiver, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("s3: failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to create zstd decoder: %w", err)
	}
	return &Archiver{
		client:  client,
		logger:  logger,
		encoder: enc,
		decoder: dec,
		metrics: &archiverMetrics{},
	}, nil
}

// ArchiveResult describes one archived batch.
type ArchiveResult struct {
	Key             string `json:"key"`
	Location        string `json:"location"`
	OriginalBytes   int64  `json:"original_bytes"`
	CompressedBytes int64  `json:"compressed_bytes"`
}

// Key returns the object key for a batch file of host.
func Key(host, batchFile string) (string, error) {
	name, ok := storage.ParseName(batchFile)
	if !ok {
		return "", fmt.Errorf("s3: %q is not an export batch", batchFile)
	}
	hostDir := storage.HostDirName(host)
	return path.Join(hostDir, name.Day, batchFile) + ArchiveSuffix, nil
}

// ArchiveBatch uploads the batch file at batchPath. Manifest fields, when
// present beside the batch, are attached as object metadata.
func (a *Archiver) ArchiveBatch(ctx context.Context, host, batchPath string) (*ArchiveResult, error) {
	key, err := Key(host, filepath.Base(batchPath))
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(batchPath)
	if err != nil {
		a.metrics.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to read batch: %w", err)
	}

	compressed := a.encoder.EncodeAll(data, make([]byte, 0, len(data)/4))

	metadata := map[string]string{
		"host":          host,
		"compression":   "zstd",
		"original-size": strconv.Itoa(len(data)),
	}
	if m, err := storage.ReadManifest(batchPath); err == nil {
		metadata["batch-id"] = m.BatchID.String()
		metadata["channel"] = m.Channel
		metadata["records"] = strconv.Itoa(m.Records)
		metadata["extractor"] = m.Extractor
		metadata["collected-at"] = m.CollectedAt.UTC().Format(time.RFC3339)
	}

	fullKey, err := a.client.Upload(ctx, key, compressed, "application/zstd", metadata)
	if err != nil {
		a.metrics.errors.Add(1)
		return nil, err
	}

	a.metrics.batchesArchived.Add(1)
	a.metrics.bytesIn.Add(int64(len(data)))
	a.metrics.bytesOut.Add(int64(len(compressed)))

	a.logger.Info("archived batch",
		"host", host,
		"key", fullKey,
		"bytes", len(data),
		"compressed", len(compressed),
	)

	return &ArchiveResult{
		Key:             fullKey,
		Location:        a.client.Location(fullKey),
		OriginalBytes:   int64(len(data)),
		CompressedBytes: int64(len(compressed)),
	}, nil
}

// Restore downloads an archived batch and returns the original CSV body
// with the object metadata. key is relative to the configured prefix.
func (a *Archiver) Restore(ctx context.Context, key string) ([]byte, map[string]string, error) {
	data, metadata, err := a.client.Download(ctx, key)
	if err != nil {
		a.metrics.errors.Add(1)
		return nil, nil, err
	}
	out, err := a.decoder.DecodeAll(data, nil)
	if err != nil {
		a.metrics.errors.Add(1)
		return nil, nil, fmt.Errorf("s3: failed to decompress %s: %w", key, err)
	}
	return out, metadata, nil
}

// ListHost lists archived batch keys for host, relative to the configured prefix.
func (a *Archiver) ListHost(ctx context.Context, host string) ([]string, error) {
	objects, err := a.client.List(ctx, storage.HostDirName(host)+"/")
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objects))
	for _, key := range objects {
		if strings.HasSuffix(key, ArchiveSuffix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// RestoreResult counts the outcome of one host restore.
type RestoreResult struct {
	Host     string `json:"host"`
	Restored int    `json:"restored"`
	Present  int    `json:"present"`
	Failed   int    `json:"failed"`
}

// RestoreHost copies archived batches of host, stamped with day or any day
// when day is empty, back into store. Batches already in the cache are left
// alone. Each batch is decoded through the cache codec before it is written.
func (a *Archiver) RestoreHost(ctx context.Context, store *storage.Store, host, day string) (RestoreResult, error) {
	result := RestoreResult{Host: host}

	keys, err := a.ListHost(ctx, host)
	if err != nil {
		return result, err
	}

	var errs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return result, errors.Join(append(errs, err)...)
		}

		name, ok := storage.ParseName(strings.TrimSuffix(path.Base(key), ArchiveSuffix))
		if !ok || (day != "" && name.Day != day) {
			continue
		}
		if store.BatchExists(host, name) {
			result.Present++
			continue
		}

		if err := a.restoreBatch(ctx, store, host, name, key); err != nil {
			result.Failed++
			errs = append(errs, err)
			a.logger.Warn("failed to restore batch", "host", host, "key", key, "error", err)
			continue
		}
		result.Restored++
	}

	a.metrics.batchesRestored.Add(int64(result.Restored))
	return result, errors.Join(errs...)
}

func (a *Archiver) restoreBatch(ctx context.Context, store *storage.Store, host string, name storage.BatchName, key string) error {
	body, metadata, err := a.Restore(ctx, key)
	if err != nil {
		return err
	}
	records, _, err := storage.ReadRecords(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("s3: %s: %w", key, err)
	}

	m := storage.Manifest{Extractor: "archive"}
	if id, err := uuid.Parse(metadata["batch-id"]); err == nil {
		m.BatchID = id
	}
	if ext := metadata["extractor"]; ext != "" {
		m.Extractor = ext
	}
	if t, err := time.Parse(time.RFC3339, metadata["collected-at"]); err == nil {
		m.CollectedAt = t
	}

	if _, err := store.WriteBatch(host, name, records, m); err != nil {
		return err
	}
	a.logger.Info("restored batch", "host", host, "key", key, "records", len(records))
	return nil
}

// Close releases the zstd encoder and decoder.
func (a *Archiver) Close() error {
	a.decoder.Close()
	return a.encoder.Close()
}

// ArchiverMetrics contains archiver statistics.
type ArchiverMetrics struct {
	BatchesArchived int64 `json:"batches_archived"`
	BatchesRestored int64 `json:"batches_restored"`
	BytesIn         int64 `json:"bytes_in"`
	BytesOut        int64 `json:"bytes_out"`
	Errors          int64 `json:"errors"`
}

// GetMetrics returns archiver statistics.
func (a *Archiver) GetMetrics() ArchiverMetrics {
	return ArchiverMetrics{
		BatchesArchived: a.metrics.batchesArchived.Load(),
		BatchesRestored: a.metrics.batchesRestored.Load(),
		BytesIn:         a.metrics.bytesIn.Load(),
		BytesOut:        a.metrics.bytesOut.Load(),
		Errors:          a.metrics.errors.Load(),
	}
}
