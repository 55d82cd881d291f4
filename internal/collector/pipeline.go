package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"fleet-triage/internal/schema"
	"fleet-triage/internal/storage"
)

// collectChannel copies one channel's binary log into the host's staging
// area, extracts it and writes the batch. The staging copy is removed on
// every path, including a panicking extractor.
func (f *Fleet) collectChannel(ctx context.Context, host, location, channel string, window schema.Window, started time.Time) (result ChannelResult) {
	result.Channel = channel

	defer func() {
		if r := recover(); r != nil {
			slog.Error("channel collection panicked", "host", host, "channel", channel, "panic", r)
			result.Written = false
			result.fail("extract", fmt.Errorf("panic: %v", r))
		}
	}()

	day := storage.Day(started)
	if f.config.CacheEnabled && f.store.HasFresh(host, channel, day) {
		result.Skipped = SkipFresh
		return result
	}

	name, err := storage.NewBatchName(started, channel)
	if err != nil {
		result.fail("write", err)
		return result
	}
	if f.store.BatchExists(host, name) {
		result.Skipped = SkipExists
		return result
	}

	src := filepath.Join(location, channel+".evtx")
	if _, err := f.resolver.Stat(ctx, src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			result.Skipped = SkipAbsent
			return result
		}
		result.fail("copy", err)
		return result
	}

	staging := f.store.StagingPath(host, channel, started)
	defer func() {
		if err := os.Remove(staging); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to remove staging copy", "path", staging, "error", err)
		}
	}()

	if err := copyFile(ctx, src, staging); err != nil {
		result.fail("copy", err)
		return result
	}

	f.extractorCalls.Add(1)
	records, err := f.extractor.ExtractChannel(ctx, staging, window, f.config.MaxEvents)
	if err != nil {
		result.fail("extract", err)
		return result
	}

	path, err := f.store.WriteBatch(host, name, records, storage.Manifest{
		CollectedAt: started,
		Extractor:   f.extractor.Name(),
		MaxEvents:   f.config.MaxEvents,
	})
	if err != nil {
		if errors.Is(err, storage.ErrBatchExists) {
			result.Skipped = SkipExists
			return result
		}
		result.fail("write", err)
		return result
	}

	f.batchesWritten.Add(1)
	result.Written = true
	result.Records = len(records)
	result.Batch = path

	slog.Debug("channel collected", "host", host, "channel", channel, "records", len(records))
	return result
}

// copyFile copies src to dst, preserving the modification time. It returns
// ctx.Err() as soon as ctx ends, even while a read on the share is blocked;
// a copy that finishes after that removes its partial dst.
func copyFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		err := copyContents(ctx, src, dst)
		if ctx.Err() != nil {
			os.Remove(dst)
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func copyContents(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if info, err := in.Stat(); err == nil {
		os.Chtimes(dst, info.ModTime(), info.ModTime())
	}
	return nil
}

// ctxReader stops a copy between reads once ctx ends.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
