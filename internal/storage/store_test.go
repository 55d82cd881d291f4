package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fleet-triage/internal/schema"
)

func writeTestBatch(t *testing.T, s *Store, host string, ts time.Time, channel string) string {
	t.Helper()
	name, err := NewBatchName(ts, channel)
	if err != nil {
		t.Fatal(err)
	}
	records := []schema.EventRecord{{TimeCreated: ts, ID: 1, Level: schema.LevelError, Message: "x"}}
	path, err := s.WriteBatch(host, name, records, Manifest{Extractor: "test"})
	if err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	return path
}

func TestStore_HostDir(t *testing.T) {
	s := NewStore(t.TempDir())

	dir, err := s.HostDir("10.0.0.5")
	if err != nil {
		t.Fatalf("HostDir() error = %v", err)
	}
	if filepath.Base(dir) != "10_0_0_5" {
		t.Errorf("HostDir() = %q, want dots replaced by underscores", dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("host directory not created: %v", err)
	}

	if _, err := s.HostDir("  "); !errors.Is(err, ErrInvalidHost) {
		t.Errorf("HostDir(blank) error = %v, want ErrInvalidHost", err)
	}
}

func TestStore_WriteBatch(t *testing.T) {
	s := NewStore(t.TempDir())
	ts := time.Date(2024, 3, 1, 9, 7, 0, 0, time.Local)

	path := writeTestBatch(t, s, "srv01", ts, "System")

	if filepath.Base(path) != "20240301_0907_System_Filtered.csv" {
		t.Errorf("batch path = %q", path)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}

	m, err := ReadManifest(path)
	if err != nil {
		t.Fatalf("ReadManifest() error = %v", err)
	}
	if m.Host != "srv01" || m.Channel != "System" || m.Day != "20240301" || m.Records != 1 || m.Extractor != "test" {
		t.Errorf("manifest = %+v", m)
	}
	if m.BatchID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("manifest batch id not assigned")
	}

	// Same name again must not overwrite.
	name, _ := NewBatchName(ts, "System")
	if !s.BatchExists("srv01", name) {
		t.Error("BatchExists() = false for a written batch")
	}
	other, _ := NewBatchName(ts.Add(time.Minute), "System")
	if s.BatchExists("srv01", other) {
		t.Error("BatchExists() = true for a batch from another minute")
	}
	if _, err := s.WriteBatch("srv01", name, nil, Manifest{}); !errors.Is(err, ErrBatchExists) {
		t.Errorf("second WriteBatch() error = %v, want ErrBatchExists", err)
	}

	records, _, err := s.ReadBatch(path)
	if err != nil || len(records) != 1 {
		t.Errorf("ReadBatch() = %v, %v", records, err)
	}

	if got := s.Metrics().BatchesWritten; got != 1 {
		t.Errorf("BatchesWritten = %d, want 1", got)
	}
}

func TestStore_Batches(t *testing.T) {
	s := NewStore(t.TempDir())
	day1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.Local)
	day2 := time.Date(2024, 3, 2, 9, 0, 0, 0, time.Local)

	writeTestBatch(t, s, "srv01", day2, "System")
	writeTestBatch(t, s, "srv01", day1, "Application")

	dir, _ := s.HostDir("srv01")
	for _, stray := range []string{"notes.txt", "20240301_090000_System.evtx", "Master_Forensic_Timeline.csv"} {
		if err := os.WriteFile(filepath.Join(dir, stray), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	batches, err := s.Batches("srv01")
	if err != nil {
		t.Fatalf("Batches() error = %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("Batches() returned %d files, want 2", len(batches))
	}
	if batches[0].Name.Day != "20240301" || batches[1].Name.Day != "20240302" {
		t.Errorf("Batches() not sorted by name: %+v", batches)
	}

	none, err := s.Batches("never-collected")
	if err != nil || len(none) != 0 {
		t.Errorf("Batches(unknown host) = %v, %v", none, err)
	}
}

func TestStore_NeedsFetch(t *testing.T) {
	channels := []string{"Application", "System"}
	today := time.Date(2024, 3, 2, 8, 0, 0, 0, time.Local)
	yesterday := today.AddDate(0, 0, -1)
	day := Day(today)

	t.Run("empty cache", func(t *testing.T) {
		s := NewStore(t.TempDir())
		if !s.NeedsFetch("srv01", channels, day) {
			t.Error("expected fetch for empty cache")
		}
	})

	t.Run("stale batches do not count", func(t *testing.T) {
		s := NewStore(t.TempDir())
		writeTestBatch(t, s, "srv01", yesterday, "Application")
		writeTestBatch(t, s, "srv01", yesterday, "System")
		if !s.NeedsFetch("srv01", channels, day) {
			t.Error("expected fetch when only yesterday's batches exist")
		}
	})

	t.Run("all channels fresh", func(t *testing.T) {
		s := NewStore(t.TempDir())
		writeTestBatch(t, s, "srv01", today, "Application")
		writeTestBatch(t, s, "srv01", today, "System")
		if s.NeedsFetch("srv01", channels, day) {
			t.Error("expected cache hit")
		}
	})

	t.Run("duplicates mask a missing channel", func(t *testing.T) {
		s := NewStore(t.TempDir())
		writeTestBatch(t, s, "srv01", today, "System")
		writeTestBatch(t, s, "srv01", today.Add(time.Hour), "System")
		if s.NeedsFetch("srv01", channels, day) {
			t.Error("count-based check should be satisfied by duplicate batches")
		}
		if s.HasFresh("srv01", "Application", day) {
			t.Error("HasFresh should still report Application as missing")
		}
		if !s.HasFresh("srv01", "System", day) {
			t.Error("HasFresh should report System as fresh")
		}
	})
}
