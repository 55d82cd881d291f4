package storage

import (
	"errors"
	"testing"
	"time"
)

func TestNewBatchName(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 7, 42, 0, time.Local)

	name, err := NewBatchName(ts, "System")
	if err != nil {
		t.Fatalf("NewBatchName() error = %v", err)
	}
	if got, want := name.String(), "20240301_0907_System_Filtered.csv"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	if _, err := NewBatchName(ts, "Forwarded_Events"); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("NewBatchName() error = %v, want ErrInvalidChannel", err)
	}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		want   BatchName
		wantOK bool
	}{
		{"valid", "20240301_0907_System_Filtered.csv", BatchName{"20240301", "0907", "System"}, true},
		{"dashed channel", "20240301_2359_Microsoft-Windows-PowerShell_Filtered.csv",
			BatchName{"20240301", "2359", "Microsoft-Windows-PowerShell"}, true},
		{"staging copy", "20240301_090742_System.evtx", BatchName{}, false},
		{"manifest", "20240301_0907_System_Filtered.csv.manifest.json", BatchName{}, false},
		{"temp file", "20240301_0907_System_Filtered.csv.tmp", BatchName{}, false},
		{"extra field", "20240301_0907_Forwarded_Events_Filtered.csv", BatchName{}, false},
		{"short day", "2024031_0907_System_Filtered.csv", BatchName{}, false},
		{"bad clock", "20240301_2590_System_Filtered.csv", BatchName{}, false},
		{"bad date", "20241301_0907_System_Filtered.csv", BatchName{}, false},
		{"report export", "Master_Forensic_Timeline.csv", BatchName{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseName(tt.file)
			if ok != tt.wantOK {
				t.Fatalf("ParseName(%q) ok = %v, want %v", tt.file, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("ParseName(%q) = %+v, want %+v", tt.file, got, tt.want)
			}
		})
	}
}

func TestDay(t *testing.T) {
	ts := time.Date(2024, 12, 31, 23, 59, 0, 0, time.Local)
	if got := Day(ts); got != "20241231" {
		t.Errorf("Day() = %q, want 20241231", got)
	}
}
