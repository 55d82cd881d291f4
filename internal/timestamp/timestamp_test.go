package timestamp

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	local := func(y int, mo time.Month, d, h, mi, s int) time.Time {
		return time.Date(y, mo, d, h, mi, s, 0, time.Local)
	}

	tests := []struct {
		name   string
		input  string
		want   time.Time
		wantOK bool
	}{
		{"rfc3339", "2024-03-01T10:05:07Z", time.Date(2024, 3, 1, 10, 5, 7, 0, time.UTC), true},
		{"rfc3339 nano offset", "2024-03-01T10:05:07.123456789+02:00",
			time.Date(2024, 3, 1, 8, 5, 7, 123456789, time.UTC), true},
		{"sql style", "2024-03-01 10:05:07", local(2024, 3, 1, 10, 5, 7), true},
		{"sql style fraction", "2024-03-01 10:05:07.250",
			time.Date(2024, 3, 1, 10, 5, 7, 250000000, time.Local), true},
		{"powershell 12h", "3/1/2024 10:05:07 PM", local(2024, 3, 1, 22, 5, 7), true},
		{"powershell 24h", "3/1/2024 22:05:07", local(2024, 3, 1, 22, 5, 7), true},
		{"ms date", "/Date(1709287507000)/", time.UnixMilli(1709287507000), true},
		{"unix seconds", "1709287507", time.Unix(1709287507, 0), true},
		{"unix millis", "1709287507000", time.UnixMilli(1709287507000), true},
		{"surrounding space", "  2024-03-01T10:05:07Z ", time.Date(2024, 3, 1, 10, 5, 7, 0, time.UTC), true},
		{"empty", "", time.Time{}, false},
		{"garbage", "not-a-date", time.Time{}, false},
		{"odd digit count", "12345", time.Time{}, false},
		{"invalid month", "2024-13-01 10:00:00", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("Parse(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Parse(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 5, 7, 500, time.UTC)
	got, ok := Parse(Format(want))
	if !ok || !got.Equal(want) {
		t.Errorf("Parse(Format(%v)) = %v, %v", want, got, ok)
	}
	if Format(time.Time{}) != "" {
		t.Error("Format(zero) should be empty")
	}
}
