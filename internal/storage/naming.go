package storage

import (
	"fmt"
	"strings"
	"time"

	"fleet-triage/internal/schema"
)

// Batch file names follow <YYYYMMDD>_<HHMM>_<Channel>_Filtered.csv, stamped
// with the local time of the collection run. The day stamp is the cache key;
// the channel token is the third underscore-separated field.
const (
	BatchSuffix    = "_Filtered.csv"
	ManifestSuffix = ".manifest.json"

	dayLayout   = "20060102"
	clockLayout = "1504"
)

// BatchName is the parsed form of a batch file name.
type BatchName struct {
	Day     string // YYYYMMDD
	Clock   string // HHMM
	Channel string
}

// String returns the file name.
func (n BatchName) String() string {
	return n.Day + "_" + n.Clock + "_" + n.Channel + BatchSuffix
}

// Time returns the collection minute encoded in the name, in local time.
func (n BatchName) Time() (time.Time, error) {
	return time.ParseInLocation(dayLayout+clockLayout, n.Day+n.Clock, time.Local)
}

// NewBatchName builds the name for channel collected at t.
func NewBatchName(t time.Time, channel string) (BatchName, error) {
	if !schema.ValidateChannel(channel) {
		return BatchName{}, fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	t = t.Local()
	return BatchName{
		Day:     t.Format(dayLayout),
		Clock:   t.Format(clockLayout),
		Channel: channel,
	}, nil
}

// Day returns the cache day stamp for t.
func Day(t time.Time) string {
	return t.Local().Format(dayLayout)
}

// ParseName parses a batch file name. Files that do not follow the
// convention are rejected.
func ParseName(file string) (BatchName, bool) {
	if !strings.HasSuffix(file, BatchSuffix) {
		return BatchName{}, false
	}
	parts := strings.Split(strings.TrimSuffix(file, BatchSuffix), "_")
	if len(parts) != 3 {
		return BatchName{}, false
	}

	n := BatchName{Day: parts[0], Clock: parts[1], Channel: parts[2]}
	if len(n.Day) != len(dayLayout) || len(n.Clock) != len(clockLayout) {
		return BatchName{}, false
	}
	if _, err := n.Time(); err != nil {
		return BatchName{}, false
	}
	if !schema.ValidateChannel(n.Channel) {
		return BatchName{}, false
	}
	return n, true
}

// stagingName is the transient copy of a channel's binary log.
func stagingName(t time.Time, channel string) string {
	return t.Local().Format("20060102_150405") + "_" + channel + ".evtx"
}
