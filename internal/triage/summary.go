package triage

import (
	"cmp"
	"slices"

	"fleet-triage/internal/schema"
)

// TopErrorLimit is the number of messages in Summary.TopErrors.
const TopErrorLimit = 5

// MessageCount is a message and its occurrence count.
type MessageCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// Summary is the executive view of a record set.
type Summary struct {
	Total     int                  `json:"total"`
	Levels    map[schema.Level]int `json:"levels"`
	TopErrors []MessageCount       `json:"top_errors"`
}

// CountByLevel counts records per level.
func CountByLevel(records []schema.EventRecord) map[schema.Level]int {
	counts := make(map[schema.Level]int)
	for _, r := range records {
		counts[r.Level]++
	}
	return counts
}

// Summarize counts records per level and lists the most frequent Error
// and Critical messages.
func Summarize(records []schema.EventRecord) Summary {
	s := Summary{
		Total:  len(records),
		Levels: CountByLevel(records),
	}

	index := make(map[string]int)
	var msgs []MessageCount
	for _, r := range records {
		if r.Level != schema.LevelError && r.Level != schema.LevelCritical {
			continue
		}
		if i, ok := index[r.Message]; ok {
			msgs[i].Count++
			continue
		}
		index[r.Message] = len(msgs)
		msgs = append(msgs, MessageCount{Message: r.Message, Count: 1})
	}

	slices.SortStableFunc(msgs, func(a, b MessageCount) int {
		return cmp.Compare(b.Count, a.Count)
	})
	if len(msgs) > TopErrorLimit {
		msgs = msgs[:TopErrorLimit]
	}
	s.TopErrors = msgs
	return s
}
