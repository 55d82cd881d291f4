// Package triage classifies, clusters and scores event records.
package triage

import (
	"strings"

	"fleet-triage/internal/schema"
)

// DefaultNoisePhrases are benign messages that look like failures.
var DefaultNoisePhrases = []string{
	"vss service is shutting down",
	"idle timeout",
	"successfully",
	"entering sleep",
	"hibernate from sleep",
}

// DefaultKillerPhrases mark a message as urgent regardless of its level.
var DefaultKillerPhrases = []string{
	"stopped",
	"failed",
	"denied",
	"critical",
	"aborted",
	"disk error",
}

// Classifier assigns priorities from a noise and a killer phrase set.
// Phrases match as case-insensitive substrings of the full message.
type Classifier struct {
	noise  []string
	killer []string
}

// NewClassifier creates a Classifier. Empty sets fall back to the defaults.
func NewClassifier(noise, killer []string) *Classifier {
	if len(noise) == 0 {
		noise = DefaultNoisePhrases
	}
	if len(killer) == 0 {
		killer = DefaultKillerPhrases
	}
	return &Classifier{
		noise:  lowerAll(noise),
		killer: lowerAll(killer),
	}
}

var defaultClassifier = NewClassifier(nil, nil)

// Classify assigns a priority using the default phrase sets.
func Classify(level schema.Level, message string) schema.Priority {
	return defaultClassifier.Classify(level, message)
}

// Classify assigns a priority to (level, message). First match wins:
// a noise phrase yields NORMAL even for Critical events; then Critical or
// a killer phrase yields URGENT; then Error is HIGH and Warning is MEDIUM.
func (c *Classifier) Classify(level schema.Level, message string) schema.Priority {
	msg := strings.ToLower(message)

	if containsAny(msg, c.noise) {
		return schema.PriorityNormal
	}
	if level == schema.LevelCritical || containsAny(msg, c.killer) {
		return schema.PriorityUrgent
	}

	switch level {
	case schema.LevelError:
		return schema.PriorityHigh
	case schema.LevelWarning:
		return schema.PriorityMedium
	}
	return schema.PriorityNormal
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
