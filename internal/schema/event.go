// Package schema defines the event model shared by collection and triage.
// Every record read from an export batch is normalized to EventRecord.
package schema

import (
	"fmt"
	"strings"
	"time"
)

// EventRecord is one raw Windows event log entry.
type EventRecord struct {
	// Zero TimeCreated means the source timestamp could not be parsed.
	TimeCreated time.Time `json:"time_created"`
	ID          int       `json:"id" validate:"min=0"`
	Level       Level     `json:"level" validate:"max=64"`
	Provider    string    `json:"provider,omitempty" validate:"max=256"`
	Message     string    `json:"message" validate:"max=65536"`

	// Provenance, set by the merger.
	Host    string `json:"host,omitempty" validate:"max=256"`
	Channel string `json:"channel,omitempty" validate:"omitempty,channel_token"`
}

// HasTime reports whether the record carries a parsed timestamp.
func (r EventRecord) HasTime() bool {
	return !r.TimeCreated.IsZero()
}

// Level is the OS-reported display level of an event.
// Values outside the known set are preserved verbatim.
type Level string

const (
	LevelCritical    Level = "Critical"
	LevelError       Level = "Error"
	LevelWarning     Level = "Warning"
	LevelInformation Level = "Information"
	LevelVerbose     Level = "Verbose"
)

// IsKnown checks if the level is one of the Windows display levels.
func (l Level) IsKnown() bool {
	switch l {
	case LevelCritical, LevelError, LevelWarning, LevelInformation, LevelVerbose:
		return true
	}
	return false
}

// Priority is the triage tag assigned to an event or cluster.
// Lower values sort first.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityNormal
)

var priorityNames = [...]string{"URGENT", "HIGH", "MEDIUM", "NORMAL"}

// String returns the upper-case name of the priority.
func (p Priority) String() string {
	if p < PriorityUrgent || p > PriorityNormal {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if p < PriorityUrgent || p > PriorityNormal {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(priorityNames[p]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority parses a priority name, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// Cluster is a group of records sharing host, event id, level and message.
type Cluster struct {
	Host     string   `json:"host"`
	ID       int      `json:"id"`
	Level    Level    `json:"level"`
	Message  string   `json:"message"`
	Count    int      `json:"count"`
	Priority Priority `json:"priority"`
}

// Window is an inclusive time window. A zero bound is open.
type Window struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// IsOpen reports whether neither bound is set.
func (w Window) IsOpen() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// Contains reports whether t falls inside the window.
// A zero t is only contained by an open window.
func (w Window) Contains(t time.Time) bool {
	if w.IsOpen() {
		return true
	}
	if t.IsZero() {
		return false
	}
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && t.After(w.End) {
		return false
	}
	return true
}

// Channels is the default set of Windows event log channels collected per host.
var Channels = []string{"Application", "Security", "Setup", "System", "ForwardedEvents"}

// BootEventID is the event log service start event, logged once per boot.
const BootEventID = 6005
