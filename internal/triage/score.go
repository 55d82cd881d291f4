package triage

import (
	"fmt"

	"fleet-triage/internal/schema"
)

// Policy names a health scoring formula.
type Policy string

const (
	// PolicyPatternCount deducts 10 per distinct URGENT cluster.
	PolicyPatternCount Policy = "pattern-count"
	// PolicyWeightedSeverity deducts 20 per URGENT and 5 per HIGH cluster.
	PolicyWeightedSeverity Policy = "weighted-severity"
	// PolicyRawEvent deducts 5 per Error and 20 per Critical event.
	PolicyRawEvent Policy = "raw-event"
	// PolicyErrorWarning deducts 5 per Error and 2 per Warning event.
	PolicyErrorWarning Policy = "error-warning"
)

// DefaultPolicy is the fleet stability index.
const DefaultPolicy = PolicyPatternCount

// Policies lists every supported policy.
var Policies = []Policy{PolicyPatternCount, PolicyWeightedSeverity, PolicyRawEvent, PolicyErrorWarning}

// ParsePolicy parses a policy name. An empty name selects DefaultPolicy.
func ParsePolicy(s string) (Policy, error) {
	if s == "" {
		return DefaultPolicy, nil
	}
	for _, p := range Policies {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("triage: unknown score policy %q", s)
}

// Score computes a health score in [0, 100] under policy. Cluster-based
// policies read clusters; event-based policies read records.
func Score(records []schema.EventRecord, clusters []schema.Cluster, policy Policy) (int, error) {
	var penalty int
	switch policy {
	case PolicyPatternCount:
		byPrio := CountByPriority(clusters)
		penalty = 10 * byPrio[schema.PriorityUrgent]
	case PolicyWeightedSeverity:
		byPrio := CountByPriority(clusters)
		penalty = 20*byPrio[schema.PriorityUrgent] + 5*byPrio[schema.PriorityHigh]
	case PolicyRawEvent:
		byLevel := CountByLevel(records)
		penalty = 5*byLevel[schema.LevelError] + 20*byLevel[schema.LevelCritical]
	case PolicyErrorWarning:
		byLevel := CountByLevel(records)
		penalty = 5*byLevel[schema.LevelError] + 2*byLevel[schema.LevelWarning]
	default:
		return 0, fmt.Errorf("triage: unknown score policy %q", policy)
	}
	return clamp(100 - penalty), nil
}

func clamp(score int) int {
	return max(0, min(100, score))
}

// Grade buckets a score for display: "good" above 90, "fair" above 70.
func Grade(score int) string {
	switch {
	case score > 90:
		return "good"
	case score > 70:
		return "fair"
	}
	return "poor"
}
