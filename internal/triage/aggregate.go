package triage

import (
	"cmp"
	"slices"

	"fleet-triage/internal/schema"
)

type clusterKey struct {
	host    string
	id      int
	level   schema.Level
	message string
}

// Aggregate clusters records using the default classifier.
func Aggregate(records []schema.EventRecord) []schema.Cluster {
	return defaultClassifier.Aggregate(records)
}

// Aggregate groups records by exact (host, id, level, message) and counts
// each group. Each group is classified once. Clusters are ordered by
// priority, then count descending, then first appearance.
func (c *Classifier) Aggregate(records []schema.EventRecord) []schema.Cluster {
	index := make(map[clusterKey]int)
	var clusters []schema.Cluster

	for _, r := range records {
		key := clusterKey{host: r.Host, id: r.ID, level: r.Level, message: r.Message}
		if i, ok := index[key]; ok {
			clusters[i].Count++
			continue
		}
		index[key] = len(clusters)
		clusters = append(clusters, schema.Cluster{
			Host:     r.Host,
			ID:       r.ID,
			Level:    r.Level,
			Message:  r.Message,
			Count:    1,
			Priority: c.Classify(r.Level, r.Message),
		})
	}

	slices.SortStableFunc(clusters, func(a, b schema.Cluster) int {
		if a.Priority != b.Priority {
			return cmp.Compare(a.Priority, b.Priority)
		}
		return cmp.Compare(b.Count, a.Count)
	})
	return clusters
}

// Hotspots returns up to n URGENT or HIGH clusters, in cluster order.
func Hotspots(clusters []schema.Cluster, n int) []schema.Cluster {
	var out []schema.Cluster
	for _, c := range clusters {
		if len(out) >= n {
			break
		}
		if c.Priority <= schema.PriorityHigh {
			out = append(out, c)
		}
	}
	return out
}

// CountByPriority returns the number of clusters per priority.
func CountByPriority(clusters []schema.Cluster) map[schema.Priority]int {
	counts := make(map[schema.Priority]int)
	for _, c := range clusters {
		counts[c.Priority]++
	}
	return counts
}
