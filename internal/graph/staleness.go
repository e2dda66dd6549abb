package graph

import (
	"sort"
	"time"
)

// StaleNode is an entity not merged for a long time
type StaleNode struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	DaysSinceUpdate int64  `json:"days_since_update"`
	RootLevel       bool   `json:"root_level"`
}

// StalenessReport contains staleness analysis results
type StalenessReport struct {
	StaleNodes     []StaleNode `json:"stale_nodes"`
	StaleNodeCount int         `json:"stale_node_count"`
	StaleRootCount int         `json:"stale_root_count"`
	OldestDays     int64       `json:"oldest_days"`
}

// ComputeStaleness finds entities last merged more than staleDays before
// now, oldest first
func ComputeStaleness(snap *GraphSnapshot, now time.Time, staleDays int64) *StalenessReport {
	nowMs := now.UnixMilli()
	staleThresholdMs := staleDays * 86_400_000

	var staleNodes []StaleNode
	staleRoots := 0
	var oldest int64
	for _, id := range snap.NodeIDs() {
		node := snap.Nodes[id]
		ageMs := nowMs - node.UpdatedAt
		oldest = max(oldest, ageMs/86_400_000)
		if ageMs <= staleThresholdMs {
			continue
		}
		if node.RootLevel {
			staleRoots++
		}
		staleNodes = append(staleNodes, StaleNode{
			ID:              node.ID,
			Title:           node.Title,
			DaysSinceUpdate: ageMs / 86_400_000,
			RootLevel:       node.RootLevel,
		})
	}
	sort.SliceStable(staleNodes, func(i, j int) bool {
		return staleNodes[i].DaysSinceUpdate > staleNodes[j].DaysSinceUpdate
	})

	return &StalenessReport{
		StaleNodes:     staleNodes,
		StaleNodeCount: len(staleNodes),
		StaleRootCount: staleRoots,
		OldestDays:     oldest,
	}
}
