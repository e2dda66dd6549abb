package graph

import (
	"math"
	"time"
)

// HealthBreakdown shows the sub-scores of the coverage formula
type HealthBreakdown struct {
	Reachability float64 `json:"reachability"`
	Detail       float64 `json:"detail"`
	References   float64 `json:"references"`
	Freshness    float64 `json:"freshness"`
}

// AnalysisReport is the full analysis result
type AnalysisReport struct {
	HealthScore     float64          `json:"health_score"`
	HealthBreakdown HealthBreakdown  `json:"health_breakdown"`
	Topology        *TopologyReport  `json:"topology"`
	Staleness       *StalenessReport `json:"staleness"`
}

// AnalyzerConfig holds analysis parameters
type AnalyzerConfig struct {
	HubThreshold int
	TopN         int
	StaleDays    int64
	Now          time.Time
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *AnalyzerConfig {
	return &AnalyzerConfig{
		HubThreshold: 20,
		TopN:         10,
		StaleDays:    30,
	}
}

// Analyze runs all analyses and computes a composite coverage score. An
// empty cache scores 0.
func Analyze(snap *GraphSnapshot, config *AnalyzerConfig) *AnalysisReport {
	now := config.Now
	if now.IsZero() {
		now = time.Now()
	}
	topology := ComputeTopology(snap, config.HubThreshold, config.TopN)
	staleness := ComputeStaleness(snap, now, config.StaleDays)

	total := float64(topology.TotalNodes)
	var reachability, detail, references, freshness float64
	if total > 0 {
		reachability = clamp(1.0-float64(topology.UnreachableCount)/total, 0, 1)
		detail = clamp(1.0-float64(topology.UndetailedCount)/total, 0, 1)
		freshness = clamp(1.0-math.Min(float64(staleness.StaleNodeCount)/total, 0.5)*2.0, 0, 1)
		references = 1
		if topology.ChildRefs > 0 {
			references = clamp(1.0-float64(topology.DanglingCount)/float64(topology.ChildRefs), 0, 1)
		}
	}

	healthScore := 0.30*reachability + 0.20*detail + 0.25*references + 0.25*freshness

	return &AnalysisReport{
		HealthScore: healthScore,
		HealthBreakdown: HealthBreakdown{
			Reachability: reachability,
			Detail:       detail,
			References:   references,
			Freshness:    freshness,
		},
		Topology:  topology,
		Staleness: staleness,
	}
}

func clamp(val, min, max float64) float64 {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
