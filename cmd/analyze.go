package cmd

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/spf13/cobra"

	"mycelica/hypha/internal/graph"
)

var (
	analyzeCategory     string
	analyzeTopN         int
	analyzeStaleDays    int64
	analyzeHubThreshold int
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze cache coverage: reachability, dangling children, staleness (offline)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		all, err := a.manager.Entities(ctx)
		if err != nil {
			return fmt.Errorf("loading cache: %w", err)
		}
		snap := graph.FromEntities(all)
		if analyzeCategory != "" {
			snap = snap.FilterToCategory(analyzeCategory)
		}

		report := graph.Analyze(snap, &graph.AnalyzerConfig{
			HubThreshold: analyzeHubThreshold,
			TopN:         analyzeTopN,
			StaleDays:    analyzeStaleDays,
		})
		if jsonOut {
			return writeJSON(cmd.OutOrStdout(), report)
		}
		printAnalysis(cmd.OutOrStdout(), report, snap)
		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeCategory, "category", "", "Scope analysis to the root set of one category")
	analyzeCmd.Flags().IntVar(&analyzeTopN, "top-n", 10, "Number of top items to show per section")
	analyzeCmd.Flags().Int64Var(&analyzeStaleDays, "stale-days", 30, "Days since last merge to consider an entity stale")
	analyzeCmd.Flags().IntVar(&analyzeHubThreshold, "hub-threshold", 20, "Minimum child count to consider an entity a hub")
	rootCmd.AddCommand(analyzeCmd)
}

func printAnalysis(w io.Writer, report *graph.AnalysisReport, snap *graph.GraphSnapshot) {
	barLen := min(int(report.HealthScore*20), 20)
	bar := strings.Repeat("█", barLen) + strings.Repeat("░", 20-barLen)
	fmt.Fprintf(w, "\n  Cache coverage: %.0f%%  [%s]\n", report.HealthScore*100, bar)
	fmt.Fprintf(w, "  breakdown: reachability=%.2f detail=%.2f references=%.2f freshness=%.2f\n\n",
		report.HealthBreakdown.Reachability,
		report.HealthBreakdown.Detail,
		report.HealthBreakdown.References,
		report.HealthBreakdown.Freshness)

	t := report.Topology
	fmt.Fprintln(w, "  TOPOLOGY")
	fmt.Fprintln(w, "  ────────────────────────────────────────")
	fmt.Fprintf(w, "  Entities: %d  Root-level: %d  Links: %d  Components: %d (largest %d)\n",
		t.TotalNodes, t.RootLevel, t.TotalEdges, t.NumComponents, t.LargestComponent)
	for _, c := range t.Categories {
		fmt.Fprintf(w, "    %-20s %4d roots %6d entities\n", truncTitle(c.Category, 20), c.Roots, c.Entities)
	}

	printIDs(w, snap, t.UnreachableCount, t.UnreachableIDs, "not reachable from the root set")
	printIDs(w, snap, t.UndetailedCount, t.UndetailedIDs, "never detailed (children unknown)")

	if t.DanglingCount > 0 {
		fmt.Fprintf(w, "  Dangling: %d of %d child references not cached (run drill)\n", t.DanglingCount, t.ChildRefs)
		for _, d := range t.Dangling {
			fmt.Fprintf(w, "    - %s missing %d  %s\n", truncID(d.ID), d.Missing, truncTitle(d.Title, 40))
		}
	}

	fmt.Fprintln(w, "\n  Children per detailed entity:")
	for _, b := range t.ChildHistogram {
		if b.Count > 0 {
			barWidth := max(int(math.Log2(float64(b.Count)))+2, 1)
			fmt.Fprintf(w, "    %5s: %4d  %s\n", b.Label, b.Count, strings.Repeat("=", barWidth))
		}
	}

	if len(t.Hubs) > 0 {
		fmt.Fprintln(w, "\n  Top hubs (children > threshold):")
		for _, hub := range t.Hubs {
			fmt.Fprintf(w, "    %s children=%d (cached %d)  %s\n",
				truncID(hub.ID), hub.Children, hub.Cached, truncTitle(hub.Title, 40))
		}
	}

	s := report.Staleness
	if s.StaleNodeCount > 0 {
		fmt.Fprintln(w, "\n  STALENESS")
		fmt.Fprintln(w, "  ────────────────────────────────────────")
		fmt.Fprintf(w, "  %d stale entities (%d root-level), oldest %dd:\n", s.StaleNodeCount, s.StaleRootCount, s.OldestDays)
		for _, n := range s.StaleNodes[:min(len(s.StaleNodes), 10)] {
			fmt.Fprintf(w, "    %s %dd old  %s\n", truncID(n.ID), n.DaysSinceUpdate, truncTitle(n.Title, 40))
		}
		fmt.Fprintln(w, "  Refresh with sync/details, or drop them with prune.")
	}

	fmt.Fprintln(w)
}

func printIDs(w io.Writer, snap *graph.GraphSnapshot, count int, ids []string, what string) {
	if count == 0 {
		return
	}
	fmt.Fprintf(w, "  %d %s\n", count, what)
	for _, id := range ids {
		title := "?"
		if n := snap.Nodes[id]; n != nil {
			title = truncTitle(n.Title, 50)
		}
		fmt.Fprintf(w, "    - %s (%s)\n", truncID(id), title)
	}
	if count > len(ids) {
		fmt.Fprintf(w, "    ... and %d more\n", count-len(ids))
	}
}

func truncID(id string) string {
	return TruncateMiddle(id, 20)
}

func truncTitle(s string, max int) string {
	if len(s) <= max {
		return s
	}
	truncated := s[:max]
	for len(truncated) > 0 && truncated[len(truncated)-1]>>6 == 2 {
		truncated = truncated[:len(truncated)-1]
	}
	return truncated + "..."
}
