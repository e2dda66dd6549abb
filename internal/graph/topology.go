package graph

import "sort"

// HubNode is an entity with many children
type HubNode struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Children int    `json:"children"`
	Cached   int    `json:"cached"`
}

// DegreeBucket is one bucket in the child-count histogram
type DegreeBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// CategoryCount is the size of one category's cached subtree.
type CategoryCount struct {
	Category string `json:"category"`
	Roots    int    `json:"roots"`
	Entities int    `json:"entities"`
}

// DanglingRef is a parent whose children are partly missing from the cache
type DanglingRef struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Missing int    `json:"missing"`
}

// TopologyReport contains topology analysis results
type TopologyReport struct {
	TotalNodes       int             `json:"total_nodes"`
	RootLevel        int             `json:"root_level"`
	TotalEdges       int             `json:"total_edges"`
	NumComponents    int             `json:"num_components"`
	LargestComponent int             `json:"largest_component"`
	UnreachableCount int             `json:"unreachable_count"`
	UnreachableIDs   []string        `json:"unreachable_ids"`
	UndetailedCount  int             `json:"undetailed_count"`
	UndetailedIDs    []string        `json:"undetailed_ids"`
	DanglingCount    int             `json:"dangling_count"`
	ChildRefs        int             `json:"child_refs"`
	Dangling         []DanglingRef   `json:"dangling"`
	ChildHistogram   []DegreeBucket  `json:"child_histogram"`
	Hubs             []HubNode       `json:"hubs"`
	Categories       []CategoryCount `json:"categories"`
}

// ComputeTopology analyzes the cached tree: components, entities not
// reachable from the root set, entities never detailed, child references
// the cache cannot resolve, and hubs
func ComputeTopology(snap *GraphSnapshot, hubThreshold, topN int) *TopologyReport {
	totalNodes := len(snap.Nodes)
	if totalNodes == 0 {
		return &TopologyReport{ChildHistogram: defaultHistogram()}
	}
	nodeIDs := snap.NodeIDs()

	uf := NewUnionFind(nodeIDs)
	for parent, children := range snap.OutAdj {
		for _, c := range children {
			uf.Union(parent, c)
		}
	}
	sizes := uf.Sizes()
	largest := 0
	for _, n := range sizes {
		largest = max(largest, n)
	}

	reachable := snap.Reachable()
	var unreachable, undetailed []string
	roots, childRefs := 0, 0
	buckets := [7]int{}
	var hubs []HubNode
	for _, id := range nodeIDs {
		n := snap.Nodes[id]
		if n.RootLevel {
			roots++
		}
		if !reachable[id] {
			unreachable = append(unreachable, id)
		}
		if !n.ChildrenKnown {
			undetailed = append(undetailed, id)
			continue
		}
		childRefs += len(n.Children)
		buckets[degreeBucket(len(n.Children))]++
		if len(n.Children) > hubThreshold {
			hubs = append(hubs, HubNode{
				ID:       id,
				Title:    n.Title,
				Children: len(n.Children),
				Cached:   len(snap.OutAdj[id]),
			})
		}
	}
	sort.SliceStable(hubs, func(i, j int) bool { return hubs[i].Children > hubs[j].Children })

	var dangling []DanglingRef
	danglingCount := 0
	for parent, missing := range snap.Dangling {
		danglingCount += len(missing)
		dangling = append(dangling, DanglingRef{ID: parent, Title: snap.Nodes[parent].Title, Missing: len(missing)})
	}
	sort.Slice(dangling, func(i, j int) bool {
		if dangling[i].Missing != dangling[j].Missing {
			return dangling[i].Missing > dangling[j].Missing
		}
		return dangling[i].ID < dangling[j].ID
	})

	histogram := defaultHistogram()
	for i := range histogram {
		histogram[i].Count = buckets[i]
	}

	return &TopologyReport{
		TotalNodes:       totalNodes,
		RootLevel:        roots,
		TotalEdges:       snap.Edges,
		NumComponents:    len(sizes),
		LargestComponent: largest,
		UnreachableCount: len(unreachable),
		UnreachableIDs:   firstN(unreachable, topN),
		UndetailedCount:  len(undetailed),
		UndetailedIDs:    firstN(undetailed, topN),
		DanglingCount:    danglingCount,
		ChildRefs:        childRefs,
		Dangling:         firstN(dangling, topN),
		ChildHistogram:   histogram,
		Hubs:             firstN(hubs, topN),
		Categories:       categoryCounts(snap),
	}
}

func categoryCounts(snap *GraphSnapshot) []CategoryCount {
	var out []CategoryCount
	seen := map[string]bool{}
	for _, id := range snap.NodeIDs() {
		n := snap.Nodes[id]
		if !n.RootLevel || seen[n.Category] {
			continue
		}
		seen[n.Category] = true
		sub := snap.FilterToCategory(n.Category)
		roots := 0
		for _, m := range sub.Nodes {
			if m.RootLevel {
				roots++
			}
		}
		out = append(out, CategoryCount{Category: n.Category, Roots: roots, Entities: len(sub.Nodes)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

func firstN[T any](s []T, n int) []T {
	if n >= 0 && len(s) > n {
		return s[:n]
	}
	return s
}

func defaultHistogram() []DegreeBucket {
	return []DegreeBucket{
		{Label: "0"}, {Label: "1"}, {Label: "2-3"},
		{Label: "4-7"}, {Label: "8-15"}, {Label: "16-31"}, {Label: "32+"},
	}
}

func degreeBucket(degree int) int {
	switch {
	case degree == 0:
		return 0
	case degree == 1:
		return 1
	case degree <= 3:
		return 2
	case degree <= 7:
		return 3
	case degree <= 15:
		return 4
	case degree <= 31:
		return 5
	default:
		return 6
	}
}
