// Package graph analyzes how well the local cache covers the server's
// entity tree.
package graph

import (
	"sort"

	"mycelica/hypha/internal/entity"
)

// NodeInfo is a cached entity reduced to what the analysis needs
type NodeInfo struct {
	ID            string
	Title         string
	Category      string
	RootLevel     bool
	ChildrenKnown bool
	Children      []string
	UpdatedAt     int64 // unix millis
}

// GraphSnapshot is the parent -> child graph of the cached entities.
// Child references that point outside the cache are kept in Dangling.
type GraphSnapshot struct {
	Nodes    map[string]*NodeInfo
	Adj      map[string][]string // undirected
	OutAdj   map[string][]string // parent -> cached children
	InAdj    map[string][]string // child -> cached parents
	Dangling map[string][]string // parent -> uncached child ids
	Edges    int
}

// NewSnapshot builds a GraphSnapshot from nodes
func NewSnapshot(nodes []*NodeInfo) *GraphSnapshot {
	s := &GraphSnapshot{
		Nodes:    make(map[string]*NodeInfo, len(nodes)),
		Adj:      make(map[string][]string, len(nodes)),
		OutAdj:   make(map[string][]string, len(nodes)),
		InAdj:    make(map[string][]string, len(nodes)),
		Dangling: make(map[string][]string),
	}
	for _, n := range nodes {
		s.Nodes[n.ID] = n
		s.Adj[n.ID] = nil // ensure entry exists
	}
	for _, n := range nodes {
		for _, child := range n.Children {
			if child == n.ID {
				continue
			}
			if _, ok := s.Nodes[child]; !ok {
				s.Dangling[n.ID] = append(s.Dangling[n.ID], child)
				continue
			}
			s.Adj[n.ID] = append(s.Adj[n.ID], child)
			s.Adj[child] = append(s.Adj[child], n.ID)
			s.OutAdj[n.ID] = append(s.OutAdj[n.ID], child)
			s.InAdj[child] = append(s.InAdj[child], n.ID)
			s.Edges++
		}
	}
	return s
}

// FromEntities builds a snapshot of cached entities.
func FromEntities(es []entity.Entity) *GraphSnapshot {
	nodes := make([]*NodeInfo, 0, len(es))
	for i := range es {
		e := &es[i]
		children, known := e.Children.Get()
		nodes = append(nodes, &NodeInfo{
			ID:            e.PermID,
			Title:         e.SummaryHeader.Or(e.Identifier.Or(e.PermID)),
			Category:      e.Category.Or(""),
			RootLevel:     e.IsRootLevel(),
			ChildrenKnown: known,
			Children:      append([]string(nil), children...),
			UpdatedAt:     e.LastUpdate.UnixMilli(),
		})
	}
	return NewSnapshot(nodes)
}

// NodeIDs returns a sorted list of all node IDs (for deterministic output)
func (s *GraphSnapshot) NodeIDs() []string {
	ids := make([]string, 0, len(s.Nodes))
	for id := range s.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reachable returns the nodes reachable from the root set through cached
// child links, root-level nodes included.
func (s *GraphSnapshot) Reachable() map[string]bool {
	seen := make(map[string]bool, len(s.Nodes))
	var queue []string
	for id, n := range s.Nodes {
		if n.RootLevel {
			seen[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range s.OutAdj[id] {
			if !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		}
	}
	return seen
}

// FilterToCategory returns a snapshot of the root-level entities of
// category and everything reachable below them.
func (s *GraphSnapshot) FilterToCategory(category string) *GraphSnapshot {
	included := make(map[string]bool)
	var queue []string
	for id, n := range s.Nodes {
		if n.RootLevel && n.Category == category {
			included[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range s.OutAdj[id] {
			if !included[child] {
				included[child] = true
				queue = append(queue, child)
			}
		}
	}

	filtered := make([]*NodeInfo, 0, len(included))
	for id := range included {
		filtered = append(filtered, s.Nodes[id])
	}
	return NewSnapshot(filtered)
}
