package graph

// UnionFind groups node IDs into connected components, with path
// compression and union by size
type UnionFind struct {
	parent map[string]string
	size   map[string]int
}

// NewUnionFind creates a new UnionFind where each element is its own component
func NewUnionFind(ids []string) *UnionFind {
	uf := &UnionFind{
		parent: make(map[string]string, len(ids)),
		size:   make(map[string]int, len(ids)),
	}
	for _, id := range ids {
		uf.parent[id] = id
		uf.size[id] = 1
	}
	return uf
}

// Find returns the representative of id's component
func (uf *UnionFind) Find(id string) string {
	root := id
	for {
		p, ok := uf.parent[root]
		if !ok || p == root {
			break
		}
		root = p
	}
	for id != root {
		next := uf.parent[id]
		uf.parent[id] = root
		id = next
	}
	return root
}

// Union merges the components of a and b. Returns true if they were separate.
func (uf *UnionFind) Union(a, b string) bool {
	ra, rb := uf.Find(a), uf.Find(b)
	if ra == rb {
		return false
	}
	if uf.size[ra] < uf.size[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	uf.size[ra] += uf.size[rb]
	return true
}

// Sizes returns the size of every component.
func (uf *UnionFind) Sizes() []int {
	var sizes []int
	for id, p := range uf.parent {
		if id == p {
			sizes = append(sizes, uf.size[id])
		}
	}
	return sizes
}
