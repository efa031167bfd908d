package dag

import (
	"container/heap"
	"sort"

	"buildweaver/internal/builderr"
)

// Edge is a dependency relation: To depends on From.
//
// A directed edge From -> To means To can only run after From completed
// successfully.
type Edge struct {
	From string
	To   string
}

type edgeIndex struct {
	from int
	to   int
}

// Graph is an immutable, validated DAG over named nodes.
//
// Nodes are indexed in name order, so every ordering the graph produces breaks
// ties by name. It is safe for concurrent read access.
type Graph struct {
	label string

	names []string
	index map[string]int

	edges []edgeIndex // sorted

	outgoing [][]int // by index, sorted ascending
	incoming [][]int // by index, sorted ascending
	indeg    []int
	depth    []int
	order    []int
}

// NewGraph builds and validates a graph. label names the graph in cycle
// errors and may be empty.
//
// Validation rejects empty or duplicate node names, edges referencing unknown
// nodes, and duplicate edges with a GraphError. Self-loops and longer cycles
// are reported as *builderr.CyclicDependencyError.
func NewGraph(label string, nodes []string, edges []Edge) (*Graph, error) {
	names := make([]string, len(nodes))
	copy(names, nodes)
	sort.Strings(names)

	index := make(map[string]int, len(names))
	for i, n := range names {
		if n == "" {
			return nil, invalidf("node name is required")
		}
		if _, dup := index[n]; dup {
			return nil, invalidf("duplicate node name: %q", n)
		}
		index[n] = i
	}

	mapped := make([]edgeIndex, 0, len(edges))
	seen := make(map[edgeIndex]struct{}, len(edges))
	for _, e := range edges {
		from, okFrom := index[e.From]
		to, okTo := index[e.To]
		if !okFrom {
			return nil, invalidf("edge references unknown node (from): %q", e.From)
		}
		if !okTo {
			return nil, invalidf("edge references unknown node (to): %q", e.To)
		}
		if from == to {
			return nil, &builderr.CyclicDependencyError{Graph: label, Cycle: []string{e.From, e.To}}
		}
		pair := edgeIndex{from: from, to: to}
		if _, dup := seen[pair]; dup {
			return nil, invalidf("duplicate edge: %q -> %q", e.From, e.To)
		}
		seen[pair] = struct{}{}
		mapped = append(mapped, pair)
	}
	sort.Slice(mapped, func(i, j int) bool {
		a, b := mapped[i], mapped[j]
		if a.from != b.from {
			return a.from < b.from
		}
		return a.to < b.to
	})

	g := &Graph{
		label:    label,
		names:    names,
		index:    index,
		edges:    mapped,
		outgoing: make([][]int, len(names)),
		incoming: make([][]int, len(names)),
		indeg:    make([]int, len(names)),
	}
	for _, e := range mapped {
		g.outgoing[e.from] = append(g.outgoing[e.from], e.to)
		g.incoming[e.to] = append(g.incoming[e.to], e.from)
		g.indeg[e.to]++
	}
	for i := range names {
		sort.Ints(g.outgoing[i])
		sort.Ints(g.incoming[i])
	}

	g.order = g.kahn()
	if len(g.order) != len(names) {
		return nil, &builderr.CyclicDependencyError{Graph: label, Cycle: g.findCycle()}
	}
	g.depth = g.computeDepth()
	return g, nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.names) }

// Has reports whether name is a node of the graph.
func (g *Graph) Has(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Names returns the node names in name order.
func (g *Graph) Names() []string {
	out := make([]string, len(g.names))
	copy(out, g.names)
	return out
}

// Edges returns the edges as (From, To) name pairs in canonical order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, Edge{From: g.names[e.from], To: g.names[e.to]})
	}
	return out
}

// TopologicalOrder returns leaves first, every node after all of its
// dependencies, ties broken by name.
func (g *Graph) TopologicalOrder() []string {
	return g.namesOf(g.order)
}

// Depth returns the length of the longest path from any root to name.
func (g *Graph) Depth(name string) (int, bool) {
	i, ok := g.index[name]
	if !ok {
		return 0, false
	}
	return g.depth[i], true
}

// Predecessors returns the direct dependencies of name, sorted.
func (g *Graph) Predecessors(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.namesOf(g.incoming[i])
}

// Successors returns the direct dependents of name, sorted.
func (g *Graph) Successors(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.namesOf(g.outgoing[i])
}

// Ancestors returns every node name transitively depends on, in topological
// order. name itself is excluded.
func (g *Graph) Ancestors(name string) []string {
	return g.reach(name, g.incoming)
}

// Descendants returns every node that transitively depends on name, in
// topological order. name itself is excluded.
func (g *Graph) Descendants(name string) []string {
	return g.reach(name, g.outgoing)
}

func (g *Graph) reach(name string, adj [][]int) []string {
	start, ok := g.index[name]
	if !ok {
		return nil
	}
	visited := make([]bool, len(g.names))
	stack := append([]int(nil), adj[start]...)
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[u] {
			continue
		}
		visited[u] = true
		stack = append(stack, adj[u]...)
	}
	out := make([]string, 0)
	for _, u := range g.order {
		if visited[u] && u != start {
			out = append(out, g.names[u])
		}
	}
	return out
}

func (g *Graph) namesOf(idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.names[i])
	}
	return out
}

func (g *Graph) computeDepth() []int {
	depth := make([]int, len(g.names))
	for _, u := range g.order {
		for _, p := range g.incoming[u] {
			if d := depth[p] + 1; d > depth[u] {
				depth[u] = d
			}
		}
	}
	return depth
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// kahn returns a topological ordering of node indices; it is shorter than
// the node count iff the graph has a cycle. The ready queue is a min-heap by
// index, so the ordering is deterministic.
func (g *Graph) kahn() []int {
	indeg := make([]int, len(g.indeg))
	copy(indeg, g.indeg)

	ready := &intMinHeap{}
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle extracts one closed cycle path with a DFS over sorted adjacency.
// The witness is stable for a given graph.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)

	color := make([]int, len(g.names))
	parent := make([]int, len(g.names))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// Back edge u -> v: walk parents from u up to v.
				path := []int{v}
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, v)
				for i := len(path) - 1; i >= 0; i-- {
					cycle = append(cycle, path[i])
				}
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range g.names {
		if color[i] == white && dfs(i) {
			break
		}
	}
	return g.namesOf(cycle)
}
