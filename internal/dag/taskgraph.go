package dag

import (
	"encoding/hex"

	"github.com/zeebo/blake3"

	"buildweaver/internal/core"
)

// GraphHash is the identity of a TaskGraph, computed from task definitions and
// dependency structure. It is stable across insertion orders.
type GraphHash string

func (h GraphHash) String() string { return string(h) }

// TaskNode is an immutable node in the TaskGraph.
type TaskNode struct {
	Name           string
	Task           core.Task
	DefinitionHash TaskDefHash
}

// TaskGraph is an immutable, validated DAG of pipeline tasks.
//
// It is safe for concurrent read access.
type TaskGraph struct {
	*Graph

	nodesByName map[string]*TaskNode
	hash        GraphHash
}

// NewTaskGraph builds and validates a TaskGraph.
//
// Validation runs immediately and rejects:
//   - no tasks
//   - empty or duplicate task names
//   - two tasks declaring the same output
//   - edges referencing unknown tasks, duplicate edges
//   - any cycle (direct or indirect)
func NewTaskGraph(tasks []core.Task, edges []Edge) (*TaskGraph, error) {
	if len(tasks) == 0 {
		return nil, invalidf("no tasks")
	}

	nodesByName := make(map[string]*TaskNode, len(tasks))
	names := make([]string, 0, len(tasks))
	owners := make(map[string]string)
	for _, t := range tasks {
		if t.Name == "" {
			return nil, invalidf("task name is required")
		}
		if _, exists := nodesByName[t.Name]; exists {
			return nil, invalidf("duplicate task name: %q", t.Name)
		}
		for _, out := range t.Outputs {
			if owner, taken := owners[out]; taken {
				return nil, invalidf("output %q declared by both %q and %q", out, owner, t.Name)
			}
			owners[out] = t.Name
		}
		nodesByName[t.Name] = &TaskNode{Name: t.Name, Task: t, DefinitionHash: computeTaskDefHash(t)}
		names = append(names, t.Name)
	}

	g, err := NewGraph("task graph", names, edges)
	if err != nil {
		return nil, err
	}

	tg := &TaskGraph{Graph: g, nodesByName: nodesByName}
	tg.hash = tg.computeGraphHash()
	return tg, nil
}

// Hash returns the stable identity for this graph.
func (g *TaskGraph) Hash() GraphHash { return g.hash }

// Node returns a node by name.
func (g *TaskGraph) Node(name string) (*TaskNode, bool) {
	n, ok := g.nodesByName[name]
	return n, ok
}

// Nodes returns the nodes in name order.
func (g *TaskGraph) Nodes() []*TaskNode {
	out := make([]*TaskNode, 0, len(g.names))
	for _, n := range g.names {
		out = append(out, g.nodesByName[n])
	}
	return out
}

func (g *TaskGraph) computeGraphHash() GraphHash {
	h := blake3.New()
	w := fieldWriter{h: h}

	w.count(len(g.names))
	for _, name := range g.names {
		w.str(name)
		w.str(string(g.nodesByName[name].DefinitionHash))
	}
	w.count(len(g.edges))
	for _, e := range g.edges {
		w.str(g.names[e.from])
		w.str(g.names[e.to])
	}
	return GraphHash(hex.EncodeToString(h.Sum(nil)))
}
