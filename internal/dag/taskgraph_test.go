package dag

import (
	"errors"
	"testing"

	"buildweaver/internal/core"
)

func TestTaskGraph_HashStableAcrossInsertionOrder(t *testing.T) {
	tasks := []core.Task{
		{Name: "generate:protocol", Kind: "generate", Inputs: []string{"schema.xml"}, Outputs: []string{"gen"}},
		{Name: "assemble:protocol", Kind: "assemble", Outputs: []string{"build/protocol/out"}},
	}
	edges := []Edge{{From: "generate:protocol", To: "assemble:protocol"}}

	g1, err := NewTaskGraph(tasks, edges)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g2, err := NewTaskGraph([]core.Task{tasks[1], tasks[0]}, edges)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g1.Hash() == "" || g1.Hash() != g2.Hash() {
		t.Fatalf("expected identical non-empty hashes, got %q vs %q", g1.Hash(), g2.Hash())
	}
}

func TestTaskGraph_HashChangesWithDefinition(t *testing.T) {
	mk := func(target string) GraphHash {
		g, err := NewTaskGraph([]core.Task{{Name: "g", Kind: "generate", Params: map[string]string{"target": target}}}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return g.Hash()
	}
	if mk("golang") == mk("java") {
		t.Fatalf("expected params to affect the graph hash")
	}
}

func TestTaskGraph_RejectsSharedOutput(t *testing.T) {
	_, err := NewTaskGraph([]core.Task{
		{Name: "a", Kind: "k", Outputs: []string{"out"}},
		{Name: "b", Kind: "k", Outputs: []string{"out"}},
	}, nil)
	if !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph, got %v", err)
	}
}

func TestTaskGraph_RejectsEmptyAndDuplicate(t *testing.T) {
	if _, err := NewTaskGraph(nil, nil); !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph for no tasks, got %v", err)
	}
	if _, err := NewTaskGraph([]core.Task{{Name: "a"}, {Name: "a"}}, nil); !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph for duplicate, got %v", err)
	}
}

func TestTaskGraph_NodesInNameOrder(t *testing.T) {
	g, err := NewTaskGraph([]core.Task{{Name: "b"}, {Name: "a"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nodes := g.Nodes()
	if nodes[0].Name != "a" || nodes[1].Name != "b" {
		t.Fatalf("unexpected node order")
	}
	if n, ok := g.Node("a"); !ok || n.DefinitionHash == "" {
		t.Fatalf("expected node with definition hash")
	}
}
