package dag

import (
	"errors"
	"reflect"
	"testing"

	"buildweaver/internal/builderr"
)

func TestGraph_TopologicalOrder_LeavesFirstTiesByName(t *testing.T) {
	g, err := NewGraph("modules", []string{"standby", "admin", "protocol", "cluster", "backup"}, []Edge{
		{From: "protocol", To: "cluster"},
		{From: "protocol", To: "admin"},
		{From: "protocol", To: "backup"},
		{From: "cluster", To: "standby"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := g.TopologicalOrder()
	want := []string{"protocol", "admin", "backup", "cluster", "standby"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if d, _ := g.Depth("standby"); d != 2 {
		t.Fatalf("expected depth 2 for standby, got %d", d)
	}
}

func TestGraph_OrderIndependentOfInsertion(t *testing.T) {
	edges := []Edge{{From: "a", To: "c"}, {From: "b", To: "c"}, {From: "c", To: "d"}}
	g1, err := NewGraph("", []string{"a", "b", "c", "d"}, edges)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g2, err := NewGraph("", []string{"d", "c", "b", "a"}, []Edge{edges[2], edges[1], edges[0]})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(g1.TopologicalOrder(), g2.TopologicalOrder()) {
		t.Fatalf("orders differ: %v vs %v", g1.TopologicalOrder(), g2.TopologicalOrder())
	}
	if !reflect.DeepEqual(g1.Edges(), g2.Edges()) {
		t.Fatalf("edges differ")
	}
}

func TestGraph_TwoNodeCycle(t *testing.T) {
	_, err := NewGraph("modules", []string{"A", "B"}, []Edge{{From: "A", To: "B"}, {From: "B", To: "A"}})
	var cyc *builderr.CyclicDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected CyclicDependencyError, got %v", err)
	}
	if !reflect.DeepEqual(cyc.Cycle, []string{"A", "B", "A"}) {
		t.Fatalf("unexpected cycle witness %v", cyc.Cycle)
	}
	if !errors.Is(err, builderr.ErrCyclicDependency) {
		t.Fatalf("expected errors.Is ErrCyclicDependency")
	}
}

func TestGraph_IndirectCycleWitnessIsClosed(t *testing.T) {
	_, err := NewGraph("", []string{"a", "b", "c", "x"}, []Edge{
		{From: "x", To: "a"},
		{From: "a", To: "b"},
		{From: "b", To: "c"},
		{From: "c", To: "a"},
	})
	var cyc *builderr.CyclicDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected CyclicDependencyError, got %v", err)
	}
	if !reflect.DeepEqual(cyc.Cycle, []string{"a", "b", "c", "a"}) {
		t.Fatalf("unexpected cycle witness %v", cyc.Cycle)
	}
}

func TestGraph_SelfLoopIsCycle(t *testing.T) {
	_, err := NewGraph("", []string{"a"}, []Edge{{From: "a", To: "a"}})
	if !errors.Is(err, builderr.ErrCyclicDependency) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestGraph_InvalidInputs(t *testing.T) {
	cases := []struct {
		name  string
		nodes []string
		edges []Edge
	}{
		{"empty name", []string{""}, nil},
		{"duplicate node", []string{"a", "a"}, nil},
		{"unknown from", []string{"a"}, []Edge{{From: "zz", To: "a"}}},
		{"unknown to", []string{"a"}, []Edge{{From: "a", To: "zz"}}},
		{"duplicate edge", []string{"a", "b"}, []Edge{{From: "a", To: "b"}, {From: "a", To: "b"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewGraph("", tc.nodes, tc.edges)
			if !errors.Is(err, ErrInvalidGraph) {
				t.Fatalf("expected ErrInvalidGraph, got %v", err)
			}
		})
	}
}

func TestGraph_AncestorsAndDescendants(t *testing.T) {
	g, err := NewGraph("", []string{"a", "b", "c", "d", "e"}, []Edge{
		{From: "a", To: "b"},
		{From: "b", To: "c"},
		{From: "d", To: "c"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := g.Ancestors("c"); !reflect.DeepEqual(got, []string{"a", "b", "d"}) {
		t.Fatalf("ancestors: %v", got)
	}
	if got := g.Descendants("a"); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("descendants: %v", got)
	}
	if got := g.Ancestors("e"); len(got) != 0 {
		t.Fatalf("expected no ancestors, got %v", got)
	}
	if got := g.Predecessors("c"); !reflect.DeepEqual(got, []string{"b", "d"}) {
		t.Fatalf("predecessors: %v", got)
	}
}
