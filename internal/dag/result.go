package dag

import "buildweaver/internal/core"

// NodeResult is the outcome of executing or restoring one node.
type NodeResult struct {
	Hash core.TaskHash

	FromCache         bool
	ArtifactsRestored int
	Artifacts         int

	Log []byte
}

// GraphResult summarises one execution attempt.
type GraphResult struct {
	GraphHash GraphHash

	// FinalState is the terminal state of each node.
	FinalState ExecutionState

	// ExecutionOrder lists the nodes in the order they were dispatched.
	ExecutionOrder []string

	// Results holds the outcome of every node that was dispatched and did
	// not fail before producing a hash.
	Results map[string]*NodeResult

	// Failures holds the error of every FAILED node.
	Failures map[string]error

	// SkippedBy names, for each SKIPPED node, the failed upstream node that
	// caused it. Nodes skipped because the run stopped have no entry.
	SkippedBy map[string]string
}

// Succeeded reports whether every node completed or was restored.
func (r *GraphResult) Succeeded() bool {
	if r == nil {
		return false
	}
	for _, st := range r.FinalState {
		if !IsSuccessful(st) {
			return false
		}
	}
	return true
}

// Count returns how many nodes ended in state s.
func (r *GraphResult) Count(s TaskState) int {
	n := 0
	for _, st := range r.FinalState {
		if st == s {
			n++
		}
	}
	return n
}
