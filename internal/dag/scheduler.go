package dag

import "sort"

// ExecutionState maps task name to its current TaskState.
type ExecutionState map[string]TaskState

// GetReadyTasks returns the task names that are eligible to run.
//
// A task is ready iff it is PENDING and all its dependencies are COMPLETED or
// CACHED. The result is sorted by (topological depth, name).
//
// It does not mutate graph or state.
func GetReadyTasks(g *TaskGraph, state ExecutionState) []string {
	if g == nil {
		return nil
	}

	ready := make([]string, 0)
	for i, name := range g.names {
		if st, ok := state[name]; !ok || st != TaskPending {
			continue
		}
		depsOK := true
		for _, p := range g.incoming[i] {
			if !IsSuccessful(state[g.names[p]]) {
				depsOK = false
				break
			}
		}
		if depsOK {
			ready = append(ready, name)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		ad, bd := g.depth[g.index[a]], g.depth[g.index[b]]
		if ad != bd {
			return ad < bd
		}
		return a < b
	})
	return ready
}
