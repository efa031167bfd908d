// Package dag provides deterministic dependency graphs and the scheduler that
// executes pipeline tasks over them.
//
// It is split into:
//   - Graph: an immutable DAG over names with leaves-first ordering and
//     cycle witnesses, shared by the module graph and the task graph
//   - TaskGraph: a Graph whose nodes are core.Task values, with a stable
//     GraphHash
//   - Executor: mutable per-run state, a bounded worker pool and failure
//     propagation
package dag
