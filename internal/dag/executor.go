package dag

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"buildweaver/internal/core"
	"buildweaver/internal/trace"
)

// TaskRunner executes a single task.
//
// Probe reports whether the task can be satisfied from the cache and, if so,
// restores it; a cached result must be non-nil. Run performs the task. Any
// error from either is a failure of that node only.
type TaskRunner interface {
	Probe(ctx context.Context, task core.Task) (result *NodeResult, cached bool, err error)
	Run(ctx context.Context, task core.Task) (*NodeResult, error)
}

// Observer is notified of node transitions. Calls are serialized.
type Observer interface {
	NodeStarted(name string)
	NodeFinished(name string, state TaskState, result *NodeResult, err error)
}

// Options tune one execution.
type Options struct {
	// Concurrency bounds the number of nodes in flight. Values below one
	// mean one.
	Concurrency int

	// KeepGoing keeps dispatching independent nodes after a failure. By
	// default no new node starts once any node failed; in-flight nodes
	// still finish.
	KeepGoing bool

	Trace    trace.Sink
	Observer Observer
}

// Executor runs a TaskGraph.
//
// A node is dispatched only after all its dependencies completed or were
// restored from the cache. When a node fails, every transitive dependent
// becomes SKIPPED. Ready nodes are dispatched in (depth, name) order.
type Executor struct {
	Graph  *TaskGraph
	Runner TaskRunner

	mu    sync.Mutex
	state ExecutionState
}

// NewExecutor creates an executor with all nodes PENDING.
func NewExecutor(g *TaskGraph, runner TaskRunner) (*Executor, error) {
	if g == nil {
		return nil, errors.New("nil graph")
	}
	if runner == nil {
		return nil, errors.New("nil runner")
	}
	e := &Executor{Graph: g, Runner: runner}
	e.reset()
	return e, nil
}

func (e *Executor) reset() {
	e.state = make(ExecutionState, e.Graph.Len())
	for _, n := range e.Graph.names {
		e.state[n] = TaskPending
	}
}

func (e *Executor) snapshotLocked() ExecutionState {
	cp := make(ExecutionState, len(e.state))
	for k, v := range e.state {
		cp[k] = v
	}
	return cp
}

type workItem struct {
	name string
	task core.Task
}

type workResult struct {
	name   string
	result *NodeResult
	cached bool
	err    error
}

// Run executes the graph. Node failures are reported in the GraphResult; the
// returned error is non-nil only when ctx was cancelled or an internal
// invariant broke. On cancellation the partial result is still returned.
func (e *Executor) Run(ctx context.Context, opts Options) (*GraphResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sink := opts.Trace

	e.mu.Lock()
	e.reset()
	e.mu.Unlock()

	workCh := make(chan workItem, concurrency)
	doneCh := make(chan workResult, concurrency)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range workCh {
				res, cached, err := e.Runner.Probe(ctx, w.task)
				if err == nil && !cached {
					res, err = e.Runner.Run(ctx, w.task)
				}
				doneCh <- workResult{name: w.name, result: res, cached: cached, err: err}
			}
		}()
	}
	defer func() {
		close(workCh)
		wg.Wait()
	}()

	res := &GraphResult{
		GraphHash: e.Graph.Hash(),
		Results:   make(map[string]*NodeResult),
		Failures:  make(map[string]error),
		SkippedBy: make(map[string]string),
	}
	inFlight := 0
	stopping := false
	stopReason := trace.ReasonRunStopped

	for {
		e.mu.Lock()
		if !stopping && ctx.Err() != nil {
			stopping = true
			stopReason = trace.ReasonCancelled
		}
		if !stopping {
			for _, name := range GetReadyTasks(e.Graph, e.state) {
				if inFlight >= concurrency {
					break
				}
				if err := Transition(e.state, name, TaskPending, TaskRunning); err != nil {
					e.mu.Unlock()
					return nil, err
				}
				res.ExecutionOrder = append(res.ExecutionOrder, name)
				inFlight++
				if opts.Observer != nil {
					opts.Observer.NodeStarted(name)
				}
				workCh <- workItem{name: name, task: e.nodesTask(name)}
			}
		}

		if inFlight == 0 {
			pending := 0
			for _, name := range e.Graph.TopologicalOrder() {
				if e.state[name] != TaskPending {
					continue
				}
				pending++
				if stopping {
					e.state[name] = TaskSkipped
					trace.SafeRecord(sink, trace.Event{Kind: trace.EventNodeSkipped, Node: name, Reason: stopReason})
					if opts.Observer != nil {
						opts.Observer.NodeFinished(name, TaskSkipped, nil, nil)
					}
				}
			}
			res.FinalState = e.snapshotLocked()
			e.mu.Unlock()
			if pending > 0 && !stopping {
				return nil, errors.New("no ready tasks but graph not finished")
			}
			break
		}
		e.mu.Unlock()

		r := <-doneCh

		e.mu.Lock()
		inFlight--
		if cur := e.state[r.name]; cur != TaskRunning {
			e.mu.Unlock()
			return nil, fmt.Errorf("completion for %q but state is %s", r.name, cur)
		}
		if r.result != nil {
			res.Results[r.name] = r.result
		}
		outputs := e.nodesTask(r.name).Outputs

		switch {
		case r.err != nil || r.result == nil:
			err := r.err
			if err == nil {
				err = errors.New("runner returned no result")
			}
			res.Failures[r.name] = err
			skipped, perr := FailAndPropagate(e.Graph, e.state, r.name)
			if perr != nil {
				e.mu.Unlock()
				return nil, perr
			}
			reason := trace.ReasonActionFailed
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				reason = trace.ReasonCancelled
			}
			trace.SafeRecord(sink, trace.Event{Kind: trace.EventNodeFailed, Node: r.name, Reason: reason, Outputs: outputs})
			if opts.Observer != nil {
				opts.Observer.NodeFinished(r.name, TaskFailed, r.result, err)
			}
			for _, s := range skipped {
				res.SkippedBy[s] = r.name
				trace.SafeRecord(sink, trace.Event{Kind: trace.EventNodeSkipped, Node: s, Reason: trace.ReasonUpstreamFailed, Cause: r.name})
				if opts.Observer != nil {
					opts.Observer.NodeFinished(s, TaskSkipped, nil, nil)
				}
			}
			if !opts.KeepGoing {
				stopping = true
			}

		case r.cached:
			if err := Transition(e.state, r.name, TaskRunning, TaskCached); err != nil {
				e.mu.Unlock()
				return nil, err
			}
			trace.SafeRecord(sink, trace.Event{Kind: trace.EventNodeCached, Node: r.name, Reason: trace.ReasonCacheHit, Outputs: outputs})
			if opts.Observer != nil {
				opts.Observer.NodeFinished(r.name, TaskCached, r.result, nil)
			}

		default:
			st := TaskCompleted
			kind, reason := trace.EventNodeExecuted, trace.ReasonCacheMiss
			if r.result.FromCache {
				st, kind, reason = TaskCached, trace.EventNodeCached, trace.ReasonCacheHit
			}
			if err := Transition(e.state, r.name, TaskRunning, st); err != nil {
				e.mu.Unlock()
				return nil, err
			}
			trace.SafeRecord(sink, trace.Event{Kind: kind, Node: r.name, Reason: reason, Outputs: outputs})
			if opts.Observer != nil {
				opts.Observer.NodeFinished(r.name, st, r.result, nil)
			}
		}
		e.mu.Unlock()
	}

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("execution cancelled: %w", err)
	}
	return res, nil
}

func (e *Executor) nodesTask(name string) core.Task {
	return e.Graph.nodesByName[name].Task
}
