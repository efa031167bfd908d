package dag

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"buildweaver/internal/core"
	"buildweaver/internal/trace"
)

type fakeRunner struct {
	fail  map[string]bool
	delay map[string]time.Duration

	mu     sync.Mutex
	counts map[string]int

	active    int32
	maxActive int32
}

func (r *fakeRunner) Probe(_ context.Context, _ core.Task) (*NodeResult, bool, error) {
	return nil, false, nil
}

func (r *fakeRunner) Run(ctx context.Context, task core.Task) (*NodeResult, error) {
	n := atomic.AddInt32(&r.active, 1)
	defer atomic.AddInt32(&r.active, -1)
	for {
		m := atomic.LoadInt32(&r.maxActive)
		if n <= m || atomic.CompareAndSwapInt32(&r.maxActive, m, n) {
			break
		}
	}

	if d := r.delay[task.Name]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[task.Name]++
	r.mu.Unlock()

	res := &NodeResult{Hash: core.TaskHash("hash:" + task.Name)}
	if r.fail[task.Name] {
		return res, errors.New("action failed")
	}
	return res, nil
}

func (r *fakeRunner) ran(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name] > 0
}

func diamond(t *testing.T) *TaskGraph {
	t.Helper()
	g, err := NewTaskGraph(
		[]core.Task{{Name: "A"}, {Name: "B"}, {Name: "C"}, {Name: "D"}, {Name: "E"}},
		[]Edge{{From: "A", To: "B"}, {From: "A", To: "C"}, {From: "B", To: "D"}, {From: "C", To: "D"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return g
}

func TestExecutorSerial_RunsInDeterministicOrder(t *testing.T) {
	g := diamond(t)
	exec, err := NewExecutor(g, &fakeRunner{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := exec.Run(context.Background(), Options{Concurrency: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"A", "E", "B", "C", "D"}
	if !reflect.DeepEqual(res.ExecutionOrder, want) {
		t.Fatalf("order %v want %v", res.ExecutionOrder, want)
	}
	if !res.Succeeded() || res.Count(TaskCompleted) != 5 {
		t.Fatalf("expected all completed, got %v", res.FinalState)
	}
	if res.Results["D"].Hash != "hash:D" {
		t.Fatalf("expected result recorded for D")
	}
}

func TestExecutorParallel_RespectsDependenciesAndBound(t *testing.T) {
	g := diamond(t)
	runner := &fakeRunner{delay: map[string]time.Duration{"B": 5 * time.Millisecond, "C": 5 * time.Millisecond, "E": 5 * time.Millisecond}}
	obs := &orderObserver{}
	exec, err := NewExecutor(g, runner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := exec.Run(context.Background(), Options{Concurrency: 2, Observer: obs})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("expected success, got %v", res.FinalState)
	}
	if runner.maxActive > 2 {
		t.Fatalf("concurrency bound exceeded: %d", runner.maxActive)
	}
	finished := obs.finishedIndex()
	started := obs.startedIndex()
	for _, e := range g.Edges() {
		if started[e.To] < finished[e.From] {
			t.Fatalf("%s started before %s finished", e.To, e.From)
		}
	}
}

func TestExecutor_FailFastStopsDispatch(t *testing.T) {
	g, err := NewTaskGraph(
		[]core.Task{{Name: "A"}, {Name: "B"}, {Name: "C"}},
		[]Edge{{From: "A", To: "B"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	runner := &fakeRunner{fail: map[string]bool{"A": true}}
	exec, _ := NewExecutor(g, runner)
	rec := trace.NewRecorder()

	res, err := exec.Run(context.Background(), Options{Concurrency: 1, Trace: rec})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := ExecutionState{"A": TaskFailed, "B": TaskSkipped, "C": TaskSkipped}
	if !reflect.DeepEqual(res.FinalState, want) {
		t.Fatalf("got %v want %v", res.FinalState, want)
	}
	if runner.ran("C") {
		t.Fatalf("independent node must not start after a failure without keep-going")
	}
	if res.SkippedBy["B"] != "A" {
		t.Fatalf("expected B skipped because of A, got %q", res.SkippedBy["B"])
	}
	if _, ok := res.SkippedBy["C"]; ok {
		t.Fatalf("C was stopped, not skipped by a failure")
	}
	if res.Failures["A"] == nil {
		t.Fatalf("expected failure recorded for A")
	}

	tr := rec.Trace(string(res.GraphHash))
	var reasons []string
	for _, e := range tr.Events {
		reasons = append(reasons, e.Node+":"+string(e.Kind)+":"+e.Reason)
	}
	wantReasons := []string{"A:NodeFailed:ActionFailed", "B:NodeSkipped:UpstreamFailed", "C:NodeSkipped:RunStopped"}
	if !reflect.DeepEqual(reasons, wantReasons) {
		t.Fatalf("trace %v want %v", reasons, wantReasons)
	}
}

func TestExecutor_KeepGoingRunsIndependentBranches(t *testing.T) {
	g, err := NewTaskGraph(
		[]core.Task{{Name: "A"}, {Name: "B"}, {Name: "C"}, {Name: "D"}},
		[]Edge{{From: "A", To: "B"}, {From: "C", To: "D"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	runner := &fakeRunner{fail: map[string]bool{"A": true}}
	exec, _ := NewExecutor(g, runner)

	res, err := exec.Run(context.Background(), Options{Concurrency: 2, KeepGoing: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := ExecutionState{"A": TaskFailed, "B": TaskSkipped, "C": TaskCompleted, "D": TaskCompleted}
	if !reflect.DeepEqual(res.FinalState, want) {
		t.Fatalf("got %v want %v", res.FinalState, want)
	}
	if res.Succeeded() {
		t.Fatalf("result with a failure must not report success")
	}
	if runner.ran("B") {
		t.Fatalf("dependent of a failed node must never run")
	}
}

func TestExecutor_CancellationSkipsUnstartedNodes(t *testing.T) {
	g, err := NewTaskGraph([]core.Task{{Name: "A"}, {Name: "B"}}, []Edge{{From: "A", To: "B"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	runner := &fakeRunner{delay: map[string]time.Duration{"A": time.Minute}}
	exec, _ := NewExecutor(g, runner)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := exec.Run(ctx, Options{Concurrency: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if res == nil {
		t.Fatalf("expected partial result")
	}
	if res.FinalState["A"] != TaskFailed || res.FinalState["B"] != TaskSkipped {
		t.Fatalf("unexpected final state %v", res.FinalState)
	}
	if runner.ran("B") {
		t.Fatalf("B must not run after cancellation")
	}
}

type cachingRunner struct {
	fakeRunner
	cached map[string]bool
}

func (r *cachingRunner) Probe(_ context.Context, task core.Task) (*NodeResult, bool, error) {
	if r.cached[task.Name] {
		return &NodeResult{Hash: core.TaskHash("hash:" + task.Name), FromCache: true}, true, nil
	}
	return nil, false, nil
}

func TestExecutor_CachedNodesSatisfyDependents(t *testing.T) {
	g := diamond(t)
	runner := &cachingRunner{cached: map[string]bool{"A": true, "B": true}}
	exec, _ := NewExecutor(g, runner)

	res, err := exec.Run(context.Background(), Options{Concurrency: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.FinalState["A"] != TaskCached || res.FinalState["B"] != TaskCached {
		t.Fatalf("expected cached states, got %v", res.FinalState)
	}
	if res.FinalState["D"] != TaskCompleted {
		t.Fatalf("expected D completed, got %v", res.FinalState["D"])
	}
	if runner.ran("A") || runner.ran("B") {
		t.Fatalf("cached nodes must not run")
	}
}

func TestExecutor_ReusableAcrossRuns(t *testing.T) {
	g := diamond(t)
	exec, _ := NewExecutor(g, &fakeRunner{})
	r1, err := exec.Run(context.Background(), Options{Concurrency: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := exec.Run(context.Background(), Options{Concurrency: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(r1.FinalState, r2.FinalState) || !reflect.DeepEqual(r1.ExecutionOrder, r2.ExecutionOrder) {
		t.Fatalf("runs differ")
	}
}

type orderObserver struct {
	mu       sync.Mutex
	events   []string
	started  []string
	finished []string
}

func (o *orderObserver) NodeStarted(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "start:"+name)
	o.started = append(o.started, name)
}

func (o *orderObserver) NodeFinished(name string, _ TaskState, _ *NodeResult, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "finish:"+name)
	o.finished = append(o.finished, name)
}

func (o *orderObserver) indexOf(prefix string) map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := map[string]int{}
	for i, e := range o.events {
		if len(e) > len(prefix) && e[:len(prefix)] == prefix {
			out[e[len(prefix):]] = i
		}
	}
	return out
}

func (o *orderObserver) startedIndex() map[string]int  { return o.indexOf("start:") }
func (o *orderObserver) finishedIndex() map[string]int { return o.indexOf("finish:") }

func TestTraceDeterminism_ParallelMatchesSerial(t *testing.T) {
	g := diamond(t)
	var hashes []string
	for i := 0; i < 20; i++ {
		rec := trace.NewRecorder()
		exec, _ := NewExecutor(g, &fakeRunner{fail: map[string]bool{"C": true}})
		opts := Options{Concurrency: 1 + i%3, KeepGoing: true, Trace: rec}
		res, err := exec.Run(context.Background(), opts)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		h, err := rec.Trace(string(res.GraphHash)).Hash()
		if err != nil {
			t.Fatalf("trace hash: %v", err)
		}
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	if hashes[0] != hashes[len(hashes)-1] {
		t.Fatalf("trace hash varied across runs")
	}
}
