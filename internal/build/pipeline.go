package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"buildweaver/internal/core"
	"buildweaver/internal/dag"
	"buildweaver/internal/observability"
	"buildweaver/internal/packaging"
	"buildweaver/internal/state"
	"buildweaver/internal/trace"
)

// CacheDir holds cached node outputs, relative to the project root.
var CacheDir = filepath.Join(state.DirName, "cache")

// Options tune one pipeline run.
type Options struct {
	// Command is recorded in the run record ("build", "generate").
	Command string
	Plan    PlanOptions

	// Jobs bounds the nodes in flight; below one means one.
	Jobs      int
	KeepGoing bool
	NoCache   bool

	// TracePath, when set, receives the canonical execution trace.
	TracePath string
	// MetricsPath, when set, receives the run's metrics in text format.
	MetricsPath string
}

// Report describes a finished run.
type Report struct {
	RunID     string
	Plan      *Plan
	Result    *dag.GraphResult
	TraceHash string
	Duration  time.Duration
}

// Pipeline runs planned builds of one project.
type Pipeline struct {
	Project *Project
	Logger  zerolog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run plans and executes the build. The returned error is the first node
// failure (as a *state.NodeError), a planning error, or the cancellation.
// Every run, failed or not, leaves a run record.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Command == "" {
		opts.Command = "build"
	}
	start := p.now()
	store, err := state.NewStore(p.Project.Root)
	if err != nil {
		return nil, err
	}
	recorder := &state.Recorder{Store: store, Now: p.Now}
	metrics := observability.New()

	plan, planErr := p.Project.Plan(opts.Plan)
	graphHash := ""
	if planErr == nil {
		graphHash = plan.Graph.Hash().String()
	}
	run, err := recorder.Begin(opts.Command, graphHash)
	if err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}
	log := p.Logger.With().Str("run", run.RunID).Logger()
	report := &Report{RunID: run.RunID, Plan: plan}

	if planErr != nil {
		if _, err := recorder.Finish(run, nil, "", planErr); err != nil {
			log.Error().Err(err).Msg("recording run failed")
		}
		return report, planErr
	}

	var cache core.Cache
	if !opts.NoCache {
		cache = core.NewFileCache(filepath.Join(p.Project.Root, CacheDir))
	}
	runner := core.NewRunner(p.Project.Root, cache)
	acts := &actions{
		project:  p.Project,
		plan:     plan,
		logger:   log,
		packager: packaging.New(log),
		metrics:  metrics,
	}
	acts.register(runner)

	car, err := dag.NewCacheAwareRunner(runner)
	if err != nil {
		return report, err
	}
	exec, err := dag.NewExecutor(plan.Graph, car)
	if err != nil {
		return report, err
	}
	sink := trace.NewRecorder()
	obs := &observer{logger: log, graph: plan.Graph, metrics: metrics, now: p.now, started: map[string]time.Time{}}

	log.Info().
		Str("command", opts.Command).
		Int("nodes", plan.Graph.Len()).
		Int("jobs", max(opts.Jobs, 1)).
		Bool("keep_going", opts.KeepGoing).
		Msg("run started")

	res, execErr := exec.Run(ctx, dag.Options{
		Concurrency: opts.Jobs,
		KeepGoing:   opts.KeepGoing,
		Trace:       sink,
		Observer:    obs,
	})
	report.Result = res

	var runErr error
	switch {
	case res == nil:
		runErr = execErr
	case ctx.Err() != nil:
		runErr = execErr
	default:
		runErr = firstFailure(res)
	}

	nodes := map[string]int{}
	if res != nil {
		for _, st := range res.FinalState {
			nodes[string(st)]++
		}
	}

	tr := sink.Trace(graphHash)
	canonical, terr := tr.CanonicalJSON()
	if terr == nil {
		report.TraceHash, terr = tr.Hash()
	}
	if terr != nil {
		log.Error().Err(terr).Msg("encoding trace failed")
	} else {
		if err := store.SaveTrace(run.RunID, canonical); err != nil {
			log.Error().Err(err).Msg("saving trace failed")
		}
		if opts.TracePath != "" {
			if err := core.WriteFileAtomic(opts.TracePath, canonical, 0o644); err != nil {
				runErr = errors.Join(runErr, fmt.Errorf("writing trace: %w", err))
			}
		}
	}

	finished, err := recorder.Finish(run, nodes, report.TraceHash, runErr)
	if err != nil {
		log.Error().Err(err).Msg("recording run failed")
	}
	report.Duration = p.now().Sub(start)

	metrics.ObserveRun(opts.Command, string(finished.Status), report.Duration, p.now())
	if opts.MetricsPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.MetricsPath), 0o755); err == nil {
			err = metrics.WriteTextfile(opts.MetricsPath)
		}
		if err != nil {
			log.Error().Err(err).Str("path", opts.MetricsPath).Msg("writing metrics failed")
		}
	}

	ev := log.Info()
	if runErr != nil {
		ev = log.Error().Err(runErr)
	}
	ev.Str("status", string(finished.Status)).
		Interface("nodes", nodes).
		Dur("duration", report.Duration).
		Msg("run finished")
	return report, runErr
}

// firstFailure returns the failure of the earliest dispatched failed node.
func firstFailure(res *dag.GraphResult) error {
	for _, name := range res.ExecutionOrder {
		if err, failed := res.Failures[name]; failed {
			return &state.NodeError{NodeID: name, Err: err}
		}
	}
	return nil
}

// observer logs node transitions and feeds the metrics.
type observer struct {
	logger  zerolog.Logger
	graph   *dag.TaskGraph
	metrics *observability.Metrics
	now     func() time.Time
	started map[string]time.Time
}

func (o *observer) NodeStarted(name string) {
	o.started[name] = o.now()
	o.logger.Debug().Str("node", name).Msg("node started")
}

func (o *observer) NodeFinished(name string, st dag.TaskState, res *dag.NodeResult, err error) {
	kind := ""
	if n, ok := o.graph.Node(name); ok {
		kind = n.Task.Kind
	}
	began, dispatched := o.started[name]
	elapsed := time.Duration(0)
	if dispatched {
		elapsed = o.now().Sub(began)
	}
	executed := dispatched && (st == dag.TaskCompleted || st == dag.TaskFailed)
	o.metrics.ObserveNode(kind, string(st), executed, elapsed)

	var ev *zerolog.Event
	switch st {
	case dag.TaskFailed:
		ev = o.logger.Error().Err(err)
	case dag.TaskSkipped:
		ev = o.logger.Warn()
	default:
		ev = o.logger.Info()
	}
	ev = ev.Str("node", name).Str("state", string(st))
	if dispatched {
		ev = ev.Dur("elapsed", elapsed)
	}
	if res != nil && res.FromCache {
		ev = ev.Int("restored", res.ArtifactsRestored)
	}
	ev.Msg("node finished")
}

// Clean removes build outputs and the cache. With all, run records go too.
// It returns the paths that existed and were removed.
func Clean(root string, all bool) ([]string, error) {
	targets := []string{OutputRoot, CacheDir}
	if all {
		targets = []string{OutputRoot, state.DirName}
	}
	var removed []string
	for _, t := range targets {
		path := filepath.Join(root, t)
		if _, err := os.Lstat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, err
		}
		if err := os.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("removing %s: %w", t, err)
		}
		removed = append(removed, t)
	}
	return removed, nil
}
