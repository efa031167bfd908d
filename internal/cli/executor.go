package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/rs/zerolog"

	"buildweaver/internal/build"
	"buildweaver/internal/dag"
	"buildweaver/internal/logging"
	"buildweaver/internal/state"
	"buildweaver/internal/watch"
)

type CLIResult struct {
	ExitCode int
	Report   *build.Report
}

// ExitCode maps an error onto the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var inv *InvocationError
	if errors.As(err, &inv) {
		return inv.ExitCode
	}
	f := state.Classify(err)
	switch f.FailureClass {
	case state.FailureClassConfiguration, state.FailureClassSchema, state.FailureClassGraph:
		return ExitConfigError
	case state.FailureClassExecution:
		return ExitGraphFailure
	}
	if f.ErrorCode == "Cancelled" {
		return ExitGraphFailure
	}
	return ExitInternalError
}

// Execute runs a parsed invocation. Human-readable results go to stdout,
// logs to stderr.
func Execute(ctx context.Context, inv Invocation, stdout, stderr io.Writer) (CLIResult, error) {
	logger := logging.New(stderr, logging.Options{Level: inv.LogLevel, JSON: inv.LogJSON})

	var (
		report *build.Report
		err    error
	)
	switch inv.Command {
	case CommandHelp:
		_, err = io.WriteString(stdout, Usage())
	case CommandClean:
		err = clean(inv, stdout)
	case CommandGraph:
		err = graph(inv, stdout)
	case CommandWatch:
		err = watchLoop(ctx, inv, logger, stdout)
	case CommandBuild, CommandGenerate:
		report, err = runPipeline(ctx, inv, logger, stdout)
	default:
		err = invalidInvocationf("unknown command %q", inv.Command)
	}
	return CLIResult{ExitCode: ExitCode(err), Report: report}, err
}

func pipelineOptions(inv Invocation) build.Options {
	return build.Options{
		Command: inv.Command,
		Plan: build.PlanOptions{
			Modules:      inv.Modules,
			GenerateOnly: inv.Command != CommandBuild,
		},
		Jobs:        inv.Jobs,
		KeepGoing:   inv.KeepGoing,
		NoCache:     inv.NoCache,
		TracePath:   inv.TracePath,
		MetricsPath: inv.MetricsPath,
	}
}

func runPipeline(ctx context.Context, inv Invocation, logger zerolog.Logger, stdout io.Writer) (*build.Report, error) {
	project, err := build.Load(inv.WorkDir, inv.Properties)
	if err != nil {
		return nil, err
	}
	p := &build.Pipeline{Project: project, Logger: logger}
	report, err := p.Run(ctx, pipelineOptions(inv))
	if report != nil && report.Result != nil {
		printSummary(stdout, report)
	}
	return report, err
}

// printSummary writes one line of node counts, then each bundle produced.
func printSummary(w io.Writer, report *build.Report) {
	res := report.Result
	fmt.Fprintf(w, "%s: %d completed, %d cached, %d failed, %d skipped (run %s)\n",
		statusWord(res),
		res.Count(dag.TaskCompleted),
		res.Count(dag.TaskCached),
		res.Count(dag.TaskFailed),
		res.Count(dag.TaskSkipped),
		report.RunID,
	)
	for _, n := range report.Plan.Graph.Nodes() {
		st := res.FinalState[n.Name]
		if n.Task.Kind != build.KindPackage || (st != dag.TaskCompleted && st != dag.TaskCached) {
			continue
		}
		for _, out := range n.Task.Outputs {
			fmt.Fprintf(w, "bundle %s\n", out)
		}
	}
}

func statusWord(res *dag.GraphResult) string {
	if res.Succeeded() {
		return "ok"
	}
	return "failed"
}

func clean(inv Invocation, stdout io.Writer) error {
	removed, err := build.Clean(inv.WorkDir, inv.All)
	for _, r := range removed {
		fmt.Fprintf(stdout, "removed %s\n", filepath.ToSlash(r))
	}
	return err
}

// watchLoop generates once, then again after every schema change, until
// ctx is cancelled. Failed generations are reported and the loop goes on.
func watchLoop(ctx context.Context, inv Invocation, logger zerolog.Logger, stdout io.Writer) error {
	project, err := build.Load(inv.WorkDir, inv.Properties)
	if err != nil {
		return err
	}
	if _, err := runPipeline(ctx, inv, logger, stdout); err != nil && ExitCode(err) == ExitInternalError {
		return err
	}

	w, err := watch.New(logger, inv.Debounce, project.WatchedFiles())
	if err != nil {
		return err
	}
	defer w.Close()
	logger.Info().Int("files", len(project.WatchedFiles())).Msg("watching schemas")

	err = w.Run(ctx, func(ctx context.Context, changed []string) error {
		logger.Info().Strs("changed", changed).Msg("schemas changed")
		_, err := runPipeline(ctx, inv, logger, stdout)
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
