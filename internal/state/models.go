// Package state persists one record per pipeline run under
// <project>/.buildweaver/runs/<run-id>/: run.json for every run, and
// failure.json when the run did not succeed.
package state

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"buildweaver/internal/builderr"
)

type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Run is the metadata of one invocation.
type Run struct {
	RunID         string         `json:"run_id"`
	Command       string         `json:"command"`
	GraphHash     string         `json:"graph_hash"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       *time.Time     `json:"end_time"`
	Status        RunStatus      `json:"status"`
	Nodes         map[string]int `json:"nodes"`
	TraceHash     string         `json:"trace_hash,omitempty"`
	PreviousRunID *string        `json:"previous_run_id"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.Command) == "" {
		errs = append(errs, errors.New("command is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case StatusRunning:
		if r.EndTime != nil {
			errs = append(errs, errors.New("a running run has no end_time"))
		}
	case StatusSucceeded, StatusFailed, StatusCancelled:
		if r.EndTime == nil {
			errs = append(errs, fmt.Errorf("%s run requires end_time", r.Status))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	for k, v := range r.Nodes {
		if v < 0 {
			errs = append(errs, fmt.Errorf("nodes[%s] must be >= 0", k))
		}
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassConfiguration FailureClass = "configuration"
	FailureClassSchema        FailureClass = "schema"
	FailureClassGraph         FailureClass = "graph"
	FailureClassExecution     FailureClass = "execution"
	FailureClassSystem        FailureClass = "system"
)

// Failure is the recorded reason a run ended without success.
type Failure struct {
	FailureClass FailureClass         `json:"failure_class"`
	NodeID       *string              `json:"node_id,omitempty"`
	ErrorCode    string               `json:"error_code"`
	ErrorMessage string               `json:"error_message"`
	Violations   []builderr.Violation `json:"violations,omitempty"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassConfiguration, FailureClassSchema, FailureClassGraph, FailureClassExecution, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.NodeID != nil && strings.TrimSpace(*f.NodeID) == "" {
		errs = append(errs, errors.New("node_id must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	return errors.Join(errs...)
}
