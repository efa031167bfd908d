package state

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Recorder writes the run record at the start and end of a run.
type Recorder struct {
	Store *Store
	Now   func() time.Time
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// NewRunID returns a time-ordered UUID, so sorted IDs follow start order.
func NewRunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Begin persists a running record and links it to the previous run.
func (r *Recorder) Begin(command, graphHash string) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	prev, err := r.Store.LatestRunID()
	if err != nil {
		return Run{}, err
	}
	id, err := NewRunID()
	if err != nil {
		return Run{}, err
	}
	run := Run{
		RunID:     id,
		Command:   command,
		GraphHash: graphHash,
		StartTime: r.now(),
		Status:    StatusRunning,
	}
	if prev != "" {
		run.PreviousRunID = &prev
	}
	return run, r.Store.SaveRun(run)
}

// Finish completes run. A nil runErr marks success; otherwise the run is
// failed (or cancelled) and failure.json is written next to run.json.
func (r *Recorder) Finish(run Run, nodes map[string]int, traceHash string, runErr error) (Run, error) {
	if r == nil || r.Store == nil {
		return run, errors.New("Store is required")
	}
	end := r.now()
	run.EndTime = &end
	run.Nodes = nodes
	run.TraceHash = traceHash
	switch {
	case runErr == nil:
		run.Status = StatusSucceeded
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		run.Status = StatusCancelled
	default:
		run.Status = StatusFailed
	}
	if err := r.Store.SaveRun(run); err != nil {
		return run, err
	}
	if runErr != nil {
		if err := r.Store.SaveFailure(run.RunID, Classify(runErr)); err != nil {
			return run, err
		}
	}
	return run, nil
}
