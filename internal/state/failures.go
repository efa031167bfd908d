package state

import (
	"context"
	"errors"
	"fmt"

	"buildweaver/internal/builderr"
	"buildweaver/internal/dag"
)

// NodeError attributes a failure to one pipeline node.
type NodeError struct {
	NodeID string
	Err    error
}

func (e *NodeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// Classify maps an error onto the failure taxonomy. The first matching
// kind wins; anything unrecognised is a system failure.
func Classify(err error) Failure {
	f := Failure{ErrorMessage: err.Error()}

	var node *NodeError
	if errors.As(err, &node) && node.NodeID != "" {
		id := node.NodeID
		f.NodeID = &id
	}

	var (
		verr *builderr.SchemaValidationError
		uerr *builderr.UnknownConfigurationKeyError
		gerr *dag.GraphError
	)
	switch {
	case errors.As(err, &verr):
		f.FailureClass, f.ErrorCode = FailureClassSchema, "SchemaValidationError"
		f.Violations = verr.Violations
	case errors.Is(err, builderr.ErrSchemaParse):
		f.FailureClass, f.ErrorCode = FailureClassSchema, "SchemaParseError"
	case errors.As(err, &uerr):
		f.FailureClass, f.ErrorCode = FailureClassConfiguration, "UnknownConfigurationKeyError"
	case errors.Is(err, builderr.ErrConfiguration):
		f.FailureClass, f.ErrorCode = FailureClassConfiguration, "ConfigurationError"
	case errors.Is(err, builderr.ErrCyclicDependency):
		f.FailureClass, f.ErrorCode = FailureClassGraph, "CyclicDependencyError"
	case errors.As(err, &gerr):
		f.FailureClass, f.ErrorCode = FailureClassGraph, "GraphError"
	case errors.Is(err, builderr.ErrMissingEntryPoint):
		f.FailureClass, f.ErrorCode = FailureClassExecution, "MissingEntryPointError"
	case errors.Is(err, builderr.ErrCollision):
		f.FailureClass, f.ErrorCode = FailureClassExecution, "CollisionError"
	case errors.Is(err, builderr.ErrGenerator):
		f.FailureClass, f.ErrorCode = FailureClassExecution, "GeneratorError"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		f.FailureClass, f.ErrorCode = FailureClassSystem, "Cancelled"
	case f.NodeID != nil:
		f.FailureClass, f.ErrorCode = FailureClassExecution, "NodeFailure"
	default:
		f.FailureClass, f.ErrorCode = FailureClassSystem, "UnknownError"
	}
	return f
}
