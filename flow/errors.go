// Package flow implements a declarative state-machine workflow engine for
// orchestrating AI agents.
//
// A workflow definition is a named graph of states (Task, Choice, Map,
// Parallel, Pass, Wait, Succeed, Fail, Approval, Checkpoint, Debate)
// connected by explicit transitions. The Runner advances an execution
// through the graph, threading a JSON document through each state and
// invoking registered agents at task states.
package flow

import (
	"context"
	"errors"
)

// Workflow error codes. Codes form a flat namespace matched by Retry and
// Catch rules; ErrorCodeAll is the wildcard and is never raised.
const (
	ErrorCodeAll                   = "States.ALL"
	ErrorCodeTaskFailed            = "States.TaskFailed"
	ErrorCodeTimeout               = "States.Timeout"
	ErrorCodeCancelled             = "States.Cancelled"
	ErrorCodePermissions           = "States.Permissions"
	ErrorCodeRateLimit             = "States.RateLimitExceeded"
	ErrorCodeBudgetExceeded        = "States.BudgetExceeded"
	ErrorCodeNoChoiceMatched       = "States.NoChoiceMatched"
	ErrorCodeParameterPathFailure  = "States.ParameterPathFailure"
	ErrorCodeResultPathFailure     = "States.ResultPathMatchFailure"
	ErrorCodeIntrinsicFailure      = "States.IntrinsicFailure"
	ErrorCodeApprovalTimeout       = "States.ApprovalTimeout"
	ErrorCodeMapFailed             = "States.MapFailed"
	ErrorCodeParallelFailed        = "States.ParallelFailed"
)

// Error is a workflow-level error with a code from the flat States.*
// namespace (or an agent-originated code) and a human-readable cause.
//
// Error values are what Retry and Catch rules match against. Agent errors
// that do not carry a code are classified as States.TaskFailed.
type Error struct {
	// Code is the machine-matchable error code (e.g. "States.Timeout").
	Code string

	// Cause is the human-readable explanation.
	Cause string

	// Payload carries structured data about the failure, such as the
	// partial results of a Map whose failures exceeded tolerance.
	Payload any

	// wrapped preserves the underlying Go error, if any.
	wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause == "" {
		return e.Code
	}
	return e.Code + ": " + e.Cause
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// NewError creates a workflow error with the given code and cause.
func NewError(code, cause string) *Error {
	return &Error{Code: code, Cause: cause}
}

// WrapError creates a workflow error preserving err as the unwrap target.
func WrapError(code string, err error) *Error {
	if err == nil {
		return &Error{Code: code}
	}
	return &Error{Code: code, Cause: err.Error(), wrapped: err}
}

// Classify converts an arbitrary error into a workflow *Error.
//
// Rules:
//   - *Error values pass through unchanged
//   - context cancellation maps to States.Cancelled
//   - context deadline expiry maps to States.Timeout
//   - everything else becomes States.TaskFailed with the error text as cause
func Classify(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, context.Canceled):
		return WrapError(ErrorCodeCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return WrapError(ErrorCodeTimeout, err)
	default:
		return WrapError(ErrorCodeTaskFailed, err)
	}
}

// asFlowError is errors.As specialized for *Error.
func asFlowError(err error, target **Error) bool {
	return errors.As(err, target)
}

// ValidationError reports a structural problem found in a definition at
// load time. Validation errors abort Load before any state executes.
type ValidationError struct {
	// State names the offending state, or "" for definition-level problems.
	State string

	// Message describes the violation.
	Message string
}

func (e *ValidationError) Error() string {
	if e.State != "" {
		return "invalid definition: state " + e.State + ": " + e.Message
	}
	return "invalid definition: " + e.Message
}

// ErrNoPendingExecution is returned by Runner.Resume when the resume token
// does not correspond to a suspended execution.
var ErrNoPendingExecution = errors.New("no pending execution for resume token")

// ErrExecutionNotSuspended is returned when Resume is called for an
// execution that already reached a terminal status.
var ErrExecutionNotSuspended = errors.New("execution is not suspended")
