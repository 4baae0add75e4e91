package flow

import (
	"context"
	"time"

	"github.com/dshills/stateflow-go/flow/jsonval"
)

// Suspension reasons.
const (
	SuspendApproval   = "Approval"
	SuspendCheckpoint = "Checkpoint"
)

// Suspension describes why an execution paused and how to resume it.
type Suspension struct {
	// Reason is SuspendApproval or SuspendCheckpoint.
	Reason string

	// Token is handed to Runner.Resume to continue the execution.
	Token string

	// Payload carries the approval request or checkpoint id.
	Payload any
}

type stepKind int

const (
	stepNext stepKind = iota
	stepEnd
	stepFail
	stepSuspend
)

// stepResult is the tagged outcome of one state step.
type stepResult struct {
	kind      stepKind
	output    any
	nextState string
	err       *Error
	suspend   *Suspension
}

func nextStep(output any, next string) stepResult {
	return stepResult{kind: stepNext, output: output, nextState: next}
}

func endStep(output any) stepResult {
	return stepResult{kind: stepEnd, output: output}
}

func failStep(err *Error, output any) stepResult {
	return stepResult{kind: stepFail, err: err, output: output}
}

func suspendStep(s *Suspension, output any) stepResult {
	return stepResult{kind: stepSuspend, suspend: s, output: output}
}

// transition routes a state's shaped output per its Next/End fields.
func transition(spec *StateSpec, output any) stepResult {
	if spec.Terminal() {
		return endStep(output)
	}
	return nextStep(output, spec.Next)
}

// state is one executable node of the compiled definition. Step consumes
// the state input plus the execution context and produces a stepResult;
// it must not mutate its input document.
type state interface {
	Name() string
	Step(ctx context.Context, input any, ec *ExecutionContext) stepResult
}

// applyInputPath runs the InputPath stage of the I/O pipeline: the input
// is replaced by the value at the path, with scalars wrapped so state
// input stays object-typed.
func applyInputPath(spec *StateSpec, input any, ec *ExecutionContext, entered time.Time) (any, error) {
	if spec.InputPath == "" {
		return input, nil
	}
	v, ok, err := pathRead(spec.InputPath, input, ec.contextObject(spec.Name, entered))
	if err != nil {
		return nil, NewError(ErrorCodeParameterPathFailure, err.Error())
	}
	if !ok {
		return nil, NewError(ErrorCodeParameterPathFailure, "InputPath "+spec.InputPath+" resolved to nothing")
	}
	return wrapScalar(jsonval.DeepCopy(v)), nil
}

// applyOutputPath runs the OutputPath stage: the output is replaced by
// the value at the path.
func applyOutputPath(spec *StateSpec, output any, ec *ExecutionContext, entered time.Time) (any, error) {
	if spec.OutputPath == "" {
		return output, nil
	}
	v, ok, err := pathRead(spec.OutputPath, output, ec.contextObject(spec.Name, entered))
	if err != nil {
		return nil, NewError(ErrorCodeParameterPathFailure, err.Error())
	}
	if !ok {
		return nil, NewError(ErrorCodeParameterPathFailure, "OutputPath "+spec.OutputPath+" resolved to nothing")
	}
	return jsonval.DeepCopy(v), nil
}

// shapeResult applies ResultSelector then ResultPath, yielding the
// state's output document before OutputPath.
//
// ResultPath semantics: omitted replaces the whole document with the
// result; null discards the result and keeps the input; a path writes
// the result into the input at that location.
func shapeResult(spec *StateSpec, input, result any, ec *ExecutionContext, entered time.Time) (any, error) {
	shaped := result
	if spec.ResultSelector != nil {
		merged := shallowMerge(input, result)
		sel, err := resolveParameters(spec.ResultSelector, merged, ec.contextObject(spec.Name, entered), ec.Env)
		if err != nil {
			return nil, err
		}
		shaped = sel
	}
	switch {
	case !spec.ResultPathSet:
		return shaped, nil
	case spec.ResultPathNull:
		return input, nil
	default:
		return pathWrite(spec.ResultPath, input, shaped)
	}
}
