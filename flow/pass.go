package flow

import (
	"context"

	"github.com/dshills/stateflow-go/flow/jsonval"
)

// passState is a pure data-plumbing state: it behaves like a Task whose
// agent returns Result verbatim, or echoes the effective input when
// Result is absent. It consumes no tokens and cannot fail except on
// path errors.
type passState struct {
	spec *StateSpec
}

func (s *passState) Name() string { return s.spec.Name }

func (s *passState) Step(ctx context.Context, input any, ec *ExecutionContext) stepResult {
	entered := ec.Env.Now()
	doc, err := applyInputPath(s.spec, input, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}

	effective := doc
	if s.spec.Parameters != nil {
		resolved, err := resolveParameters(s.spec.Parameters, doc, ec.contextObject(s.spec.Name, entered), ec.Env)
		if err != nil {
			return failStep(Classify(err), input)
		}
		effective = resolved
	}

	result := effective
	if s.spec.ResultSet {
		result = jsonval.DeepCopy(s.spec.Result)
	}

	shaped, err := shapeResult(s.spec, doc, result, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}
	out, err := applyOutputPath(s.spec, shaped, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}
	return transition(s.spec, out)
}
