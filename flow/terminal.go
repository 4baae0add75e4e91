package flow

import "context"

// succeedState ends the (sub-)execution successfully with the current
// document, shaped by InputPath and OutputPath.
type succeedState struct {
	spec *StateSpec
}

func (s *succeedState) Name() string { return s.spec.Name }

func (s *succeedState) Step(ctx context.Context, input any, ec *ExecutionContext) stepResult {
	entered := ec.Env.Now()
	doc, err := applyInputPath(s.spec, input, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}
	out, err := applyOutputPath(s.spec, doc, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}
	return endStep(out)
}

// failState terminates the (sub-)execution with an error. The code and
// cause come from the literal Error/Cause fields or are sourced from the
// document via ErrorPath/CausePath.
type failState struct {
	spec *StateSpec
}

func (s *failState) Name() string { return s.spec.Name }

func (s *failState) Step(ctx context.Context, input any, ec *ExecutionContext) stepResult {
	entered := ec.Env.Now()
	ctxObj := ec.contextObject(s.spec.Name, entered)

	code := s.spec.ErrorName
	if s.spec.ErrorPath != "" {
		v, ok, err := pathRead(s.spec.ErrorPath, input, ctxObj)
		if err != nil || !ok {
			return failStep(NewError(ErrorCodeParameterPathFailure, "ErrorPath "+s.spec.ErrorPath+" resolved to nothing"), input)
		}
		str, isStr := v.(string)
		if !isStr {
			return failStep(NewError(ErrorCodeParameterPathFailure, "ErrorPath "+s.spec.ErrorPath+" is not a string"), input)
		}
		code = str
	}
	cause := s.spec.Cause
	if s.spec.CausePath != "" {
		v, ok, err := pathRead(s.spec.CausePath, input, ctxObj)
		if err != nil || !ok {
			return failStep(NewError(ErrorCodeParameterPathFailure, "CausePath "+s.spec.CausePath+" resolved to nothing"), input)
		}
		str, isStr := v.(string)
		if !isStr {
			return failStep(NewError(ErrorCodeParameterPathFailure, "CausePath "+s.spec.CausePath+" is not a string"), input)
		}
		cause = str
	}
	if code == "" {
		code = ErrorCodeTaskFailed
	}
	return failStep(NewError(code, cause), input)
}
