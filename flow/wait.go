package flow

import (
	"context"
	"time"

	"github.com/dshills/stateflow-go/flow/jsonval"
)

// waitState delays the execution by a duration or until an absolute
// timestamp, then passes the input through. Past timestamps and zero
// seconds complete immediately without yielding.
type waitState struct {
	spec *StateSpec
}

func (s *waitState) Name() string { return s.spec.Name }

func (s *waitState) Step(ctx context.Context, input any, ec *ExecutionContext) stepResult {
	entered := ec.Env.Now()
	doc, err := applyInputPath(s.spec, input, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}

	delay, err := s.delay(doc, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}
	if delay > 0 {
		if err := ec.Env.Sleep(ctx, delay); err != nil {
			return failStep(Classify(err), input)
		}
	}

	out, err := applyOutputPath(s.spec, doc, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}
	return transition(s.spec, out)
}

func (s *waitState) delay(doc any, ec *ExecutionContext, entered time.Time) (time.Duration, error) {
	ctxObj := ec.contextObject(s.spec.Name, entered)
	switch {
	case s.spec.Seconds != nil:
		return secondsToDuration(*s.spec.Seconds)
	case s.spec.SecondsPath != "":
		v, ok, err := pathRead(s.spec.SecondsPath, doc, ctxObj)
		if err != nil {
			return 0, NewError(ErrorCodeParameterPathFailure, err.Error())
		}
		if !ok {
			return 0, NewError(ErrorCodeParameterPathFailure, "SecondsPath "+s.spec.SecondsPath+" resolved to nothing")
		}
		n, isNum := jsonval.Number(v)
		if !isNum {
			return 0, NewError(ErrorCodeParameterPathFailure, "SecondsPath "+s.spec.SecondsPath+" is not a number")
		}
		return secondsToDuration(n)
	case s.spec.Timestamp != "":
		return untilTimestamp(s.spec.Timestamp, ec.Env.Now())
	case s.spec.TimestampPath != "":
		v, ok, err := pathRead(s.spec.TimestampPath, doc, ctxObj)
		if err != nil {
			return 0, NewError(ErrorCodeParameterPathFailure, err.Error())
		}
		if !ok {
			return 0, NewError(ErrorCodeParameterPathFailure, "TimestampPath "+s.spec.TimestampPath+" resolved to nothing")
		}
		ts, isStr := v.(string)
		if !isStr {
			return 0, NewError(ErrorCodeParameterPathFailure, "TimestampPath "+s.spec.TimestampPath+" is not a string")
		}
		return untilTimestamp(ts, ec.Env.Now())
	}
	return 0, nil
}

func secondsToDuration(secs float64) (time.Duration, error) {
	if secs < 0 {
		return 0, NewError(ErrorCodeParameterPathFailure, "wait seconds must be non-negative")
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func untilTimestamp(ts string, now time.Time) (time.Duration, error) {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return 0, NewError(ErrorCodeParameterPathFailure, "invalid timestamp "+ts+": "+err.Error())
	}
	d := t.Sub(now)
	if d < 0 {
		return 0, nil
	}
	return d, nil
}
