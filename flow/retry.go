package flow

import (
	"context"
	"math"
	"time"

	"github.com/dshills/stateflow-go/flow/jsonval"
)

// Jitter strategies for retry backoff.
const (
	JitterNone         = "NONE"
	JitterFull         = "FULL"
	JitterDecorrelated = "DECORRELATED"
)

// attemptState tracks per-rule retry bookkeeping for one state entry.
// Counters reset whenever a state is entered afresh, so each entry
// gets the full retry budget.
type attemptState struct {
	attempts  []int
	prevDelay []time.Duration
}

func newAttemptState(n int) *attemptState {
	return &attemptState{
		attempts:  make([]int, n),
		prevDelay: make([]time.Duration, n),
	}
}

// runWithRetry drives body under spec.Retry and routes
// terminal failures through Catch. body is re-invoked after each
// backoff sleep; suspension and success pass through untouched.
func runWithRetry(ctx context.Context, spec *StateSpec, ec *ExecutionContext, input any, body func(context.Context) stepResult) stepResult {
	st := newAttemptState(len(spec.Retry))
	for {
		res := body(ctx)
		if res.kind != stepFail {
			return res
		}
		stepErr := res.err
		if stepErr == nil {
			stepErr = NewError(ErrorCodeTaskFailed, "state failed without an error")
		}

		idx, delay := nextRetry(spec, st, stepErr.Code, ec.Env)
		if idx >= 0 {
			st.attempts[idx]++
			ec.appendTrace(TraceRetry, spec.Name, map[string]any{
				"error":    stepErr.Code,
				"attempt":  st.attempts[idx],
				"delay_ms": delay.Milliseconds(),
			})
			if err := ec.Env.Sleep(ctx, delay); err != nil {
				return failStep(Classify(err), input)
			}
			continue
		}

		if caught := matchCatch(spec.Catch, stepErr.Code); caught != nil {
			info := jsonval.FromPairs("Error", stepErr.Code, "Cause", stepErr.Cause)
			out, err := pathWrite(caught.ResultPath, input, info)
			if err != nil {
				return failStep(Classify(err), input)
			}
			return nextStep(out, caught.Next)
		}
		return res
	}
}

// nextRetry returns the index of the first retry rule that matches the
// error code and still has attempts left, plus the backoff delay to
// sleep. Returns -1 when no rule applies.
func nextRetry(spec *StateSpec, st *attemptState, code string, env *Environment) (int, time.Duration) {
	for i, rule := range spec.Retry {
		if !errorMatches(rule.ErrorEquals, code) {
			continue
		}
		if st.attempts[i] >= rule.MaxAttempts {
			continue
		}
		return i, computeBackoff(rule, st, i, env)
	}
	return -1, 0
}

// computeBackoff yields the delay before the rule's next attempt:
// base * rate^attempt, capped at MaxDelaySeconds, then jittered.
func computeBackoff(rule *RetryRule, st *attemptState, idx int, env *Environment) time.Duration {
	base := rule.IntervalSeconds
	raw := base * math.Pow(rule.BackoffRate, float64(st.attempts[idx]))
	if rule.MaxDelaySeconds > 0 {
		raw = math.Min(raw, rule.MaxDelaySeconds)
	}

	var secs float64
	switch rule.JitterStrategy {
	case JitterFull:
		secs = env.Float64() * raw
	case JitterDecorrelated:
		prev := st.prevDelay[idx].Seconds()
		if prev <= 0 {
			prev = base
		}
		hi := prev * 3
		if hi < base {
			hi = base
		}
		secs = base + env.Float64()*(hi-base)
		if rule.MaxDelaySeconds > 0 {
			secs = math.Min(secs, rule.MaxDelaySeconds)
		}
	default:
		secs = raw
	}

	d := time.Duration(secs * float64(time.Second))
	st.prevDelay[idx] = d
	return d
}

// errorMatches reports whether the error code is covered by an
// ErrorEquals list. States.ALL covers every code.
func errorMatches(list []string, code string) bool {
	for _, e := range list {
		if e == ErrorCodeAll || e == code {
			return true
		}
	}
	return false
}

func matchCatch(rules []*CatchRule, code string) *CatchRule {
	for _, rule := range rules {
		if errorMatches(rule.ErrorEquals, code) {
			return rule
		}
	}
	return nil
}
