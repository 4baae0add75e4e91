package flow

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dshills/stateflow-go/flow/jsonval"
)

// taskState invokes a registered agent and shapes its result through the
// I/O pipeline. Retry and Catch wrap the invocation: InputPath and
// Parameters are evaluated once per state entry, so a retried attempt
// sees the same agent input.
type taskState struct {
	spec *StateSpec
	rt   *runtime
}

func (s *taskState) Name() string { return s.spec.Name }

func (s *taskState) Step(ctx context.Context, input any, ec *ExecutionContext) stepResult {
	entered := ec.Env.Now()
	doc, err := applyInputPath(s.spec, input, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}
	agentInput, err := resolveTaskInput(s.spec, doc, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}

	return runWithRetry(ctx, s.spec, ec, input, func(ctx context.Context) stepResult {
		result, err := invokeAgent(ctx, s.spec, s.spec.Agent, s.rt.registry, agentInput, ec)
		if err != nil {
			return failStep(Classify(err), input)
		}
		result = recordAccounting(result, ec, s.rt.metrics)

		shaped, err := shapeResult(s.spec, doc, result, ec, entered)
		if err != nil {
			return failStep(Classify(err), input)
		}
		out, err := applyOutputPath(s.spec, shaped, ec, entered)
		if err != nil {
			return failStep(Classify(err), input)
		}
		return transition(s.spec, out)
	})
}

// resolveTaskInput applies the Parameters template; absent a template the
// effective input passes through unchanged.
func resolveTaskInput(spec *StateSpec, doc any, ec *ExecutionContext, entered time.Time) (*jsonval.Object, error) {
	effective := doc
	if spec.Parameters != nil {
		resolved, err := resolveParameters(spec.Parameters, doc, ec.contextObject(spec.Name, entered), ec.Env)
		if err != nil {
			return nil, err
		}
		effective = resolved
	}
	obj, ok := wrapScalar(effective).(*jsonval.Object)
	if !ok {
		return nil, NewError(ErrorCodeTaskFailed, "agent input must be an object")
	}
	return obj, nil
}

// invokeAgent looks up the bound agent and calls it, enforcing
// TimeoutSeconds as a context deadline and HeartbeatSeconds with a
// watchdog. Both expiries surface as States.Timeout.
func invokeAgent(ctx context.Context, spec *StateSpec, agentName string, agents *Registry, input *jsonval.Object, ec *ExecutionContext) (*jsonval.Object, error) {
	agent, ok := agents.Lookup(agentName)
	if !ok {
		return nil, NewError(ErrorCodeTaskFailed, "no agent registered under "+agentName)
	}

	var deadline time.Time
	if spec.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutSeconds)*time.Second)
		defer cancel()
		// Advertise the deadline the context actually enforces, not one
		// derived from the injected clock, so the two cannot disagree.
		deadline, _ = ctx.Deadline()
	}

	call := CallContext{
		StateName:   spec.Name,
		ExecutionID: ec.ExecutionID,
		Deadline:    deadline,
		Heartbeat:   func() {},
	}

	if spec.HeartbeatSeconds > 0 {
		var cancel context.CancelCauseFunc
		ctx, cancel = context.WithCancelCause(ctx)
		defer cancel(nil)

		interval := time.Duration(spec.HeartbeatSeconds) * time.Second
		var beat atomic.Int64
		beat.Store(time.Now().UnixNano())
		call.Heartbeat = func() { beat.Store(time.Now().UnixNano()) }

		watchdogDone := make(chan struct{})
		defer close(watchdogDone)
		go func() {
			ticker := time.NewTicker(interval / 2)
			defer ticker.Stop()
			for {
				select {
				case <-watchdogDone:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					last := time.Unix(0, beat.Load())
					if time.Since(last) > interval {
						cancel(NewError(ErrorCodeTimeout, "no heartbeat from agent "+agentName+" within "+interval.String()))
						return
					}
				}
			}
		}()
	}

	result, err := agent.Invoke(ctx, input, spec.AgentConfig, call)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
			return nil, cause
		}
		return nil, err
	}
	if result == nil {
		result = jsonval.NewObject()
	}
	return result, nil
}

// recordAccounting adds the reserved _tokens and _cost keys to the
// execution totals and strips them, with _usage, from the visible result.
func recordAccounting(result *jsonval.Object, ec *ExecutionContext, metrics *Metrics) *jsonval.Object {
	var tokens int64
	var cost float64
	seen := false
	if v, ok := result.Get("_tokens"); ok {
		if n, isNum := jsonval.Number(v); isNum {
			tokens = int64(n)
			seen = true
		}
	}
	if v, ok := result.Get("_cost"); ok {
		if n, isNum := jsonval.Number(v); isNum {
			cost = n
			seen = true
		}
	}
	_, hadUsage := result.Get("_usage")
	if !seen && !hadUsage {
		return result
	}

	cleaned := result.Clone()
	cleaned.Delete("_tokens")
	cleaned.Delete("_cost")
	cleaned.Delete("_usage")
	if seen {
		ec.addTotals(tokens, cost)
		if metrics != nil {
			metrics.AccountingObserved(tokens, cost)
		}
	}
	return cleaned
}
