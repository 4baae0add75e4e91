package flow

import (
	"time"

	"github.com/dshills/stateflow-go/flow/jsonval"
)

// Status is the lifecycle state of an execution.
type Status string

// Execution statuses.
const (
	StatusRunning   Status = "Running"
	StatusSuspended Status = "Suspended"
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
)

// Totals accumulates token and cost accounting across an execution.
// Both values are monotonically non-decreasing.
type Totals struct {
	Tokens int64   `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// MapItemInfo is the $$.Map.Item coordinate visible inside a Map
// iteration's sub-execution.
type MapItemInfo struct {
	Value any
	Index int
}

// ExecutionContext owns the execution-wide mutable data: the running
// document, current state name, trace, totals, and status.
//
// It is written only by the driving runner after each state settles;
// Map iterations and Parallel branches get their own child contexts and
// are merged back by the driver, so no locking is required.
type ExecutionContext struct {
	ExecutionID string
	StartTime   time.Time

	// Input is the user-supplied input, kept for the context object.
	Input any

	// Output is the running document threaded through states.
	Output any

	CurrentState string
	Trace        []TraceEntry
	Totals       Totals
	Status       Status

	// Env supplies time, randomness, uuids, and sleeping.
	Env *Environment

	// mapItem is set only inside a Map iteration's sub-execution.
	mapItem *MapItemInfo
}

func newExecutionContext(env *Environment, executionID string, input any) *ExecutionContext {
	doc := jsonval.DeepCopy(input)
	return &ExecutionContext{
		ExecutionID: executionID,
		StartTime:   env.Now(),
		Input:       jsonval.DeepCopy(input),
		Output:      doc,
		Status:      StatusRunning,
		Env:         env,
	}
}

// child creates the sub-execution context for a Map iteration or a
// Parallel branch. The child shares the environment but owns its
// document, trace, and totals; the parent merges them after the join.
func (ec *ExecutionContext) child(suffix string, input any, item *MapItemInfo) *ExecutionContext {
	sub := newExecutionContext(ec.Env, ec.ExecutionID+suffix, input)
	sub.StartTime = ec.StartTime
	sub.mapItem = item
	return sub
}

// contextObject builds the read-only $$ document for the named state.
func (ec *ExecutionContext) contextObject(stateName string, entered time.Time) *jsonval.Object {
	ctx := jsonval.FromPairs(
		"State", jsonval.FromPairs(
			"EnteredTime", entered.UTC().Format(time.RFC3339Nano),
			"Name", stateName,
		),
		"Execution", jsonval.FromPairs(
			"Id", ec.ExecutionID,
			"StartTime", ec.StartTime.UTC().Format(time.RFC3339Nano),
			"Input", jsonval.DeepCopy(ec.Input),
		),
	)
	if ec.mapItem != nil {
		ctx.Set("Map", jsonval.FromPairs(
			"Item", jsonval.FromPairs(
				"Value", jsonval.DeepCopy(ec.mapItem.Value),
				"Index", int64(ec.mapItem.Index),
			),
		))
	}
	return ctx
}

// addTotals accumulates accounting. Negative deltas are ignored so the
// totals stay monotonic.
func (ec *ExecutionContext) addTotals(tokens int64, cost float64) {
	if tokens > 0 {
		ec.Totals.Tokens += tokens
	}
	if cost > 0 {
		ec.Totals.Cost += cost
	}
}

// appendTrace appends an event to the trace.
func (ec *ExecutionContext) appendTrace(kind, stateName string, extras map[string]any) {
	ec.Trace = append(ec.Trace, TraceEntry{
		Kind:      kind,
		StateName: stateName,
		Timestamp: ec.Env.Now(),
		Extras:    extras,
	})
}

// absorb merges a settled child context back into the parent: totals are
// added and the child's trace is appended in order.
func (ec *ExecutionContext) absorb(sub *ExecutionContext) {
	ec.addTotals(sub.Totals.Tokens, sub.Totals.Cost)
	ec.Trace = append(ec.Trace, sub.Trace...)
}
