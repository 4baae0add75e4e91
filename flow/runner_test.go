package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dshills/stateflow-go/flow/jsonval"
	"github.com/dshills/stateflow-go/flow/store"
)

// testEnvironment pins the clock and records sleeps instead of blocking.
// Sleeping advances the fake clock so backoff math stays observable.
func testEnvironment() (*Environment, *sleepRecorder) {
	env := SeededEnvironment(1)
	rec := &sleepRecorder{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	env.Now = rec.Now
	env.Sleep = rec.Sleep
	return env, rec
}

type sleepRecorder struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (r *sleepRecorder) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.now = r.now.Add(d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.sleeps))
	copy(out, r.sleeps)
	return out
}

func mustLoad(t *testing.T, src string) *Definition {
	t.Helper()
	def, err := Load([]byte(src))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return def
}

func mustDecode(t *testing.T, src string) any {
	t.Helper()
	v, err := jsonval.Decode([]byte(src))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return v
}

func resultObject(t *testing.T, src string) *jsonval.Object {
	t.Helper()
	obj, ok := mustDecode(t, src).(*jsonval.Object)
	if !ok {
		t.Fatalf("result fixture %s is not an object", src)
	}
	return obj
}

func assertOutput(t *testing.T, got any, want string) {
	t.Helper()
	if !jsonval.Equal(got, mustDecode(t, want)) {
		t.Errorf("output = %s, want %s", jsonval.EncodeString(got), want)
	}
}

func countTrace(trace []TraceEntry, kind string) int {
	n := 0
	for _, e := range trace {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestChoiceRouting(t *testing.T) {
	def := mustLoad(t, `{
		"StartAt": "Grade",
		"States": {
			"Grade": {
				"Type": "Choice",
				"Choices": [
					{"Variable": "$.score", "NumericGreaterThanEquals": 90, "Next": "Excellent"},
					{"Variable": "$.score", "NumericGreaterThanEquals": 80, "Next": "Great"}
				],
				"Default": "NeedsWork"
			},
			"Excellent": {"Type": "Pass", "Result": "excellent", "ResultPath": "$.grade", "End": true},
			"Great":     {"Type": "Pass", "Result": "great", "ResultPath": "$.grade", "End": true},
			"NeedsWork": {"Type": "Pass", "Result": "needs work", "ResultPath": "$.grade", "End": true}
		}
	}`)
	runner, err := NewRunner(def, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"score above 90", `{"score":95}`, `{"score":95,"grade":"excellent"}`},
		{"score in the 80s", `{"score":85}`, `{"score":85,"grade":"great"}`},
		{"low score falls to default", `{"score":50}`, `{"score":50,"grade":"needs work"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runner.Run(context.Background(), mustDecode(t, tt.input))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if out.Status != StatusSucceeded {
				t.Fatalf("status = %s (%s: %s)", out.Status, out.ErrorCode, out.Cause)
			}
			assertOutput(t, out.Output, tt.want)
		})
	}
}

// Rule order decides the match: the first true rule wins even when later
// rules would also be true.
func TestChoiceFirstMatchWins(t *testing.T) {
	def := mustLoad(t, `{
		"StartAt": "C",
		"States": {
			"C": {
				"Type": "Choice",
				"Choices": [
					{"Variable": "$.n", "NumericGreaterThan": 0, "Next": "First"},
					{"Variable": "$.n", "NumericGreaterThan": 0, "Next": "Second"}
				],
				"Default": "Second"
			},
			"First":  {"Type": "Pass", "Result": "first", "End": true},
			"Second": {"Type": "Pass", "Result": "second", "End": true}
		}
	}`)
	runner, err := NewRunner(def, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{"n":5}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Output != "first" {
		t.Errorf("output = %v, want first", out.Output)
	}
}

func TestChoiceNoMatchFails(t *testing.T) {
	def := mustLoad(t, `{
		"StartAt": "C",
		"States": {
			"C": {
				"Type": "Choice",
				"Choices": [{"Variable": "$.n", "NumericGreaterThan": 10, "Next": "Done"}]
			},
			"Done": {"Type": "Succeed"}
		}
	}`)
	runner, err := NewRunner(def, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{"n":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusFailed || out.ErrorCode != ErrorCodeNoChoiceMatched {
		t.Errorf("status = %s, error = %s; want Failed with %s", out.Status, out.ErrorCode, ErrorCodeNoChoiceMatched)
	}
}

func TestMapOrderedResults(t *testing.T) {
	def := mustLoad(t, `{
		"StartAt": "M",
		"States": {
			"M": {
				"Type": "Map",
				"ItemsPath": "$.xs",
				"MaxConcurrency": 2,
				"Iterator": {
					"StartAt": "Shape",
					"States": {
						"Shape": {
							"Type": "Pass",
							"Parameters": {"n.$": "$$.Map.Item.Value", "i.$": "$$.Map.Item.Index"},
							"End": true
						}
					}
				},
				"End": true
			}
		}
	}`)
	runner, err := NewRunner(def, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{"xs":[10,20,30]}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s: %s)", out.Status, out.ErrorCode, out.Cause)
	}
	assertOutput(t, out.Output, `[{"n":10,"i":0},{"n":20,"i":1},{"n":30,"i":2}]`)
}

func TestMapToleratedFailures(t *testing.T) {
	src := `{
		"StartAt": "M",
		"States": {
			"M": {
				"Type": "Map",
				"ItemsPath": "$.xs",
				"ToleratedFailureCount": 1,
				"Iterator": {
					"StartAt": "Work",
					"States": {"Work": {"Type": "Task", "Agent": "worker", "End": true}}
				},
				"End": true
			}
		}
	}`

	t.Run("failures within tolerance", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register("worker", AgentFunc(func(ctx context.Context, input, config *jsonval.Object, call CallContext) (*jsonval.Object, error) {
			n, _ := input.Get("value")
			if v, _ := jsonval.Number(n); v == 20 {
				return nil, NewError("Agent.Boom", "item rejected")
			}
			return jsonval.FromPairs("ok", n), nil
		}))
		runner, err := NewRunner(mustLoad(t, src), registry)
		if err != nil {
			t.Fatal(err)
		}
		out, err := runner.Run(context.Background(), mustDecode(t, `{"xs":[{"value":10},{"value":20},{"value":30}]}`))
		if err != nil {
			t.Fatal(err)
		}
		if out.Status != StatusSucceeded {
			t.Fatalf("status = %s (%s: %s)", out.Status, out.ErrorCode, out.Cause)
		}
		arr, ok := out.Output.([]any)
		if !ok || len(arr) != 3 {
			t.Fatalf("output = %s, want 3-element array", jsonval.EncodeString(out.Output))
		}
		// The failed index holds the error info in place.
		failed, ok := arr[1].(*jsonval.Object)
		if !ok {
			t.Fatalf("arr[1] = %T, want object", arr[1])
		}
		if code, _ := failed.Get("Error"); code != "Agent.Boom" {
			t.Errorf("arr[1].Error = %v, want Agent.Boom", code)
		}
	})

	t.Run("failures beyond tolerance", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register("worker", AgentFunc(func(ctx context.Context, input, config *jsonval.Object, call CallContext) (*jsonval.Object, error) {
			return nil, NewError("Agent.Boom", "item rejected")
		}))
		runner, err := NewRunner(mustLoad(t, src), registry)
		if err != nil {
			t.Fatal(err)
		}
		out, err := runner.Run(context.Background(), mustDecode(t, `{"xs":[{"value":10},{"value":20},{"value":30}]}`))
		if err != nil {
			t.Fatal(err)
		}
		if out.Status != StatusFailed || out.ErrorCode != ErrorCodeMapFailed {
			t.Errorf("status = %s, error = %s; want Failed with %s", out.Status, out.ErrorCode, ErrorCodeMapFailed)
		}
	})
}

func TestRetryWithBackoff(t *testing.T) {
	var mu sync.Mutex
	invocations := 0
	registry := NewRegistry()
	registry.Register("Flaky", AgentFunc(func(ctx context.Context, input, config *jsonval.Object, call CallContext) (*jsonval.Object, error) {
		mu.Lock()
		defer mu.Unlock()
		invocations++
		if invocations <= 2 {
			return nil, NewError(ErrorCodeTimeout, "simulated timeout")
		}
		return jsonval.FromPairs("answer", int64(42)), nil
	}))

	def := mustLoad(t, `{
		"StartAt": "T",
		"States": {
			"T": {
				"Type": "Task",
				"Agent": "Flaky",
				"Retry": [{"ErrorEquals": ["States.Timeout"], "MaxAttempts": 3, "IntervalSeconds": 1, "BackoffRate": 2.0}],
				"End": true
			}
		}
	}`)
	env, rec := testEnvironment()
	runner, err := NewRunner(def, registry, WithEnvironment(env))
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s: %s)", out.Status, out.ErrorCode, out.Cause)
	}
	assertOutput(t, out.Output, `{"answer":42}`)
	if invocations != 3 {
		t.Errorf("agent invoked %d times, want 3", invocations)
	}
	sleeps := rec.recorded()
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Errorf("backoff sleeps = %v, want [1s 2s]", sleeps)
	}
	if got := countTrace(out.Trace, TraceRetry); got != 2 {
		t.Errorf("trace has %d retry entries, want 2", got)
	}
}

// MaxAttempts bounds retries, not invocations: N retries means N+1 calls.
func TestRetryExhaustion(t *testing.T) {
	var mu sync.Mutex
	invocations := 0
	registry := NewRegistry()
	registry.Register("Broken", AgentFunc(func(ctx context.Context, input, config *jsonval.Object, call CallContext) (*jsonval.Object, error) {
		mu.Lock()
		defer mu.Unlock()
		invocations++
		return nil, NewError(ErrorCodeTimeout, "always down")
	}))
	def := mustLoad(t, `{
		"StartAt": "T",
		"States": {
			"T": {
				"Type": "Task",
				"Agent": "Broken",
				"Retry": [{"ErrorEquals": ["States.ALL"], "MaxAttempts": 2, "IntervalSeconds": 1}],
				"End": true
			}
		}
	}`)
	env, _ := testEnvironment()
	runner, err := NewRunner(def, registry, WithEnvironment(env))
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusFailed || out.ErrorCode != ErrorCodeTimeout {
		t.Errorf("status = %s, error = %s; want Failed with %s", out.Status, out.ErrorCode, ErrorCodeTimeout)
	}
	if invocations != 3 {
		t.Errorf("agent invoked %d times, want 3 (1 initial + 2 retries)", invocations)
	}
}

func TestCatchRoutesToHandler(t *testing.T) {
	registry := NewRegistry()
	registry.Register("Raiser", AgentFunc(func(ctx context.Context, input, config *jsonval.Object, call CallContext) (*jsonval.Object, error) {
		return nil, NewError("CustomError", "bad day")
	}))
	def := mustLoad(t, `{
		"StartAt": "T",
		"States": {
			"T": {
				"Type": "Task",
				"Agent": "Raiser",
				"Catch": [{"ErrorEquals": ["CustomError"], "Next": "H", "ResultPath": "$.err"}],
				"End": true
			},
			"H": {"Type": "Pass", "End": true}
		}
	}`)
	runner, err := NewRunner(def, registry)
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{"job":7}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s: %s)", out.Status, out.ErrorCode, out.Cause)
	}
	assertOutput(t, out.Output, `{"job":7,"err":{"Error":"CustomError","Cause":"bad day"}}`)
	if got := countTrace(out.Trace, TraceError); got != 1 {
		t.Errorf("trace has %d error entries, want 1", got)
	}
}

func TestParallelBranchFailureCancelsSiblings(t *testing.T) {
	registry := NewRegistry()
	registry.Register("slow", AgentFunc(func(ctx context.Context, input, config *jsonval.Object, call CallContext) (*jsonval.Object, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return jsonval.FromPairs("a", int64(1)), nil
		}
	}))
	registry.Register("failing", AgentFunc(func(ctx context.Context, input, config *jsonval.Object, call CallContext) (*jsonval.Object, error) {
		return nil, NewError(ErrorCodeTaskFailed, "branch B exploded")
	}))

	def := mustLoad(t, `{
		"StartAt": "P",
		"States": {
			"P": {
				"Type": "Parallel",
				"Branches": [
					{"StartAt": "A", "States": {"A": {"Type": "Task", "Agent": "slow", "End": true}}},
					{"StartAt": "B", "States": {"B": {"Type": "Task", "Agent": "failing", "End": true}}}
				],
				"End": true
			}
		}
	}`)
	runner, err := NewRunner(def, registry)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	out, err := runner.Run(context.Background(), mustDecode(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusFailed || out.ErrorCode != ErrorCodeParallelFailed {
		t.Fatalf("status = %s, error = %s; want Failed with %s", out.Status, out.ErrorCode, ErrorCodeParallelFailed)
	}
	// The slow branch must be cancelled, not waited for.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("run took %v, sibling cancellation did not propagate", elapsed)
	}
	if got := countTrace(out.Trace, TraceError); got < 1 {
		t.Error("trace records no error for the failing branch")
	}
}

func TestParallelOrderedResults(t *testing.T) {
	def := mustLoad(t, `{
		"StartAt": "P",
		"States": {
			"P": {
				"Type": "Parallel",
				"Branches": [
					{"StartAt": "A", "States": {"A": {"Type": "Pass", "Result": {"branch": "a"}, "End": true}}},
					{"StartAt": "B", "States": {"B": {"Type": "Pass", "Result": {"branch": "b"}, "End": true}}},
					{"StartAt": "C", "States": {"C": {"Type": "Pass", "Result": {"branch": "c"}, "End": true}}}
				],
				"End": true
			}
		}
	}`)
	runner, err := NewRunner(def, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s: %s)", out.Status, out.ErrorCode, out.Cause)
	}
	assertOutput(t, out.Output, `[{"branch":"a"},{"branch":"b"},{"branch":"c"}]`)
}

func TestWaitSleepsThroughEnvironment(t *testing.T) {
	def := mustLoad(t, `{
		"StartAt": "W",
		"States": {
			"W": {"Type": "Wait", "Seconds": 90, "Next": "Done"},
			"Done": {"Type": "Succeed"}
		}
	}`)
	env, rec := testEnvironment()
	runner, err := NewRunner(def, nil, WithEnvironment(env))
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{"k":"v"}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSucceeded {
		t.Fatalf("status = %s", out.Status)
	}
	assertOutput(t, out.Output, `{"k":"v"}`)
	sleeps := rec.recorded()
	if len(sleeps) != 1 || sleeps[0] != 90*time.Second {
		t.Errorf("sleeps = %v, want [1m30s]", sleeps)
	}
}

func TestWaitSecondsPath(t *testing.T) {
	def := mustLoad(t, `{
		"StartAt": "W",
		"States": {
			"W": {"Type": "Wait", "SecondsPath": "$.delay", "Next": "Done"},
			"Done": {"Type": "Succeed"}
		}
	}`)
	env, rec := testEnvironment()
	runner, err := NewRunner(def, nil, WithEnvironment(env))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := runner.Run(context.Background(), mustDecode(t, `{"delay":2.5}`)); err != nil {
		t.Fatal(err)
	}
	sleeps := rec.recorded()
	if len(sleeps) != 1 || sleeps[0] != 2500*time.Millisecond {
		t.Errorf("sleeps = %v, want [2.5s]", sleeps)
	}
}

func TestFailState(t *testing.T) {
	def := mustLoad(t, `{
		"StartAt": "F",
		"States": {
			"F": {"Type": "Fail", "Error": "Billing.Declined", "Cause": "card expired"}
		}
	}`)
	runner, err := NewRunner(def, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusFailed || out.ErrorCode != "Billing.Declined" || out.Cause != "card expired" {
		t.Errorf("got %s %s %q", out.Status, out.ErrorCode, out.Cause)
	}
}

func TestTaskPipeline(t *testing.T) {
	registry := NewRegistry()
	registry.Register("summarize", AgentFunc(func(ctx context.Context, input, config *jsonval.Object, call CallContext) (*jsonval.Object, error) {
		text, _ := input.Get("text")
		return jsonval.FromPairs("summary", "short: "+text.(string), "model", "m1"), nil
	}))
	def := mustLoad(t, `{
		"StartAt": "T",
		"States": {
			"T": {
				"Type": "Task",
				"Agent": "summarize",
				"InputPath": "$.doc",
				"Parameters": {"text.$": "$.body"},
				"ResultSelector": {"summary.$": "$.summary"},
				"ResultPath": "$.result",
				"OutputPath": "$.result",
				"End": true
			}
		}
	}`)
	runner, err := NewRunner(def, registry)
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{"doc":{"body":"hello world"},"other":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s: %s)", out.Status, out.ErrorCode, out.Cause)
	}
	assertOutput(t, out.Output, `{"summary":"short: hello world"}`)
}

func TestTaskAccountingTotals(t *testing.T) {
	registry := NewRegistry()
	registry.Register("priced", AgentFunc(func(ctx context.Context, input, config *jsonval.Object, call CallContext) (*jsonval.Object, error) {
		return jsonval.FromPairs("out", "x", "_tokens", int64(120), "_cost", 0.004), nil
	}))
	def := mustLoad(t, `{
		"StartAt": "A",
		"States": {
			"A": {"Type": "Task", "Agent": "priced", "ResultPath": "$.first", "Next": "B"},
			"B": {"Type": "Task", "Agent": "priced", "ResultPath": "$.second", "End": true}
		}
	}`)
	runner, err := NewRunner(def, registry)
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s: %s)", out.Status, out.ErrorCode, out.Cause)
	}
	if out.Totals.Tokens != 240 {
		t.Errorf("tokens = %d, want 240", out.Totals.Tokens)
	}
	if out.Totals.Cost < 0.0079 || out.Totals.Cost > 0.0081 {
		t.Errorf("cost = %f, want 0.008", out.Totals.Cost)
	}
	// Accounting keys are stripped before the result lands in the document.
	assertOutput(t, out.Output, `{"first":{"out":"x"},"second":{"out":"x"}}`)
}

func TestApprovalWithEdit(t *testing.T) {
	approver := &recordingApprover{}
	def := mustLoad(t, `{
		"StartAt": "Review",
		"States": {
			"Review": {
				"Type": "Approval",
				"Prompt": "Approve the draft?",
				"Options": ["approve", "reject"],
				"Editable": {"Fields": ["$.draft.title"]},
				"ResultPath": "$.decision",
				"Next": "Done"
			},
			"Done": {"Type": "Succeed"}
		}
	}`)
	env, _ := testEnvironment()
	runner, err := NewRunner(def, nil, WithApprover(approver), WithEnvironment(env))
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{"draft":{"title":"Old","body":"..."}}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSuspended || out.SuspendReason != SuspendApproval {
		t.Fatalf("status = %s reason = %s, want Suspended/Approval", out.Status, out.SuspendReason)
	}
	if out.PendingApproval == nil || out.PendingApproval.Token != out.ResumeToken {
		t.Fatal("pending approval request missing or token mismatch")
	}
	if len(approver.emitted) != 1 {
		t.Fatalf("approver saw %d requests, want 1", len(approver.emitted))
	}

	final, err := runner.Resume(context.Background(), out.ResumeToken, &ApprovalDecision{
		Option:       "approve",
		Approver:     "u@x",
		EditedFields: map[string]any{"$.draft.title": "New"},
		Timestamp:    env.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s: %s)", final.Status, final.ErrorCode, final.Cause)
	}
	doc := final.Output.(*jsonval.Object)
	draft, _ := doc.Get("draft")
	title, _ := draft.(*jsonval.Object).Get("title")
	if title != "New" {
		t.Errorf("draft.title = %v, want New", title)
	}
	decision, ok := doc.Get("decision")
	if !ok {
		t.Fatal("decision not written at ResultPath")
	}
	if opt, _ := decision.(*jsonval.Object).Get("option"); opt != "approve" {
		t.Errorf("decision.option = %v, want approve", opt)
	}
	if who, _ := decision.(*jsonval.Object).Get("approver"); who != "u@x" {
		t.Errorf("decision.approver = %v, want u@x", who)
	}
}

func TestApprovalRejectsUneditableField(t *testing.T) {
	def := mustLoad(t, `{
		"StartAt": "Review",
		"States": {
			"Review": {
				"Type": "Approval",
				"Prompt": "ok?",
				"Options": ["approve", "reject"],
				"Editable": {"Fields": ["$.a"]},
				"Next": "Done"
			},
			"Done": {"Type": "Succeed"}
		}
	}`)
	runner, err := NewRunner(def, nil, WithApprover(&recordingApprover{}))
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{"a":1,"b":2}`))
	if err != nil {
		t.Fatal(err)
	}
	final, err := runner.Resume(context.Background(), out.ResumeToken, &ApprovalDecision{
		Option:       "approve",
		Approver:     "u@x",
		EditedFields: map[string]any{"$.b": 99},
	})
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != StatusFailed {
		t.Errorf("status = %s, want Failed for a non-editable field", final.Status)
	}
}

func TestApprovalTimeoutPolicies(t *testing.T) {
	build := func(t *testing.T, onTimeout, extra string) (*Runner, *recordingApprover) {
		t.Helper()
		approver := &recordingApprover{}
		def := mustLoad(t, `{
			"StartAt": "Review",
			"States": {
				"Review": {
					"Type": "Approval",
					"Prompt": "ok?",
					"Options": ["approve", "reject"],
					"OnTimeout": "`+onTimeout+`",
					"ResultPath": "$.decision"`+extra+`,
					"Next": "Done"
				},
				"Done": {"Type": "Succeed"}
			}
		}`)
		env, _ := testEnvironment()
		runner, err := NewRunner(def, nil, WithApprover(approver), WithEnvironment(env))
		if err != nil {
			t.Fatal(err)
		}
		return runner, approver
	}
	timedOut := &ApprovalDecision{TimedOut: true}

	t.Run("auto approve", func(t *testing.T) {
		runner, _ := build(t, TimeoutAutoApprove, "")
		out, err := runner.Run(context.Background(), mustDecode(t, `{}`))
		if err != nil {
			t.Fatal(err)
		}
		final, err := runner.Resume(context.Background(), out.ResumeToken, timedOut)
		if err != nil {
			t.Fatal(err)
		}
		if final.Status != StatusSucceeded {
			t.Fatalf("status = %s (%s)", final.Status, final.ErrorCode)
		}
		decision, _ := final.Output.(*jsonval.Object).Get("decision")
		if who, _ := decision.(*jsonval.Object).Get("approver"); who != "system:timeout" {
			t.Errorf("approver = %v, want system:timeout", who)
		}
		if opt, _ := decision.(*jsonval.Object).Get("option"); opt != "approve" {
			t.Errorf("option = %v, want approve", opt)
		}
	})

	t.Run("fail", func(t *testing.T) {
		runner, _ := build(t, TimeoutFail, "")
		out, err := runner.Run(context.Background(), mustDecode(t, `{}`))
		if err != nil {
			t.Fatal(err)
		}
		final, err := runner.Resume(context.Background(), out.ResumeToken, timedOut)
		if err != nil {
			t.Fatal(err)
		}
		if final.Status != StatusFailed || final.ErrorCode != ErrorCodeApprovalTimeout {
			t.Errorf("status = %s error = %s, want Failed with %s", final.Status, final.ErrorCode, ErrorCodeApprovalTimeout)
		}
	})

	t.Run("escalate then fail", func(t *testing.T) {
		runner, approver := build(t, TimeoutEscalate,
			`,
					"Escalation": {"Recipients": ["lead@x"], "Repeat": 1}`)
		out, err := runner.Run(context.Background(), mustDecode(t, `{}`))
		if err != nil {
			t.Fatal(err)
		}
		// First timeout escalates: same token, re-emitted request.
		second, err := runner.Resume(context.Background(), out.ResumeToken, timedOut)
		if err != nil {
			t.Fatal(err)
		}
		if second.Status != StatusSuspended {
			t.Fatalf("status after escalation = %s, want Suspended", second.Status)
		}
		if second.ResumeToken != out.ResumeToken {
			t.Errorf("escalation changed the token: %s -> %s", out.ResumeToken, second.ResumeToken)
		}
		if len(approver.emitted) != 2 {
			t.Errorf("approver saw %d requests, want 2", len(approver.emitted))
		}
		// Second timeout exhausts the escalation budget.
		final, err := runner.Resume(context.Background(), second.ResumeToken, timedOut)
		if err != nil {
			t.Fatal(err)
		}
		if final.Status != StatusFailed || final.ErrorCode != ErrorCodeApprovalTimeout {
			t.Errorf("status = %s error = %s, want Failed with %s", final.Status, final.ErrorCode, ErrorCodeApprovalTimeout)
		}
	})

	t.Run("retry rule re-emits before failing", func(t *testing.T) {
		runner, approver := build(t, TimeoutFail, `,
					"Retry": [{"ErrorEquals": ["States.ApprovalTimeout"], "MaxAttempts": 1, "IntervalSeconds": 5}]`)
		out, err := runner.Run(context.Background(), mustDecode(t, `{}`))
		if err != nil {
			t.Fatal(err)
		}
		// First timeout is retried: backoff, then the same token is
		// re-emitted and the execution stays suspended.
		second, err := runner.Resume(context.Background(), out.ResumeToken, timedOut)
		if err != nil {
			t.Fatal(err)
		}
		if second.Status != StatusSuspended {
			t.Fatalf("status after retried timeout = %s, want Suspended", second.Status)
		}
		if second.ResumeToken != out.ResumeToken {
			t.Errorf("retry changed the token: %s -> %s", out.ResumeToken, second.ResumeToken)
		}
		if len(approver.emitted) != 2 {
			t.Errorf("approver saw %d requests, want 2", len(approver.emitted))
		}
		if n := countTrace(second.Trace, TraceRetry); n != 1 {
			t.Errorf("trace has %d retry entries, want 1", n)
		}
		// Second timeout exhausts the rule and applies the Fail policy.
		final, err := runner.Resume(context.Background(), second.ResumeToken, timedOut)
		if err != nil {
			t.Fatal(err)
		}
		if final.Status != StatusFailed || final.ErrorCode != ErrorCodeApprovalTimeout {
			t.Errorf("status = %s error = %s, want Failed with %s", final.Status, final.ErrorCode, ErrorCodeApprovalTimeout)
		}
	})
}

func TestResumeUnknownToken(t *testing.T) {
	def := mustLoad(t, `{
		"StartAt": "Done",
		"States": {"Done": {"Type": "Succeed"}}
	}`)
	runner, err := NewRunner(def, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := runner.Resume(context.Background(), "nope", nil); !errors.Is(err, ErrNoPendingExecution) {
		t.Errorf("Resume(unknown) = %v, want ErrNoPendingExecution", err)
	}
}

func TestCheckpointSuspendAndResume(t *testing.T) {
	st := store.NewMemoryStore()
	registry := NewRegistry()
	var mu sync.Mutex
	invocations := 0
	registry.Register("finish", AgentFunc(func(ctx context.Context, input, config *jsonval.Object, call CallContext) (*jsonval.Object, error) {
		mu.Lock()
		invocations++
		mu.Unlock()
		return jsonval.FromPairs("done", true), nil
	}))
	def := mustLoad(t, `{
		"StartAt": "Prep",
		"States": {
			"Prep": {"Type": "Pass", "Result": "ready", "ResultPath": "$.phase", "Next": "Save"},
			"Save": {"Type": "Checkpoint", "CheckpointId": "cp-test", "Suspend": true, "Next": "Finish"},
			"Finish": {"Type": "Task", "Agent": "finish", "ResultPath": "$.result", "End": true}
		}
	}`)
	env, _ := testEnvironment()
	runner, err := NewRunner(def, registry, WithStore(st), WithEnvironment(env))
	if err != nil {
		t.Fatal(err)
	}

	out, err := runner.Run(context.Background(), mustDecode(t, `{"job":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSuspended || out.SuspendReason != SuspendCheckpoint {
		t.Fatalf("status = %s reason = %s, want Suspended/Checkpoint", out.Status, out.SuspendReason)
	}
	if out.CheckpointID != "cp-test" {
		t.Fatalf("checkpoint id = %s, want cp-test", out.CheckpointID)
	}
	if invocations != 0 {
		t.Fatal("downstream task ran before resume")
	}

	t.Run("in-process resume", func(t *testing.T) {
		final, err := runner.Resume(context.Background(), out.ResumeToken, nil)
		if err != nil {
			t.Fatal(err)
		}
		if final.Status != StatusSucceeded {
			t.Fatalf("status = %s (%s: %s)", final.Status, final.ErrorCode, final.Cause)
		}
		assertOutput(t, final.Output, `{"job":1,"phase":"ready","result":{"done":true}}`)
		if invocations != 1 {
			t.Errorf("task invoked %d times, want 1", invocations)
		}
	})

	t.Run("resume from the store", func(t *testing.T) {
		// Simulates a fresh process: no pending table entry, only the
		// durable snapshot. The checkpoint state is not re-executed.
		final, err := runner.ResumeFromCheckpoint(context.Background(), "cp-test")
		if err != nil {
			t.Fatal(err)
		}
		if final.Status != StatusSucceeded {
			t.Fatalf("status = %s (%s: %s)", final.Status, final.ErrorCode, final.Cause)
		}
		assertOutput(t, final.Output, `{"job":1,"phase":"ready","result":{"done":true}}`)
	})
}

func TestCheckpointTerminalSuspend(t *testing.T) {
	st := store.NewMemoryStore()
	def := mustLoad(t, `{
		"StartAt": "Save",
		"States": {
			"Save": {"Type": "Checkpoint", "CheckpointId": "cp-final", "Suspend": true, "End": true}
		}
	}`)
	env, _ := testEnvironment()
	runner, err := NewRunner(def, nil, WithStore(st), WithEnvironment(env))
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{"job":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSuspended || out.CheckpointID != "cp-final" {
		t.Fatalf("status = %s checkpoint = %s, want Suspended/cp-final", out.Status, out.CheckpointID)
	}

	// The suspending checkpoint is the last state; resuming has nothing
	// left to run and settles as succeeded.
	t.Run("in-process resume", func(t *testing.T) {
		final, err := runner.Resume(context.Background(), out.ResumeToken, nil)
		if err != nil {
			t.Fatal(err)
		}
		if final.Status != StatusSucceeded {
			t.Fatalf("status = %s (%s: %s)", final.Status, final.ErrorCode, final.Cause)
		}
		assertOutput(t, final.Output, `{"job":1}`)
	})

	t.Run("resume from the store", func(t *testing.T) {
		final, err := runner.ResumeFromCheckpoint(context.Background(), "cp-final")
		if err != nil {
			t.Fatal(err)
		}
		if final.Status != StatusSucceeded {
			t.Fatalf("status = %s (%s: %s)", final.Status, final.ErrorCode, final.Cause)
		}
		assertOutput(t, final.Output, `{"job":1}`)
	})
}

func TestMetricsInflightBalancedAcrossProcesses(t *testing.T) {
	st := store.NewMemoryStore()
	def := mustLoad(t, `{
		"StartAt": "Save",
		"States": {
			"Save": {"Type": "Checkpoint", "CheckpointId": "cp-hand-off", "Suspend": true, "End": true}
		}
	}`)
	writer, err := NewRunner(def, nil, WithStore(st))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := writer.Run(context.Background(), mustDecode(t, `{}`)); err != nil {
		t.Fatal(err)
	}

	// A fresh runner standing in for a new process: its inflight gauge
	// must return to zero after a store resume it never counted as
	// started.
	metrics := NewMetrics(prometheus.NewRegistry())
	resumer, err := NewRunner(def, nil, WithStore(st), WithMetrics(metrics))
	if err != nil {
		t.Fatal(err)
	}
	final, err := resumer.ResumeFromCheckpoint(context.Background(), "cp-hand-off")
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s: %s)", final.Status, final.ErrorCode, final.Cause)
	}
	if v := testutil.ToFloat64(metrics.inflight); v != 0 {
		t.Errorf("executions_inflight = %v after store resume, want 0", v)
	}
}

func TestTaskDeadlineMatchesEnforcingContext(t *testing.T) {
	registry := NewRegistry()
	var mu sync.Mutex
	var callDeadline, ctxDeadline time.Time
	registry.Register("clocked", AgentFunc(func(ctx context.Context, input, config *jsonval.Object, call CallContext) (*jsonval.Object, error) {
		mu.Lock()
		defer mu.Unlock()
		ctxDeadline, _ = ctx.Deadline()
		callDeadline = call.Deadline
		return jsonval.NewObject(), nil
	}))
	def := mustLoad(t, `{
		"StartAt": "T",
		"States": {"T": {"Type": "Task", "Agent": "clocked", "TimeoutSeconds": 60, "End": true}}
	}`)
	// A pinned environment clock must not leak into the advertised
	// deadline; the context deadline is the one that cancels the call.
	env, _ := testEnvironment()
	runner, err := NewRunner(def, registry, WithEnvironment(env))
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s)", out.Status, out.ErrorCode)
	}
	mu.Lock()
	defer mu.Unlock()
	if callDeadline.IsZero() {
		t.Fatal("no deadline advertised to the agent")
	}
	if !callDeadline.Equal(ctxDeadline) {
		t.Errorf("call deadline %v != context deadline %v", callDeadline, ctxDeadline)
	}
}

func TestDebateRoundsAndVerdict(t *testing.T) {
	registry := NewRegistry()
	script := func(reply string) AgentFunc {
		return func(ctx context.Context, input, config *jsonval.Object, call CallContext) (*jsonval.Object, error) {
			return jsonval.FromPairs("content", reply, "_tokens", int64(10)), nil
		}
	}
	registry.Register("optimist", script("it will work"))
	registry.Register("skeptic", script("it will not"))
	registry.Register("judge", script("the optimist wins"))

	def := mustLoad(t, `{
		"StartAt": "D",
		"States": {
			"D": {
				"Type": "Debate",
				"Participants": ["optimist", "skeptic"],
				"Rounds": 2,
				"Judge": "judge",
				"TopicPath": "$.topic",
				"End": true
			}
		}
	}`)
	runner, err := NewRunner(def, registry)
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{"topic":"ship it?"}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s: %s)", out.Status, out.ErrorCode, out.Cause)
	}
	result := out.Output.(*jsonval.Object)
	transcript, ok := result.Get("transcript")
	if !ok {
		t.Fatal("no transcript in debate result")
	}
	turns, ok := transcript.([]any)
	if !ok || len(turns) != 4 {
		t.Fatalf("transcript has %d turns, want 4 (2 rounds x 2 participants)", len(turns))
	}
	verdict, ok := result.Get("verdict")
	if !ok {
		t.Fatal("no verdict in debate result")
	}
	if v, _ := verdict.(*jsonval.Object).Get("content"); v != "the optimist wins" {
		t.Errorf("verdict = %v", v)
	}
	// 2 rounds x 2 participants + judge, 10 tokens each.
	if out.Totals.Tokens != 50 {
		t.Errorf("tokens = %d, want 50", out.Totals.Tokens)
	}
}

func TestTaskTimeout(t *testing.T) {
	registry := NewRegistry()
	registry.Register("stuck", AgentFunc(func(ctx context.Context, input, config *jsonval.Object, call CallContext) (*jsonval.Object, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	def := mustLoad(t, `{
		"StartAt": "T",
		"States": {"T": {"Type": "Task", "Agent": "stuck", "TimeoutSeconds": 1, "End": true}}
	}`)
	runner, err := NewRunner(def, registry)
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusFailed || out.ErrorCode != ErrorCodeTimeout {
		t.Errorf("status = %s error = %s, want Failed with %s", out.Status, out.ErrorCode, ErrorCodeTimeout)
	}
}

func TestTaskUnknownAgent(t *testing.T) {
	def := mustLoad(t, `{
		"StartAt": "T",
		"States": {"T": {"Type": "Task", "Agent": "ghost", "End": true}}
	}`)
	runner, err := NewRunner(def, NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusFailed || out.ErrorCode != ErrorCodeTaskFailed {
		t.Errorf("status = %s error = %s, want Failed with %s", out.Status, out.ErrorCode, ErrorCodeTaskFailed)
	}
}

func TestMaxStepsBoundsLoops(t *testing.T) {
	def := mustLoad(t, `{
		"StartAt": "A",
		"States": {
			"A": {"Type": "Pass", "Next": "B"},
			"B": {"Type": "Pass", "Next": "A"}
		}
	}`)
	runner, err := NewRunner(def, nil, WithMaxSteps(10))
	if err != nil {
		t.Fatal(err)
	}
	out, err := runner.Run(context.Background(), mustDecode(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusFailed {
		t.Fatalf("status = %s, want Failed when the step bound is hit", out.Status)
	}
}

func TestRunCancelledContext(t *testing.T) {
	def := mustLoad(t, `{
		"StartAt": "Done",
		"States": {"Done": {"Type": "Succeed"}}
	}`)
	runner, err := NewRunner(def, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := runner.Run(ctx, mustDecode(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusFailed || out.ErrorCode != ErrorCodeCancelled {
		t.Errorf("status = %s error = %s, want Failed with %s", out.Status, out.ErrorCode, ErrorCodeCancelled)
	}
}

type recordingApprover struct {
	mu        sync.Mutex
	emitted   []*ApprovalRequest
	cancelled []string
}

func (a *recordingApprover) Emit(ctx context.Context, req *ApprovalRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.emitted = append(a.emitted, req)
	return nil
}

func (a *recordingApprover) Cancel(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = append(a.cancelled, token)
}
