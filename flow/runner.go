package flow

import (
	"context"
	"sync"
	"time"

	"github.com/dshills/stateflow-go/flow/emit"
	"github.com/dshills/stateflow-go/flow/jsonval"
	"github.com/dshills/stateflow-go/flow/store"
)

// Option configures a Runner.
type Option func(*runtime) error

// WithEmitter sets the observability sink. Default: emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(rt *runtime) error {
		if e != nil {
			rt.emitter = e
		}
		return nil
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(rt *runtime) error {
		rt.metrics = m
		return nil
	}
}

// WithStore sets the checkpoint store. Checkpoint states and
// cross-process resume require one.
func WithStore(s store.Store) Option {
	return func(rt *runtime) error {
		rt.store = s
		return nil
	}
}

// WithApprover sets the approval collaborator. Approval states require
// one.
func WithApprover(a Approver) Option {
	return func(rt *runtime) error {
		rt.approver = a
		return nil
	}
}

// WithEnvironment injects time, randomness, uuid generation, and
// sleeping. Tests use SeededEnvironment to pin all three.
func WithEnvironment(env *Environment) Option {
	return func(rt *runtime) error {
		if env != nil {
			rt.env = env
		}
		return nil
	}
}

// WithMaxSteps bounds the number of state transitions per execution.
// Workflow loops are legal; the bound catches the ones that never exit.
// Default 1000; 0 disables the bound.
func WithMaxSteps(n int) Option {
	return func(rt *runtime) error {
		rt.maxSteps = n
		return nil
	}
}

// WithTimeout bounds the wall-clock duration of a single Run or Resume
// call. Zero means unbounded.
func WithTimeout(d time.Duration) Option {
	return func(rt *runtime) error {
		rt.timeout = d
		return nil
	}
}

// WithCostTracker attaches a model pricing table used by agents that
// report usage without cost.
func WithCostTracker(t *CostTracker) Option {
	return func(rt *runtime) error {
		rt.costs = t
		return nil
	}
}

// runtime is the shared execution configuration handed to compiled
// states.
type runtime struct {
	registry *Registry
	emitter  emit.Emitter
	metrics  *Metrics
	store    store.Store
	approver Approver
	env      *Environment
	costs    *CostTracker
	maxSteps int
	timeout  time.Duration
}

func (rt *runtime) emit(executionID, stateName, kind, msg string, meta map[string]any) {
	rt.emitter.Emit(emit.Event{
		ExecutionID: executionID,
		StateName:   stateName,
		Kind:        kind,
		Msg:         msg,
		Meta:        meta,
	})
}

// Outcome is the settled result of a Run or Resume call.
type Outcome struct {
	// Status is Succeeded, Failed, or Suspended.
	Status Status

	// ExecutionID identifies the execution across suspensions.
	ExecutionID string

	// Output is the final document on success, or the document at the
	// point of failure or suspension.
	Output any

	// ErrorCode and Cause are set when Status is Failed.
	ErrorCode string
	Cause     string

	// Trace is the ordered event history.
	Trace []TraceEntry

	// Totals is the accumulated token and cost accounting.
	Totals Totals

	// ResumeToken continues a suspended execution via Resume.
	ResumeToken string

	// SuspendReason is SuspendApproval or SuspendCheckpoint when
	// Status is Suspended.
	SuspendReason string

	// PendingApproval is the emitted request when suspended for
	// approval.
	PendingApproval *ApprovalRequest

	// CheckpointID names the snapshot written by the suspending
	// checkpoint state.
	CheckpointID string
}

// pendingExecution is a suspended execution awaiting Resume.
type pendingExecution struct {
	ec   *ExecutionContext
	spec *StateSpec // the suspending state

	// next is the state to continue at, for checkpoint suspensions.
	next string

	// input is the document the suspending state entered with.
	input any

	// request is the emitted approval request, for approval
	// suspensions.
	request *ApprovalRequest

	// escalations counts timeout escalation rounds already performed.
	escalations int

	// retries tracks per-rule timeout retry attempts for approval
	// suspensions.
	retries *attemptState
}

// Runner executes a validated definition. One Runner serves many
// concurrent executions; per-execution state lives in the
// ExecutionContext and the pending-suspension table.
type Runner struct {
	def     *Definition
	rt      *runtime
	program *program

	mu      sync.Mutex
	pending map[string]*pendingExecution
}

// NewRunner compiles the definition against the agent registry.
func NewRunner(def *Definition, registry *Registry, opts ...Option) (*Runner, error) {
	if def == nil {
		return nil, &ValidationError{Message: "nil definition"}
	}
	if registry == nil {
		registry = NewRegistry()
	}
	rt := &runtime{
		registry: registry,
		emitter:  emit.NewNullEmitter(),
		env:      DefaultEnvironment(),
		maxSteps: 1000,
	}
	for _, opt := range opts {
		if err := opt(rt); err != nil {
			return nil, err
		}
	}
	prog, err := compile(def, rt)
	if err != nil {
		return nil, err
	}
	return &Runner{
		def:     def,
		rt:      rt,
		program: prog,
		pending: make(map[string]*pendingExecution),
	}, nil
}

// Run starts a fresh execution against input and drives it until it
// succeeds, fails, or suspends.
func (r *Runner) Run(ctx context.Context, input any) (*Outcome, error) {
	if r.rt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.rt.timeout)
		defer cancel()
	}
	norm, err := normalizeInput(input)
	if err != nil {
		return nil, err
	}
	ec := newExecutionContext(r.rt.env, "exec-"+r.rt.env.NewUUID(), norm)
	r.rt.emit(ec.ExecutionID, "", "execution_started", "", nil)
	if r.rt.metrics != nil {
		r.rt.metrics.ExecutionStarted()
	}
	out := r.program.run(ctx, ec, r.def.StartAt)
	return r.settle(ec, out), nil
}

// Resume continues a suspended execution. For approval suspensions the
// decision is required; for checkpoint suspensions it is ignored and may
// be nil.
func (r *Runner) Resume(ctx context.Context, token string, decision *ApprovalDecision) (*Outcome, error) {
	if r.rt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.rt.timeout)
		defer cancel()
	}
	r.mu.Lock()
	pend, ok := r.pending[token]
	if ok {
		delete(r.pending, token)
	}
	r.mu.Unlock()
	if !ok {
		return nil, ErrNoPendingExecution
	}

	ec := pend.ec
	ec.Status = StatusRunning
	ec.appendTrace(TraceResume, pend.spec.Name, nil)
	r.rt.emit(ec.ExecutionID, pend.spec.Name, TraceResume, "", nil)

	var out driveOutcome
	switch pend.spec.Type {
	case StateApproval:
		if decision == nil {
			// Undo the dequeue so the host can retry with a decision.
			r.mu.Lock()
			r.pending[token] = pend
			r.mu.Unlock()
			return nil, ErrExecutionNotSuspended
		}
		out = r.resumeApproval(ctx, pend, decision, token)
	default:
		if pend.next == "" {
			// The suspending checkpoint was a terminal state; there is
			// nothing left to run and the execution settles as succeeded.
			out = driveOutcome{output: ec.Output}
		} else {
			out = r.program.run(ctx, ec, pend.next)
		}
	}
	return r.settle(ec, out), nil
}

// ResumeFromCheckpoint restores an execution snapshot from the store and
// continues stepping at the saved state. The snapshot is not deleted;
// hosts manage checkpoint lifetimes through TTLs or Delete.
func (r *Runner) ResumeFromCheckpoint(ctx context.Context, checkpointID string) (*Outcome, error) {
	if r.rt.store == nil {
		return nil, NewError(ErrorCodeTaskFailed, "no checkpoint store configured")
	}
	if r.rt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.rt.timeout)
		defer cancel()
	}
	snap, err := r.rt.store.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	ec, next, err := restoreSnapshot(r.rt.env, snap)
	if err != nil {
		return nil, err
	}
	ec.appendTrace(TraceResume, next, map[string]any{"checkpoint": checkpointID})
	r.rt.emit(ec.ExecutionID, next, TraceResume, "", map[string]any{"checkpoint": checkpointID})
	if r.rt.metrics != nil {
		// This process never counted the execution as started; balance
		// the inflight gauge before settle finishes it.
		r.rt.metrics.ExecutionStarted()
	}
	var out driveOutcome
	if next == "" {
		out = driveOutcome{output: ec.Output}
	} else {
		out = r.program.run(ctx, ec, next)
	}
	return r.settle(ec, out), nil
}

// Cancel abandons a suspended execution and notifies the approval
// collaborator when one is waiting.
func (r *Runner) Cancel(token string) error {
	r.mu.Lock()
	pend, ok := r.pending[token]
	if ok {
		delete(r.pending, token)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNoPendingExecution
	}
	if pend.spec.Type == StateApproval && r.rt.approver != nil {
		r.rt.approver.Cancel(token)
	}
	pend.ec.appendTrace(TraceError, pend.spec.Name, map[string]any{"error": ErrorCodeCancelled})
	return nil
}

// settle converts a drive outcome into the public Outcome and registers
// suspensions in the pending table.
func (r *Runner) settle(ec *ExecutionContext, out driveOutcome) *Outcome {
	res := &Outcome{
		ExecutionID: ec.ExecutionID,
		Output:      out.output,
		Trace:       ec.Trace,
		Totals:      ec.Totals,
	}
	switch {
	case out.suspend != nil:
		ec.Status = StatusSuspended
		res.Status = StatusSuspended
		res.ResumeToken = out.suspend.Token
		res.SuspendReason = out.suspend.Reason
		switch payload := out.suspend.Payload.(type) {
		case *ApprovalRequest:
			res.PendingApproval = payload
		case string:
			res.CheckpointID = payload
		}
		r.mu.Lock()
		r.pending[out.suspend.Token] = out.pending
		r.mu.Unlock()
		r.rt.emit(ec.ExecutionID, out.pending.spec.Name, TraceSuspend, out.suspend.Reason, nil)
	case out.err != nil:
		ec.Status = StatusFailed
		res.Status = StatusFailed
		res.ErrorCode = out.err.Code
		res.Cause = out.err.Cause
		r.rt.emit(ec.ExecutionID, ec.CurrentState, "execution_failed", out.err.Code, map[string]any{
			"error": out.err.Code,
			"cause": out.err.Cause,
		})
		if r.rt.metrics != nil {
			r.rt.metrics.ExecutionFinished(string(StatusFailed), ec.Env.Now().Sub(ec.StartTime))
		}
	default:
		ec.Status = StatusSucceeded
		res.Status = StatusSucceeded
		r.rt.emit(ec.ExecutionID, "", "execution_succeeded", "", map[string]any{
			"tokens":   ec.Totals.Tokens,
			"cost_usd": ec.Totals.Cost,
		})
		if r.rt.metrics != nil {
			r.rt.metrics.ExecutionFinished(string(StatusSucceeded), ec.Env.Now().Sub(ec.StartTime))
		}
	}
	return res
}

// normalizeInput converts arbitrary host input into the engine's
// document model.
func normalizeInput(input any) (any, error) {
	if input == nil {
		return nil, nil
	}
	norm, err := jsonval.Normalize(input)
	if err != nil {
		return nil, WrapError(ErrorCodeTaskFailed, err)
	}
	return norm, nil
}
