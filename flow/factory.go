package flow

import "context"

// program is a compiled definition: one executable state per spec, with
// Map iterators and Parallel branches compiled recursively.
type program struct {
	def    *Definition
	states map[string]state
	rt     *runtime
}

// compile validates the definition and builds its executable states.
func compile(def *Definition, rt *runtime) (*program, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}
	p := &program{def: def, states: make(map[string]state, len(def.States)), rt: rt}
	for _, name := range def.StateNames() {
		spec := def.States[name]
		st, err := buildState(spec, rt)
		if err != nil {
			return nil, err
		}
		p.states[name] = st
	}
	return p, nil
}

func buildState(spec *StateSpec, rt *runtime) (state, error) {
	switch spec.Type {
	case StateTask:
		return &taskState{spec: spec, rt: rt}, nil
	case StateChoice:
		return &choiceState{spec: spec}, nil
	case StatePass:
		return &passState{spec: spec}, nil
	case StateWait:
		return &waitState{spec: spec}, nil
	case StateSucceed:
		return &succeedState{spec: spec}, nil
	case StateFail:
		return &failState{spec: spec}, nil
	case StateMap:
		iter, err := compileSub(spec.Iterator, rt)
		if err != nil {
			return nil, err
		}
		return &mapState{spec: spec, iter: iter, rt: rt}, nil
	case StateParallel:
		branches := make([]*program, len(spec.Branches))
		for i, b := range spec.Branches {
			sub, err := compileSub(b, rt)
			if err != nil {
				return nil, err
			}
			branches[i] = sub
		}
		return &parallelState{spec: spec, branches: branches, rt: rt}, nil
	case StateApproval:
		return &approvalState{spec: spec, rt: rt}, nil
	case StateCheckpoint:
		return &checkpointState{spec: spec, rt: rt}, nil
	case StateDebate:
		return &debateState{spec: spec, rt: rt}, nil
	}
	return nil, &ValidationError{State: spec.Name, Message: "unknown state type " + string(spec.Type)}
}

// compileSub builds the program for a Map iterator or Parallel branch.
// Sub-definitions were already validated as part of the parent.
func compileSub(def *Definition, rt *runtime) (*program, error) {
	p := &program{def: def, states: make(map[string]state, len(def.States)), rt: rt}
	for _, name := range def.StateNames() {
		st, err := buildState(def.States[name], rt)
		if err != nil {
			return nil, err
		}
		p.states[name] = st
	}
	return p, nil
}

// driveOutcome is the settled result of driving a (sub-)execution.
type driveOutcome struct {
	output  any
	err     *Error
	suspend *Suspension
	pending *pendingExecution
}

// run drives the execution from startAt until a terminal state, a
// failure, or a suspension. State transitions within one context are
// strictly sequential.
func (p *program) run(ctx context.Context, ec *ExecutionContext, startAt string) driveOutcome {
	name := startAt
	doc := ec.Output
	steps := 0
	for {
		if p.rt.maxSteps > 0 && steps >= p.rt.maxSteps {
			err := NewError(ErrorCodeTaskFailed, "max steps exceeded")
			ec.appendTrace(TraceError, name, map[string]any{"error": err.Code, "cause": err.Cause})
			return driveOutcome{output: doc, err: err}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err := Classify(ctxErr)
			ec.appendTrace(TraceError, name, map[string]any{"error": err.Code, "cause": err.Cause})
			return driveOutcome{output: doc, err: err}
		}
		st, ok := p.states[name]
		if !ok {
			err := NewError(ErrorCodeTaskFailed, "transition to unknown state "+name)
			return driveOutcome{output: doc, err: err}
		}
		steps++

		ec.CurrentState = name
		ec.appendTrace(TraceEnter, name, nil)
		p.rt.emit(ec.ExecutionID, name, TraceEnter, "", nil)
		started := ec.Env.Now()

		res := st.Step(ctx, doc, ec)
		elapsed := ec.Env.Now().Sub(started)
		spec := p.def.States[name]
		if p.rt.metrics != nil {
			p.rt.metrics.StateStepped(string(spec.Type), stepStatus(res.kind), elapsed)
		}

		switch res.kind {
		case stepNext:
			ec.appendTrace(TraceExit, name, nil)
			p.rt.emit(ec.ExecutionID, name, TraceExit, "", map[string]any{"duration_ms": elapsed.Milliseconds()})
			doc = res.output
			ec.Output = doc
			name = res.nextState
		case stepEnd:
			ec.appendTrace(TraceExit, name, nil)
			p.rt.emit(ec.ExecutionID, name, TraceExit, "", map[string]any{"duration_ms": elapsed.Milliseconds()})
			ec.Output = res.output
			return driveOutcome{output: res.output}
		case stepFail:
			err := res.err
			if err == nil {
				err = NewError(ErrorCodeTaskFailed, "state "+name+" failed")
			}
			ec.appendTrace(TraceError, name, map[string]any{"error": err.Code, "cause": err.Cause})
			p.rt.emit(ec.ExecutionID, name, TraceError, err.Cause, map[string]any{"error": err.Code})
			ec.Output = res.output
			return driveOutcome{output: res.output, err: err}
		case stepSuspend:
			ec.appendTrace(TraceSuspend, name, map[string]any{"reason": res.suspend.Reason})
			ec.Output = res.output
			pend := &pendingExecution{
				ec:    ec,
				spec:  spec,
				next:  res.nextState,
				input: res.output,
			}
			if req, ok := res.suspend.Payload.(*ApprovalRequest); ok {
				pend.request = req
			}
			return driveOutcome{output: res.output, suspend: res.suspend, pending: pend}
		}
	}
}

func stepStatus(kind stepKind) string {
	switch kind {
	case stepFail:
		return "failed"
	case stepSuspend:
		return "suspended"
	default:
		return "ok"
	}
}

// runIsolated drives a Map iteration or Parallel branch to completion.
// Suspension cannot cross a concurrency boundary, so a suspending state
// inside a sub-execution fails that sub-execution.
func (p *program) runIsolated(ctx context.Context, ec *ExecutionContext) driveOutcome {
	out := p.run(ctx, ec, p.def.StartAt)
	if out.suspend != nil {
		return driveOutcome{
			output: out.output,
			err:    NewError(ErrorCodeTaskFailed, "cannot suspend for "+out.suspend.Reason+" inside a Map or Parallel sub-execution"),
		}
	}
	return out
}
