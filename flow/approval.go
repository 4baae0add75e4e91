package flow

import (
	"context"
	"sort"
	"time"

	"github.com/dshills/stateflow-go/flow/jsonval"
)

// ApprovalRequest is emitted to the approval collaborator when an
// Approval state suspends.
type ApprovalRequest struct {
	// Token resumes the execution via Runner.Resume.
	Token string

	StateName   string
	ExecutionID string

	// Prompt is the shaped prompt document or string.
	Prompt any

	// Options are the decision options presented to the approver.
	Options []string

	// TimeoutSeconds bounds how long the collaborator should wait
	// before signalling a timeout decision. Zero means the
	// collaborator's default.
	TimeoutSeconds float64

	// Escalation configures timeout escalation rounds.
	Escalation *EscalationSpec

	// EditableFields lists the document paths the approver may edit.
	EditableFields []string
}

// ApprovalDecision is the collaborator's answer, passed to
// Runner.Resume. A timeout is signalled with TimedOut set; the engine
// then applies the state's OnTimeout policy.
type ApprovalDecision struct {
	Option   string
	Approver string
	Comment  string

	// EditedFields maps document paths to replacement values.
	EditedFields map[string]any

	Timestamp time.Time
	TimedOut  bool
}

// Approver delivers approval requests to humans. The engine owns no
// wall-clock timers for approvals: the collaborator tracks the timeout
// and calls Runner.Resume with either a real decision or a synthetic
// timed-out one.
type Approver interface {
	// Emit delivers the request. For escalation rounds the same token
	// is re-emitted with the escalation recipients in
	// Request.Escalation.
	Emit(ctx context.Context, req *ApprovalRequest) error

	// Cancel tells the collaborator the token is dead (execution
	// cancelled or resumed elsewhere).
	Cancel(token string)
}

// OnTimeout policies.
const (
	TimeoutAutoApprove = "AutoApprove"
	TimeoutAutoReject  = "AutoReject"
	TimeoutEscalate    = "Escalate"
	TimeoutFail        = "Fail"
)

// approvalState suspends the execution for a human decision.
type approvalState struct {
	spec *StateSpec
	rt   *runtime
}

func (s *approvalState) Name() string { return s.spec.Name }

func (s *approvalState) Step(ctx context.Context, input any, ec *ExecutionContext) stepResult {
	if s.rt.approver == nil {
		return failStep(NewError(ErrorCodeTaskFailed, "approval state "+s.spec.Name+" requires an approver"), input)
	}
	entered := ec.Env.Now()
	doc, err := applyInputPath(s.spec, input, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}

	prompt, err := s.shapePrompt(doc, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}
	token := "approval-" + ec.Env.NewUUID()
	req := &ApprovalRequest{
		Token:          token,
		StateName:      s.spec.Name,
		ExecutionID:    ec.ExecutionID,
		Prompt:         prompt,
		Options:        s.spec.Options,
		TimeoutSeconds: s.spec.ApprovalTimeout,
		Escalation:     s.spec.Escalation,
		EditableFields: s.spec.EditableFields,
	}
	if err := s.rt.approver.Emit(ctx, req); err != nil {
		return failStep(Classify(err), input)
	}
	if s.rt.metrics != nil {
		s.rt.metrics.ApprovalRequested()
	}

	// With a store configured the execution survives a process exit:
	// the snapshot under the token restores it at this state.
	if s.rt.store != nil {
		snap, err := buildSnapshot(token, s.spec.Name, doc, ec, false)
		if err == nil {
			err = s.rt.store.Put(ctx, snap)
		}
		if err != nil {
			return failStep(Classify(err), input)
		}
	}
	return suspendStep(&Suspension{Reason: SuspendApproval, Token: token, Payload: req}, doc)
}

func (s *approvalState) shapePrompt(doc any, ec *ExecutionContext, entered time.Time) (any, error) {
	if tmpl, ok := s.spec.Prompt.(*jsonval.Object); ok {
		return resolveParameters(tmpl, doc, ec.contextObject(s.spec.Name, entered), ec.Env)
	}
	return jsonval.DeepCopy(s.spec.Prompt), nil
}

// resumeApproval applies a decision to a suspended approval and drives
// the execution onward. A nil error with a suspend outcome means the
// request escalated and stays pending under the same token.
func (r *Runner) resumeApproval(ctx context.Context, pend *pendingExecution, decision *ApprovalDecision, token string) driveOutcome {
	spec := pend.spec
	ec := pend.ec
	doc := pend.input

	if decision.TimedOut {
		return r.approvalTimeout(ctx, pend, token)
	}

	if len(spec.Options) > 0 && !containsString(spec.Options, decision.Option) {
		err := NewError(ErrorCodeTaskFailed, "approval option "+decision.Option+" is not one of the declared options")
		ec.appendTrace(TraceError, spec.Name, map[string]any{"error": err.Code, "cause": err.Cause})
		return driveOutcome{output: doc, err: err}
	}

	// Apply field edits before the decision write so the decision's
	// ResultPath target sees the edited document.
	for _, path := range sortedEditPaths(decision.EditedFields) {
		if len(spec.EditableFields) > 0 && !containsString(spec.EditableFields, path) {
			err := NewError(ErrorCodeTaskFailed, "field "+path+" is not editable")
			ec.appendTrace(TraceError, spec.Name, map[string]any{"error": err.Code, "cause": err.Cause})
			return driveOutcome{output: doc, err: err}
		}
		norm, err := jsonval.Normalize(decision.EditedFields[path])
		if err != nil {
			return driveOutcome{output: doc, err: Classify(err)}
		}
		written, werr := pathWrite(path, doc, norm)
		if werr != nil {
			return driveOutcome{output: doc, err: Classify(werr)}
		}
		doc = written
	}

	decObj := decisionObject(decision)
	switch {
	case spec.ResultPathNull:
		// keep doc
	case spec.ResultPathSet && spec.ResultPath != "":
		written, err := pathWrite(spec.ResultPath, doc, decObj)
		if err != nil {
			return driveOutcome{output: doc, err: Classify(err)}
		}
		doc = written
	default:
		doc = decObj
	}

	target, derr := r.routeApproval(spec, doc, ec)
	if derr != nil {
		ec.appendTrace(TraceError, spec.Name, map[string]any{"error": derr.Code, "cause": derr.Cause})
		return driveOutcome{output: doc, err: derr}
	}
	if r.rt.metrics != nil {
		r.rt.metrics.ApprovalResolved(decision.Option)
	}
	ec.Output = doc
	if target == "" {
		return driveOutcome{output: doc}
	}
	return r.program.run(ctx, ec, target)
}

// approvalTimeout applies the state's OnTimeout policy.
func (r *Runner) approvalTimeout(ctx context.Context, pend *pendingExecution, token string) driveOutcome {
	spec := pend.spec
	ec := pend.ec
	doc := pend.input

	policy := spec.OnTimeout
	if policy == "" {
		if spec.Default != "" {
			ec.Output = doc
			return r.program.run(ctx, ec, spec.Default)
		}
		policy = TimeoutFail
	}

	switch policy {
	case TimeoutAutoApprove, TimeoutAutoReject:
		option := "approve"
		if policy == TimeoutAutoReject {
			option = "reject"
		}
		synthetic := &ApprovalDecision{
			Option:    option,
			Approver:  "system:timeout",
			Timestamp: ec.Env.Now(),
		}
		return r.resumeApproval(ctx, pend, synthetic, token)

	case TimeoutEscalate:
		if spec.Escalation != nil && pend.escalations < spec.Escalation.Repeat {
			pend.escalations++
			req := pend.request
			if err := r.rt.approver.Emit(ctx, req); err != nil {
				return driveOutcome{output: doc, err: Classify(err)}
			}
			ec.appendTrace(TraceSuspend, spec.Name, map[string]any{
				"reason":     SuspendApproval,
				"escalation": pend.escalations,
			})
			return driveOutcome{
				output:  doc,
				suspend: &Suspension{Reason: SuspendApproval, Token: token, Payload: req},
				pending: pend,
			}
		}
		fallthrough

	default: // TimeoutFail
		timeoutErr := NewError(ErrorCodeApprovalTimeout, "approval "+spec.Name+" timed out")

		// A matching Retry rule re-emits the request after backoff and
		// keeps the execution suspended under the same token.
		if len(spec.Retry) > 0 {
			if pend.retries == nil {
				pend.retries = newAttemptState(len(spec.Retry))
			}
			if idx, delay := nextRetry(spec, pend.retries, timeoutErr.Code, ec.Env); idx >= 0 {
				pend.retries.attempts[idx]++
				ec.appendTrace(TraceRetry, spec.Name, map[string]any{
					"error":    timeoutErr.Code,
					"attempt":  pend.retries.attempts[idx],
					"delay_ms": delay.Milliseconds(),
				})
				if err := ec.Env.Sleep(ctx, delay); err != nil {
					return driveOutcome{output: doc, err: Classify(err)}
				}
				req := pend.request
				if err := r.rt.approver.Emit(ctx, req); err != nil {
					return driveOutcome{output: doc, err: Classify(err)}
				}
				ec.appendTrace(TraceSuspend, spec.Name, map[string]any{"reason": SuspendApproval})
				return driveOutcome{
					output:  doc,
					suspend: &Suspension{Reason: SuspendApproval, Token: token, Payload: req},
					pending: pend,
				}
			}
		}

		if caught := matchCatch(spec.Catch, timeoutErr.Code); caught != nil {
			written, err := pathWrite(caught.ResultPath, doc, errorInfo(timeoutErr))
			if err != nil {
				return driveOutcome{output: doc, err: Classify(err)}
			}
			ec.Output = written
			return r.program.run(ctx, ec, caught.Next)
		}
		ec.appendTrace(TraceError, spec.Name, map[string]any{"error": timeoutErr.Code, "cause": timeoutErr.Cause})
		return driveOutcome{output: doc, err: timeoutErr}
	}
}

// routeApproval picks the follow-on state: Choices against the
// post-write document, else Next/End.
func (r *Runner) routeApproval(spec *StateSpec, doc any, ec *ExecutionContext) (string, *Error) {
	if len(spec.Choices) == 0 {
		if spec.Terminal() {
			return "", nil
		}
		return spec.Next, nil
	}
	ctxObj := ec.contextObject(spec.Name, ec.Env.Now())
	for _, rule := range spec.Choices {
		match, err := evalChoiceRule(rule, doc, ctxObj)
		if err != nil {
			return "", Classify(err)
		}
		if match {
			ec.appendTrace(TraceChoiceMatch, spec.Name, map[string]any{"next": rule.Next})
			return rule.Next, nil
		}
	}
	if spec.Default != "" {
		return spec.Default, nil
	}
	return "", NewError(ErrorCodeNoChoiceMatched, "no approval routing rule matched and no Default declared")
}

func decisionObject(d *ApprovalDecision) *jsonval.Object {
	obj := jsonval.FromPairs(
		"option", d.Option,
		"approver", d.Approver,
		"timestamp", d.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if d.Comment != "" {
		obj.Set("comment", d.Comment)
	}
	if len(d.EditedFields) > 0 {
		edits := jsonval.NewObject()
		for _, path := range sortedEditPaths(d.EditedFields) {
			norm, err := jsonval.Normalize(d.EditedFields[path])
			if err != nil {
				continue
			}
			edits.Set(path, norm)
		}
		obj.Set("editedFields", edits)
	}
	return obj
}

// sortedEditPaths gives the edit application order a stable definition.
func sortedEditPaths(edits map[string]any) []string {
	paths := make([]string, 0, len(edits))
	for p := range edits {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
