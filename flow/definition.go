package flow

import (
	"fmt"

	"github.com/dshills/stateflow-go/flow/jsonval"
)

// StateType discriminates the state kinds of the workflow language.
type StateType string

// Recognized state types.
const (
	StateTask       StateType = "Task"
	StateChoice     StateType = "Choice"
	StateMap        StateType = "Map"
	StateParallel   StateType = "Parallel"
	StatePass       StateType = "Pass"
	StateWait       StateType = "Wait"
	StateSucceed    StateType = "Succeed"
	StateFail       StateType = "Fail"
	StateApproval   StateType = "Approval"
	StateCheckpoint StateType = "Checkpoint"
	StateDebate     StateType = "Debate"
)

var knownStateTypes = map[StateType]bool{
	StateTask: true, StateChoice: true, StateMap: true, StateParallel: true,
	StatePass: true, StateWait: true, StateSucceed: true, StateFail: true,
	StateApproval: true, StateCheckpoint: true, StateDebate: true,
}

// Top-level definition keys consumed by pre-processing (template imports,
// composition, budgets). The engine operates on inlined definitions and
// ignores these.
var preprocessingKeys = map[string]bool{
	"Imports": true, "Module": true, "Exports": true, "Parameters": true,
	"Budget": true, "Memory": true, "DefaultTools": true, "Progress": true,
	"RealTime": true,
}

// Per-state blocks the engine surfaces to agents without interpreting.
var agentConfigKeys = []string{
	"Memory", "Context", "Tools", "Guardrails", "Reasoning", "Generation",
	"Model", "Budget", "Streaming", "Idempotent", "IdempotencyKey",
}

// Definition is an immutable, validated workflow definition: a start
// state plus a named set of state specs. Create one with Load/LoadFile or
// Parse followed by Validate.
type Definition struct {
	Comment string
	Version string
	StartAt string
	States  map[string]*StateSpec

	// order holds state names in source order, for deterministic
	// validation output.
	order []string
}

// StateNames returns state names in source order.
func (d *Definition) StateNames() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// StateSpec holds the parsed fields of one state. Fields are populated
// according to Type; the validator enforces per-type requirements.
type StateSpec struct {
	Name    string
	Type    StateType
	Comment string

	// Transitions.
	Next string
	End  bool

	// I/O pipeline.
	InputPath      string
	OutputPath     string
	ResultPath     string
	ResultPathSet  bool // ResultPath key present
	ResultPathNull bool // ResultPath explicitly null (discard result)
	Parameters     *jsonval.Object
	ResultSelector *jsonval.Object

	// Task / Debate.
	Agent            string
	TimeoutSeconds   int64
	HeartbeatSeconds int64
	AgentConfig      *jsonval.Object
	Retry            []*RetryRule
	Catch            []*CatchRule

	// Choice (also Approval routing).
	Choices []*ChoiceRule
	Default string

	// Map.
	ItemsPath                  string
	ItemSelector               *jsonval.Object
	MaxConcurrency             int
	ToleratedFailureCount      int     // -1 when unset
	ToleratedFailurePercentage float64 // -1 when unset
	Iterator                   *Definition

	// Parallel.
	Branches []*Definition

	// Pass.
	Result    any
	ResultSet bool

	// Wait. Exactly one of the four fields is required.
	Seconds       *float64
	SecondsPath   string
	Timestamp     string
	TimestampPath string

	// Fail.
	ErrorName string
	Cause     string
	ErrorPath string
	CausePath string

	// Approval.
	Prompt          any
	Options         []string
	ApprovalTimeout float64 // seconds; 0 = collaborator default
	OnTimeout       string  // AutoApprove | AutoReject | Escalate | Fail
	Escalation      *EscalationSpec
	EditableFields  []string

	// Checkpoint.
	CheckpointID     string
	CheckpointIDPath string
	DataPath         string
	Compress         bool
	TTL              string
	SuspendAfter     bool

	// Debate.
	Participants []string
	Rounds       int
	Judge        string
	TopicPath    string
}

// Terminal reports whether the state ends the (sub-)execution on success.
func (s *StateSpec) Terminal() bool {
	return s.End || s.Type == StateSucceed || s.Type == StateFail
}

// RetryRule is one element of a state's Retry array.
type RetryRule struct {
	ErrorEquals     []string
	MaxAttempts     int     // default 3
	IntervalSeconds float64 // default 1
	BackoffRate     float64 // default 2.0
	MaxDelaySeconds float64 // 0 = uncapped
	JitterStrategy  string  // NONE (default) | FULL | DECORRELATED
}

// CatchRule is one element of a state's Catch array.
type CatchRule struct {
	ErrorEquals []string
	Next        string
	ResultPath  string // default "$"
}

// EscalationSpec configures approval escalation.
type EscalationSpec struct {
	Recipients []string
	Repeat     int     // maximum number of escalation rounds
	Timeout    float64 // seconds per escalation round; 0 = reuse base timeout
}

// ChoiceRule is a boolean predicate over the execution state: either a
// compound (And/Or/Not) or a leaf with Variable plus one comparator.
// Top-level rules additionally carry Next.
type ChoiceRule struct {
	And []*ChoiceRule
	Or  []*ChoiceRule
	Not *ChoiceRule

	Variable string
	Operator string // e.g. "StringEquals", "NumericGreaterThanEquals"
	Operand  any

	Next string
}

// Parse builds an unvalidated Definition from a decoded jsonval document.
// Callers normally use Load, which parses and validates in one step.
func Parse(doc any) (*Definition, error) {
	root, ok := doc.(*jsonval.Object)
	if !ok {
		return nil, &ValidationError{Message: "definition must be a JSON object, got " + jsonval.TypeName(doc)}
	}
	return parseDefinition(root)
}

func parseDefinition(root *jsonval.Object) (*Definition, error) {
	def := &Definition{States: make(map[string]*StateSpec)}
	var err error
	if def.Comment, err = optString(root, "Comment"); err != nil {
		return nil, err
	}
	if def.Version, err = optString(root, "Version"); err != nil {
		return nil, err
	}
	if def.StartAt, err = optString(root, "StartAt"); err != nil {
		return nil, err
	}

	statesVal, ok := root.Get("States")
	if !ok {
		return nil, &ValidationError{Message: "missing States"}
	}
	states, ok := statesVal.(*jsonval.Object)
	if !ok {
		return nil, &ValidationError{Message: "States must be an object"}
	}
	var parseErr error
	states.Range(func(name string, raw any) bool {
		stateObj, ok := raw.(*jsonval.Object)
		if !ok {
			parseErr = &ValidationError{State: name, Message: "state must be an object"}
			return false
		}
		spec, err := parseState(name, stateObj)
		if err != nil {
			parseErr = err
			return false
		}
		def.States[name] = spec
		def.order = append(def.order, name)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return def, nil
}

func parseState(name string, obj *jsonval.Object) (*StateSpec, error) {
	s := &StateSpec{
		Name:                       name,
		ToleratedFailureCount:      -1,
		ToleratedFailurePercentage: -1,
	}
	typ, err := optString(obj, "Type")
	if err != nil {
		return nil, err
	}
	s.Type = StateType(typ)

	if s.Comment, err = optString(obj, "Comment"); err != nil {
		return nil, err
	}
	if s.Next, err = optString(obj, "Next"); err != nil {
		return nil, err
	}
	if s.End, err = optBool(obj, "End"); err != nil {
		return nil, err
	}
	if s.InputPath, err = optString(obj, "InputPath"); err != nil {
		return nil, err
	}
	if s.OutputPath, err = optString(obj, "OutputPath"); err != nil {
		return nil, err
	}
	if rp, present := obj.Get("ResultPath"); present {
		s.ResultPathSet = true
		switch v := rp.(type) {
		case nil:
			s.ResultPathNull = true
		case string:
			s.ResultPath = v
		default:
			return nil, &ValidationError{State: name, Message: "ResultPath must be a string or null"}
		}
	}
	if s.Parameters, err = optObject(obj, "Parameters"); err != nil {
		return nil, err
	}
	if s.ResultSelector, err = optObject(obj, "ResultSelector"); err != nil {
		return nil, err
	}

	// Task / Debate.
	if s.Agent, err = optString(obj, "Agent"); err != nil {
		return nil, err
	}
	if s.TimeoutSeconds, err = optInt(obj, "TimeoutSeconds"); err != nil {
		return nil, err
	}
	if s.HeartbeatSeconds, err = optInt(obj, "HeartbeatSeconds"); err != nil {
		return nil, err
	}
	s.AgentConfig = collectAgentConfig(obj)
	if s.Retry, err = parseRetry(name, obj); err != nil {
		return nil, err
	}
	if s.Catch, err = parseCatch(name, obj); err != nil {
		return nil, err
	}

	// Choice / Approval routing.
	if choicesVal, present := obj.Get("Choices"); present {
		arr, ok := choicesVal.([]any)
		if !ok {
			return nil, &ValidationError{State: name, Message: "Choices must be an array"}
		}
		for i, rawRule := range arr {
			ruleObj, ok := rawRule.(*jsonval.Object)
			if !ok {
				return nil, &ValidationError{State: name, Message: fmt.Sprintf("Choices[%d] must be an object", i)}
			}
			rule, err := parseChoiceRule(name, ruleObj, true)
			if err != nil {
				return nil, err
			}
			s.Choices = append(s.Choices, rule)
		}
	}
	if s.Default, err = optString(obj, "Default"); err != nil {
		return nil, err
	}

	// Map.
	if s.ItemsPath, err = optString(obj, "ItemsPath"); err != nil {
		return nil, err
	}
	if s.ItemSelector, err = optObject(obj, "ItemSelector"); err != nil {
		return nil, err
	}
	if mc, err := optInt(obj, "MaxConcurrency"); err != nil {
		return nil, err
	} else {
		s.MaxConcurrency = int(mc)
	}
	if tfc, present := obj.Get("ToleratedFailureCount"); present {
		n, ok := jsonval.Number(tfc)
		if !ok {
			return nil, &ValidationError{State: name, Message: "ToleratedFailureCount must be a number"}
		}
		s.ToleratedFailureCount = int(n)
	}
	if tfp, present := obj.Get("ToleratedFailurePercentage"); present {
		n, ok := jsonval.Number(tfp)
		if !ok {
			return nil, &ValidationError{State: name, Message: "ToleratedFailurePercentage must be a number"}
		}
		s.ToleratedFailurePercentage = n
	}
	if iter, present := obj.Get("Iterator"); present {
		iterObj, ok := iter.(*jsonval.Object)
		if !ok {
			return nil, &ValidationError{State: name, Message: "Iterator must be an object"}
		}
		sub, err := parseDefinition(iterObj)
		if err != nil {
			return nil, err
		}
		s.Iterator = sub
	}

	// Parallel.
	if branches, present := obj.Get("Branches"); present {
		arr, ok := branches.([]any)
		if !ok {
			return nil, &ValidationError{State: name, Message: "Branches must be an array"}
		}
		for i, rawBranch := range arr {
			branchObj, ok := rawBranch.(*jsonval.Object)
			if !ok {
				return nil, &ValidationError{State: name, Message: fmt.Sprintf("Branches[%d] must be an object", i)}
			}
			sub, err := parseDefinition(branchObj)
			if err != nil {
				return nil, err
			}
			s.Branches = append(s.Branches, sub)
		}
	}

	// Pass.
	if result, present := obj.Get("Result"); present {
		s.Result = result
		s.ResultSet = true
	}

	// Wait.
	if secs, present := obj.Get("Seconds"); present {
		n, ok := jsonval.Number(secs)
		if !ok {
			return nil, &ValidationError{State: name, Message: "Seconds must be a number"}
		}
		s.Seconds = &n
	}
	if s.SecondsPath, err = optString(obj, "SecondsPath"); err != nil {
		return nil, err
	}
	if s.Timestamp, err = optString(obj, "Timestamp"); err != nil {
		return nil, err
	}
	if s.TimestampPath, err = optString(obj, "TimestampPath"); err != nil {
		return nil, err
	}

	// Fail.
	if s.ErrorName, err = optString(obj, "Error"); err != nil {
		return nil, err
	}
	if s.Cause, err = optString(obj, "Cause"); err != nil {
		return nil, err
	}
	if s.ErrorPath, err = optString(obj, "ErrorPath"); err != nil {
		return nil, err
	}
	if s.CausePath, err = optString(obj, "CausePath"); err != nil {
		return nil, err
	}

	// Approval.
	if prompt, present := obj.Get("Prompt"); present {
		s.Prompt = prompt
	}
	if s.Options, err = optStringArray(obj, "Options"); err != nil {
		return nil, err
	}
	if to, present := obj.Get("Timeout"); present {
		n, ok := jsonval.Number(to)
		if !ok {
			return nil, &ValidationError{State: name, Message: "Timeout must be a number of seconds"}
		}
		s.ApprovalTimeout = n
	}
	if s.OnTimeout, err = optString(obj, "OnTimeout"); err != nil {
		return nil, err
	}
	if esc, present := obj.Get("Escalation"); present {
		escObj, ok := esc.(*jsonval.Object)
		if !ok {
			return nil, &ValidationError{State: name, Message: "Escalation must be an object"}
		}
		spec := &EscalationSpec{}
		if spec.Recipients, err = optStringArray(escObj, "Recipients"); err != nil {
			return nil, err
		}
		if rep, err := optInt(escObj, "Repeat"); err != nil {
			return nil, err
		} else {
			spec.Repeat = int(rep)
		}
		if et, present := escObj.Get("Timeout"); present {
			n, ok := jsonval.Number(et)
			if !ok {
				return nil, &ValidationError{State: name, Message: "Escalation.Timeout must be a number"}
			}
			spec.Timeout = n
		}
		s.Escalation = spec
	}
	if editable, present := obj.Get("Editable"); present {
		editObj, ok := editable.(*jsonval.Object)
		if !ok {
			return nil, &ValidationError{State: name, Message: "Editable must be an object"}
		}
		if s.EditableFields, err = optStringArray(editObj, "Fields"); err != nil {
			return nil, err
		}
	}

	// Checkpoint.
	if s.CheckpointID, err = optString(obj, "CheckpointId"); err != nil {
		return nil, err
	}
	if s.CheckpointIDPath, err = optString(obj, "CheckpointIdPath"); err != nil {
		return nil, err
	}
	if s.DataPath, err = optString(obj, "DataPath"); err != nil {
		return nil, err
	}
	if s.Compress, err = optBool(obj, "Compress"); err != nil {
		return nil, err
	}
	if s.TTL, err = optString(obj, "TTL"); err != nil {
		return nil, err
	}
	if s.SuspendAfter, err = optBool(obj, "Suspend"); err != nil {
		return nil, err
	}

	// Debate.
	if s.Participants, err = optStringArray(obj, "Participants"); err != nil {
		return nil, err
	}
	if r, err := optInt(obj, "Rounds"); err != nil {
		return nil, err
	} else {
		s.Rounds = int(r)
	}
	if s.Judge, err = optString(obj, "Judge"); err != nil {
		return nil, err
	}
	if s.TopicPath, err = optString(obj, "TopicPath"); err != nil {
		return nil, err
	}

	return s, nil
}

func parseRetry(state string, obj *jsonval.Object) ([]*RetryRule, error) {
	raw, present := obj.Get("Retry")
	if !present {
		return nil, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, &ValidationError{State: state, Message: "Retry must be an array"}
	}
	rules := make([]*RetryRule, 0, len(arr))
	for i, el := range arr {
		ruleObj, ok := el.(*jsonval.Object)
		if !ok {
			return nil, &ValidationError{State: state, Message: fmt.Sprintf("Retry[%d] must be an object", i)}
		}
		rule := &RetryRule{MaxAttempts: 3, IntervalSeconds: 1, BackoffRate: 2.0, JitterStrategy: JitterNone}
		var err error
		if rule.ErrorEquals, err = optStringArray(ruleObj, "ErrorEquals"); err != nil {
			return nil, err
		}
		if len(rule.ErrorEquals) == 0 {
			return nil, &ValidationError{State: state, Message: fmt.Sprintf("Retry[%d] requires ErrorEquals", i)}
		}
		if v, present := ruleObj.Get("MaxAttempts"); present {
			n, ok := jsonval.Number(v)
			if !ok || n < 0 {
				return nil, &ValidationError{State: state, Message: fmt.Sprintf("Retry[%d].MaxAttempts must be a non-negative number", i)}
			}
			rule.MaxAttempts = int(n)
		}
		if v, present := ruleObj.Get("IntervalSeconds"); present {
			n, ok := jsonval.Number(v)
			if !ok || n <= 0 {
				return nil, &ValidationError{State: state, Message: fmt.Sprintf("Retry[%d].IntervalSeconds must be positive", i)}
			}
			rule.IntervalSeconds = n
		}
		if v, present := ruleObj.Get("BackoffRate"); present {
			n, ok := jsonval.Number(v)
			if !ok || n < 1 {
				return nil, &ValidationError{State: state, Message: fmt.Sprintf("Retry[%d].BackoffRate must be >= 1", i)}
			}
			rule.BackoffRate = n
		}
		if v, present := ruleObj.Get("MaxDelaySeconds"); present {
			n, ok := jsonval.Number(v)
			if !ok || n <= 0 {
				return nil, &ValidationError{State: state, Message: fmt.Sprintf("Retry[%d].MaxDelaySeconds must be positive", i)}
			}
			rule.MaxDelaySeconds = n
		}
		if v, err := optString(ruleObj, "JitterStrategy"); err != nil {
			return nil, err
		} else if v != "" {
			if v != JitterNone && v != JitterFull && v != JitterDecorrelated {
				return nil, &ValidationError{State: state, Message: fmt.Sprintf("Retry[%d].JitterStrategy %q is unknown", i, v)}
			}
			rule.JitterStrategy = v
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseCatch(state string, obj *jsonval.Object) ([]*CatchRule, error) {
	raw, present := obj.Get("Catch")
	if !present {
		return nil, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, &ValidationError{State: state, Message: "Catch must be an array"}
	}
	rules := make([]*CatchRule, 0, len(arr))
	for i, el := range arr {
		ruleObj, ok := el.(*jsonval.Object)
		if !ok {
			return nil, &ValidationError{State: state, Message: fmt.Sprintf("Catch[%d] must be an object", i)}
		}
		rule := &CatchRule{ResultPath: "$"}
		var err error
		if rule.ErrorEquals, err = optStringArray(ruleObj, "ErrorEquals"); err != nil {
			return nil, err
		}
		if len(rule.ErrorEquals) == 0 {
			return nil, &ValidationError{State: state, Message: fmt.Sprintf("Catch[%d] requires ErrorEquals", i)}
		}
		if rule.Next, err = optString(ruleObj, "Next"); err != nil {
			return nil, err
		}
		if rp, err := optString(ruleObj, "ResultPath"); err != nil {
			return nil, err
		} else if rp != "" {
			rule.ResultPath = rp
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Comparator operators recognized in choice rules, in the order they are
// probed when parsing a leaf rule.
var choiceOperators = []string{
	"StringEquals", "StringEqualsPath", "StringLessThan", "StringLessThanEquals",
	"StringGreaterThan", "StringGreaterThanEquals", "StringMatches",
	"NumericEquals", "NumericEqualsPath", "NumericLessThan", "NumericLessThanEquals",
	"NumericGreaterThan", "NumericGreaterThanEquals",
	"BooleanEquals", "BooleanEqualsPath",
	"IsPresent", "IsNull", "IsString", "IsNumeric", "IsBoolean", "IsTimestamp",
}

func parseChoiceRule(state string, obj *jsonval.Object, topLevel bool) (*ChoiceRule, error) {
	rule := &ChoiceRule{}
	var err error
	if topLevel {
		if rule.Next, err = optString(obj, "Next"); err != nil {
			return nil, err
		}
	}

	if raw, present := obj.Get("And"); present {
		if rule.And, err = parseRuleArray(state, raw, "And"); err != nil {
			return nil, err
		}
		return rule, nil
	}
	if raw, present := obj.Get("Or"); present {
		if rule.Or, err = parseRuleArray(state, raw, "Or"); err != nil {
			return nil, err
		}
		return rule, nil
	}
	if raw, present := obj.Get("Not"); present {
		sub, ok := raw.(*jsonval.Object)
		if !ok {
			return nil, &ValidationError{State: state, Message: "Not must be an object"}
		}
		if rule.Not, err = parseChoiceRule(state, sub, false); err != nil {
			return nil, err
		}
		return rule, nil
	}

	if rule.Variable, err = optString(obj, "Variable"); err != nil {
		return nil, err
	}
	if rule.Variable == "" {
		return nil, &ValidationError{State: state, Message: "choice rule requires Variable or a compound (And/Or/Not)"}
	}
	for _, op := range choiceOperators {
		if v, present := obj.Get(op); present {
			if rule.Operator != "" {
				return nil, &ValidationError{State: state, Message: "choice rule declares multiple comparators"}
			}
			rule.Operator = op
			rule.Operand = v
		}
	}
	if rule.Operator == "" {
		return nil, &ValidationError{State: state, Message: "choice rule on " + rule.Variable + " lacks a comparator"}
	}
	return rule, nil
}

func parseRuleArray(state string, raw any, kind string) ([]*ChoiceRule, error) {
	arr, ok := raw.([]any)
	if !ok {
		return nil, &ValidationError{State: state, Message: kind + " must be an array"}
	}
	if len(arr) == 0 {
		return nil, &ValidationError{State: state, Message: kind + " cannot be empty"}
	}
	out := make([]*ChoiceRule, 0, len(arr))
	for i, el := range arr {
		sub, ok := el.(*jsonval.Object)
		if !ok {
			return nil, &ValidationError{State: state, Message: fmt.Sprintf("%s[%d] must be an object", kind, i)}
		}
		rule, err := parseChoiceRule(state, sub, false)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

func collectAgentConfig(obj *jsonval.Object) *jsonval.Object {
	cfg := jsonval.NewObject()
	for _, key := range agentConfigKeys {
		if v, present := obj.Get(key); present {
			cfg.Set(key, jsonval.DeepCopy(v))
		}
	}
	if cfg.Len() == 0 {
		return nil
	}
	return cfg
}

func optString(obj *jsonval.Object, key string) (string, error) {
	v, present := obj.Get(key)
	if !present {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", &ValidationError{Message: key + " must be a string, got " + jsonval.TypeName(v)}
	}
	return s, nil
}

func optBool(obj *jsonval.Object, key string) (bool, error) {
	v, present := obj.Get(key)
	if !present {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, &ValidationError{Message: key + " must be a boolean, got " + jsonval.TypeName(v)}
	}
	return b, nil
}

func optInt(obj *jsonval.Object, key string) (int64, error) {
	v, present := obj.Get(key)
	if !present {
		return 0, nil
	}
	n, ok := jsonval.Number(v)
	if !ok {
		return 0, &ValidationError{Message: key + " must be a number, got " + jsonval.TypeName(v)}
	}
	return int64(n), nil
}

func optObject(obj *jsonval.Object, key string) (*jsonval.Object, error) {
	v, present := obj.Get(key)
	if !present {
		return nil, nil
	}
	o, ok := v.(*jsonval.Object)
	if !ok {
		return nil, &ValidationError{Message: key + " must be an object, got " + jsonval.TypeName(v)}
	}
	return o, nil
}

func optStringArray(obj *jsonval.Object, key string) ([]string, error) {
	v, present := obj.Get(key)
	if !present {
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, &ValidationError{Message: key + " must be an array, got " + jsonval.TypeName(v)}
	}
	out := make([]string, 0, len(arr))
	for i, el := range arr {
		s, ok := el.(string)
		if !ok {
			return nil, &ValidationError{Message: fmt.Sprintf("%s[%d] must be a string", key, i)}
		}
		out = append(out, s)
	}
	return out, nil
}
