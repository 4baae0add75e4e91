package flow

import "fmt"

// Validate checks a parsed definition for structural problems: unknown
// state types, dangling transitions, missing per-type fields, and
// unreachable states (recursively through Iterators and Branches).
//
// Validation is structural only; path expressions are not executed or
// checked for resolvability.
func Validate(def *Definition) error {
	return validateDefinition(def, "")
}

func validateDefinition(def *Definition, scope string) error {
	if def.StartAt == "" {
		return &ValidationError{State: scope, Message: "missing StartAt"}
	}
	if len(def.States) == 0 {
		return &ValidationError{State: scope, Message: "States is empty"}
	}
	if _, ok := def.States[def.StartAt]; !ok {
		return &ValidationError{State: scope, Message: "StartAt names nonexistent state " + def.StartAt}
	}

	for _, name := range def.order {
		if err := validateState(def, def.States[name]); err != nil {
			return err
		}
	}

	return checkReachability(def, scope)
}

func validateState(def *Definition, s *StateSpec) error {
	if s.Type == "" {
		return &ValidationError{State: s.Name, Message: "missing Type"}
	}
	if !knownStateTypes[s.Type] {
		return &ValidationError{State: s.Name, Message: "unknown state type " + string(s.Type)}
	}

	// Transition exclusivity. Choice and Approval route dynamically.
	dynamic := s.Type == StateChoice || (s.Type == StateApproval && len(s.Choices) > 0)
	terminal := s.Type == StateSucceed || s.Type == StateFail
	switch {
	case terminal:
		if s.Next != "" {
			return &ValidationError{State: s.Name, Message: string(s.Type) + " state cannot declare Next"}
		}
	case dynamic:
		if s.Next != "" || s.End {
			return &ValidationError{State: s.Name, Message: "dynamically-routed state cannot declare Next or End"}
		}
	default:
		if s.Next == "" && !s.End {
			return &ValidationError{State: s.Name, Message: "state needs Next or End:true"}
		}
		if s.Next != "" && s.End {
			return &ValidationError{State: s.Name, Message: "state declares both Next and End"}
		}
	}

	// Name closure for every static transition.
	for _, target := range transitionTargets(s) {
		if _, ok := def.States[target]; !ok {
			return &ValidationError{State: s.Name, Message: "transition to nonexistent state " + target}
		}
	}

	switch s.Type {
	case StateTask:
		if s.Agent == "" {
			return &ValidationError{State: s.Name, Message: "Task requires Agent"}
		}
	case StateChoice:
		if len(s.Choices) == 0 {
			return &ValidationError{State: s.Name, Message: "Choice requires a non-empty Choices array"}
		}
		for i, rule := range s.Choices {
			if rule.Next == "" {
				return &ValidationError{State: s.Name, Message: fmt.Sprintf("Choices[%d] lacks Next", i)}
			}
		}
	case StateMap:
		if s.ItemsPath == "" {
			return &ValidationError{State: s.Name, Message: "Map requires ItemsPath"}
		}
		if s.Iterator == nil {
			return &ValidationError{State: s.Name, Message: "Map requires Iterator"}
		}
		if s.MaxConcurrency < 0 {
			return &ValidationError{State: s.Name, Message: "MaxConcurrency cannot be negative"}
		}
		if err := validateDefinition(s.Iterator, s.Name+".Iterator"); err != nil {
			return err
		}
	case StateParallel:
		if len(s.Branches) == 0 {
			return &ValidationError{State: s.Name, Message: "Parallel requires at least one branch"}
		}
		for i, branch := range s.Branches {
			if err := validateDefinition(branch, fmt.Sprintf("%s.Branches[%d]", s.Name, i)); err != nil {
				return err
			}
		}
	case StateWait:
		fields := 0
		if s.Seconds != nil {
			fields++
		}
		for _, f := range []string{s.SecondsPath, s.Timestamp, s.TimestampPath} {
			if f != "" {
				fields++
			}
		}
		if fields != 1 {
			return &ValidationError{State: s.Name, Message: "Wait requires exactly one of Seconds, SecondsPath, Timestamp, TimestampPath"}
		}
	case StateApproval:
		if len(s.Options) == 0 {
			return &ValidationError{State: s.Name, Message: "Approval requires Options"}
		}
		if len(s.Choices) > 0 {
			for i, rule := range s.Choices {
				if rule.Next == "" {
					return &ValidationError{State: s.Name, Message: fmt.Sprintf("Choices[%d] lacks Next", i)}
				}
			}
		}
	case StateDebate:
		if len(s.Participants) < 2 {
			return &ValidationError{State: s.Name, Message: "Debate requires at least two participants"}
		}
	}

	return nil
}

// transitionTargets collects every state name a spec can transition to
// statically: Next, Default, Choices[*].Next, Catch[*].Next.
func transitionTargets(s *StateSpec) []string {
	var out []string
	if s.Next != "" {
		out = append(out, s.Next)
	}
	if s.Default != "" {
		out = append(out, s.Default)
	}
	for _, rule := range s.Choices {
		if rule.Next != "" {
			out = append(out, rule.Next)
		}
	}
	for _, rule := range s.Catch {
		if rule.Next != "" {
			out = append(out, rule.Next)
		}
	}
	return out
}

func checkReachability(def *Definition, scope string) error {
	reached := make(map[string]bool, len(def.States))
	frontier := []string{def.StartAt}
	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]
		if reached[name] {
			continue
		}
		reached[name] = true
		frontier = append(frontier, transitionTargets(def.States[name])...)
	}
	for _, name := range def.order {
		if !reached[name] {
			msg := "state is unreachable from StartAt"
			if scope != "" {
				msg = "state is unreachable from " + scope + " StartAt"
			}
			return &ValidationError{State: name, Message: msg}
		}
	}
	return nil
}
