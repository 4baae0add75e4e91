package flow

import (
	"context"
	"strings"
	"time"

	"github.com/dshills/stateflow-go/flow/jsonval"
)

// choiceState routes on the first matching rule, in declaration order.
type choiceState struct {
	spec *StateSpec
}

func (s *choiceState) Name() string { return s.spec.Name }

func (s *choiceState) Step(ctx context.Context, input any, ec *ExecutionContext) stepResult {
	entered := ec.Env.Now()
	doc, err := applyInputPath(s.spec, input, ec, entered)
	if err != nil {
		return failStep(Classify(err), input)
	}
	ctxObj := ec.contextObject(s.spec.Name, entered)

	target := ""
	for _, rule := range s.spec.Choices {
		match, err := evalChoiceRule(rule, doc, ctxObj)
		if err != nil {
			return failStep(Classify(err), input)
		}
		if match {
			target = rule.Next
			ec.appendTrace(TraceChoiceMatch, s.spec.Name, map[string]any{"next": target})
			break
		}
	}
	if target == "" {
		if s.spec.Default == "" {
			return failStep(NewError(ErrorCodeNoChoiceMatched, "no choice rule matched and no Default declared"), doc)
		}
		target = s.spec.Default
		ec.appendTrace(TraceChoiceMatch, s.spec.Name, map[string]any{"next": target, "default": true})
	}

	out, err := applyOutputPath(s.spec, doc, ec, entered)
	if err != nil {
		return failStep(Classify(err), doc)
	}
	return nextStep(out, target)
}

// evalChoiceRule evaluates one rule, compound or leaf, against the
// state document.
func evalChoiceRule(rule *ChoiceRule, doc any, ctxObj *jsonval.Object) (bool, error) {
	switch {
	case len(rule.And) > 0:
		for _, sub := range rule.And {
			ok, err := evalChoiceRule(sub, doc, ctxObj)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(rule.Or) > 0:
		for _, sub := range rule.Or {
			ok, err := evalChoiceRule(sub, doc, ctxObj)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	case rule.Not != nil:
		ok, err := evalChoiceRule(rule.Not, doc, ctxObj)
		return !ok, err
	}
	return evalComparator(rule, doc, ctxObj)
}

func evalComparator(rule *ChoiceRule, doc any, ctxObj *jsonval.Object) (bool, error) {
	lhs, present, err := pathRead(rule.Variable, doc, ctxObj)
	if err != nil {
		return false, NewError(ErrorCodeParameterPathFailure, err.Error())
	}

	operand := rule.Operand
	if strings.HasSuffix(rule.Operator, "Path") {
		expr, ok := operand.(string)
		if !ok {
			return false, NewError(ErrorCodeParameterPathFailure, rule.Operator+" operand must be a path string")
		}
		rhs, rhsPresent, err := pathRead(expr, doc, ctxObj)
		if err != nil {
			return false, NewError(ErrorCodeParameterPathFailure, err.Error())
		}
		if !rhsPresent {
			return false, NewError(ErrorCodeParameterPathFailure, rule.Operator+" operand "+expr+" resolved to nothing")
		}
		operand = rhs
	}

	// A missing left-hand side fails every comparator except the two
	// that test for absence.
	if !present {
		switch rule.Operator {
		case "IsPresent":
			return operand == false, nil
		case "IsNull":
			return operand == true, nil
		}
		return false, nil
	}

	switch strings.TrimSuffix(rule.Operator, "Path") {
	case "StringEquals":
		return stringCompare(lhs, operand, func(a, b string) bool { return a == b })
	case "StringLessThan":
		return stringCompare(lhs, operand, func(a, b string) bool { return a < b })
	case "StringLessThanEquals":
		return stringCompare(lhs, operand, func(a, b string) bool { return a <= b })
	case "StringGreaterThan":
		return stringCompare(lhs, operand, func(a, b string) bool { return a > b })
	case "StringGreaterThanEquals":
		return stringCompare(lhs, operand, func(a, b string) bool { return a >= b })
	case "StringMatches":
		s, ok := lhs.(string)
		pat, ok2 := operand.(string)
		if !ok || !ok2 {
			return false, nil
		}
		return globMatch(pat, s), nil
	case "NumericEquals":
		return numericCompare(lhs, operand, func(a, b float64) bool { return a == b })
	case "NumericLessThan":
		return numericCompare(lhs, operand, func(a, b float64) bool { return a < b })
	case "NumericLessThanEquals":
		return numericCompare(lhs, operand, func(a, b float64) bool { return a <= b })
	case "NumericGreaterThan":
		return numericCompare(lhs, operand, func(a, b float64) bool { return a > b })
	case "NumericGreaterThanEquals":
		return numericCompare(lhs, operand, func(a, b float64) bool { return a >= b })
	case "BooleanEquals":
		a, ok := lhs.(bool)
		b, ok2 := operand.(bool)
		return ok && ok2 && a == b, nil
	case "IsPresent":
		return operand == true, nil
	case "IsNull":
		return (lhs == nil) == (operand == true), nil
	case "IsString":
		_, isStr := lhs.(string)
		return isStr == (operand == true), nil
	case "IsNumeric":
		_, isNum := jsonval.Number(lhs)
		return isNum == (operand == true), nil
	case "IsBoolean":
		_, isBool := lhs.(bool)
		return isBool == (operand == true), nil
	case "IsTimestamp":
		return isTimestamp(lhs) == (operand == true), nil
	}
	return false, NewError(ErrorCodeTaskFailed, "unknown comparator "+rule.Operator)
}

func stringCompare(lhs, operand any, cmp func(a, b string) bool) (bool, error) {
	a, ok := lhs.(string)
	b, ok2 := operand.(string)
	if !ok || !ok2 {
		return false, nil
	}
	return cmp(a, b), nil
}

func numericCompare(lhs, operand any, cmp func(a, b float64) bool) (bool, error) {
	a, ok := jsonval.Number(lhs)
	b, ok2 := jsonval.Number(operand)
	if !ok || !ok2 {
		return false, nil
	}
	return cmp(a, b), nil
}

func isTimestamp(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	_, err := time.Parse(time.RFC3339, s)
	return err == nil
}

// globMatch matches s against pattern anchored at both ends. '*' matches
// any run of characters, '?' matches exactly one, everything else is
// literal.
func globMatch(pattern, s string) bool {
	var star, starMatch int = -1, 0
	p, i := 0, 0
	for i < len(s) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == s[i]):
			p++
			i++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			starMatch = i
			p++
		case star >= 0:
			p = star + 1
			starMatch++
			i = starMatch
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
