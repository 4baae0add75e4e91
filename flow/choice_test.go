package flow

import "testing"

func leafRule(variable, operator string, operand any) *ChoiceRule {
	return &ChoiceRule{Variable: variable, Operator: operator, Operand: operand}
}

func TestEvalComparator(t *testing.T) {
	doc := mustDecode(t, `{
		"s": "banana",
		"n": 42,
		"f": 42.0,
		"b": true,
		"nil": null,
		"ts": "2025-06-01T12:00:00Z",
		"other": "banana",
		"limit": 50
	}`)

	tests := []struct {
		name string
		rule *ChoiceRule
		want bool
	}{
		{"string equals", leafRule("$.s", "StringEquals", "banana"), true},
		{"string not equals", leafRule("$.s", "StringEquals", "apple"), false},
		{"string less than", leafRule("$.s", "StringLessThan", "cherry"), true},
		{"string greater than equals", leafRule("$.s", "StringGreaterThanEquals", "banana"), true},
		{"string equals path", leafRule("$.s", "StringEqualsPath", "$.other"), true},
		{"string matches star", leafRule("$.s", "StringMatches", "ban*"), true},
		{"string matches question mark", leafRule("$.s", "StringMatches", "banan?"), true},
		{"string matches anchored", leafRule("$.s", "StringMatches", "anana"), false},
		{"string matches middle star", leafRule("$.s", "StringMatches", "b*a"), true},
		{"numeric equals int", leafRule("$.n", "NumericEquals", int64(42)), true},
		{"numeric equals across int and float", leafRule("$.f", "NumericEquals", int64(42)), true},
		{"numeric less than path", leafRule("$.n", "NumericLessThanPath", "$.limit"), true},
		{"numeric greater than", leafRule("$.n", "NumericGreaterThan", int64(100)), false},
		{"numeric against string is false", leafRule("$.s", "NumericEquals", int64(1)), false},
		{"boolean equals", leafRule("$.b", "BooleanEquals", true), true},
		{"is present true", leafRule("$.s", "IsPresent", true), true},
		{"is present missing", leafRule("$.absent", "IsPresent", true), false},
		{"is present negated on missing", leafRule("$.absent", "IsPresent", false), true},
		{"is null on null", leafRule("$.nil", "IsNull", true), true},
		{"is null on missing", leafRule("$.absent", "IsNull", true), true},
		{"is null false on value", leafRule("$.s", "IsNull", true), false},
		{"is string", leafRule("$.s", "IsString", true), true},
		{"is numeric", leafRule("$.n", "IsNumeric", true), true},
		{"is boolean", leafRule("$.b", "IsBoolean", true), true},
		{"is timestamp", leafRule("$.ts", "IsTimestamp", true), true},
		{"is timestamp on plain string", leafRule("$.s", "IsTimestamp", true), false},
		{"missing lhs fails comparator", leafRule("$.absent", "StringEquals", "x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evalChoiceRule(tt.rule, doc, nil)
			if err != nil {
				t.Fatalf("evalChoiceRule: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvalCompoundRules(t *testing.T) {
	doc := mustDecode(t, `{"n":5,"s":"go"}`)

	t.Run("and", func(t *testing.T) {
		rule := &ChoiceRule{And: []*ChoiceRule{
			leafRule("$.n", "NumericGreaterThan", int64(1)),
			leafRule("$.s", "StringEquals", "go"),
		}}
		if ok, err := evalChoiceRule(rule, doc, nil); err != nil || !ok {
			t.Errorf("and = %v, %v", ok, err)
		}
	})

	t.Run("or short circuits", func(t *testing.T) {
		rule := &ChoiceRule{Or: []*ChoiceRule{
			leafRule("$.n", "NumericGreaterThan", int64(100)),
			leafRule("$.s", "StringEquals", "go"),
		}}
		if ok, err := evalChoiceRule(rule, doc, nil); err != nil || !ok {
			t.Errorf("or = %v, %v", ok, err)
		}
	})

	t.Run("not", func(t *testing.T) {
		rule := &ChoiceRule{Not: leafRule("$.n", "NumericEquals", int64(5))}
		if ok, err := evalChoiceRule(rule, doc, nil); err != nil || ok {
			t.Errorf("not = %v, %v", ok, err)
		}
	})

	t.Run("nested", func(t *testing.T) {
		rule := &ChoiceRule{And: []*ChoiceRule{
			{Not: leafRule("$.n", "NumericGreaterThan", int64(10))},
			{Or: []*ChoiceRule{
				leafRule("$.s", "StringEquals", "rust"),
				leafRule("$.s", "StringEquals", "go"),
			}},
		}}
		if ok, err := evalChoiceRule(rule, doc, nil); err != nil || !ok {
			t.Errorf("nested = %v, %v", ok, err)
		}
	})
}

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pattern, s string
		want       bool
	}{
		{"*", "anything", true},
		{"*", "", true},
		{"a*c", "abc", true},
		{"a*c", "ac", true},
		{"a*c", "abd", false},
		{"*.json", "workflow.json", true},
		{"*.json", "workflow.yaml", false},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"**", "x", true},
		{"", "", true},
		{"", "x", false},
	}
	for _, tt := range tests {
		if got := globMatch(tt.pattern, tt.s); got != tt.want {
			t.Errorf("globMatch(%q, %q) = %v, want %v", tt.pattern, tt.s, got, tt.want)
		}
	}
}
