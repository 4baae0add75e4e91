package flow

import (
	"fmt"
	"strings"

	"github.com/dshills/stateflow-go/flow/jsonval"
)

// resolveParameters walks a static template and substitutes every key
// ending in ".$" with the value its expression produces. The stripped key
// (without the suffix) is used in the output. Non-suffixed values are
// structurally copied, recursing into objects and arrays.
//
//	{"n.$": "$$.Map.Item.Value", "fixed": 1}
//
// yields {"n": <item>, "fixed": 1}.
func resolveParameters(template any, doc any, ctxObj *jsonval.Object, env *Environment) (any, error) {
	switch t := template.(type) {
	case *jsonval.Object:
		out := jsonval.NewObject()
		var walkErr error
		t.Range(func(k string, v any) bool {
			if strings.HasSuffix(k, ".$") {
				expr, ok := v.(string)
				if !ok {
					walkErr = NewError(ErrorCodeParameterPathFailure,
						fmt.Sprintf("template key %q must hold a string expression, got %s", k, jsonval.TypeName(v)))
					return false
				}
				resolved, err := evalExpression(expr, doc, ctxObj, env)
				if err != nil {
					walkErr = err
					return false
				}
				out.Set(strings.TrimSuffix(k, ".$"), resolved)
				return true
			}
			child, err := resolveParameters(v, doc, ctxObj, env)
			if err != nil {
				walkErr = err
				return false
			}
			out.Set(k, child)
			return true
		})
		if walkErr != nil {
			return nil, walkErr
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			child, err := resolveParameters(el, doc, ctxObj, env)
			if err != nil {
				return nil, err
			}
			out[i] = child
		}
		return out, nil
	default:
		return jsonval.DeepCopy(template), nil
	}
}

// wrapScalar enforces the object-typed state input invariant: scalars are
// wrapped as {"value": v}; objects and arrays pass through, and nil
// becomes an empty object.
func wrapScalar(v any) any {
	switch v.(type) {
	case *jsonval.Object, []any:
		return v
	case nil:
		return jsonval.NewObject()
	default:
		return jsonval.FromPairs("value", v)
	}
}

// shallowMerge merges result over input when both are objects: input keys
// first, result keys winning on conflict. Non-object operands yield the
// result alone.
func shallowMerge(input, result any) any {
	in, iok := input.(*jsonval.Object)
	res, rok := result.(*jsonval.Object)
	if !iok || !rok {
		return result
	}
	merged := in.Clone()
	res.Range(func(k string, v any) bool {
		merged.Set(k, jsonval.DeepCopy(v))
		return true
	})
	return merged
}
