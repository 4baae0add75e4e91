package flow

import (
	"crypto/md5"  // #nosec G501 -- md5 offered as a checksum algorithm, not for security
	"crypto/sha1" // #nosec G505 -- sha1 offered as a checksum algorithm, not for security
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/dshills/stateflow-go/flow/jsonval"
)

// Intrinsic functions are the small expression language available to any
// ".$" template value that begins with "States.". Arguments are
// themselves expressions: string literals in single quotes (escape \'),
// numbers, booleans, null, paths, or nested intrinsic calls.
//
//	States.Format('order {} total {}', $.id, States.MathAdd($.net, $.tax))

// evalExpression evaluates a ".$" expression: a path read or an intrinsic
// call. A path that resolves to nothing raises States.ParameterPathFailure.
func evalExpression(expr string, doc any, ctxObj *jsonval.Object, env *Environment) (any, error) {
	v, present, err := evalExpressionOpt(expr, doc, ctxObj, env)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, NewError(ErrorCodeParameterPathFailure, "path "+strings.TrimSpace(expr)+" resolved to nothing")
	}
	return v, nil
}

// evalExpressionOpt is evalExpression with missing reported out-of-band,
// for consumers (IsPresent, Coalesce) that need to observe absence.
func evalExpressionOpt(expr string, doc any, ctxObj *jsonval.Object, env *Environment) (any, bool, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, "States."):
		v, err := evalIntrinsic(expr, doc, ctxObj, env)
		return v, err == nil, err
	case isPathExpression(expr):
		v, ok, err := pathRead(expr, doc, ctxObj)
		if err != nil {
			return nil, false, NewError(ErrorCodeParameterPathFailure, err.Error())
		}
		return v, ok, nil
	default:
		return nil, false, NewError(ErrorCodeParameterPathFailure,
			fmt.Sprintf("%q is neither a path nor an intrinsic invocation", expr))
	}
}

func evalIntrinsic(expr string, doc any, ctxObj *jsonval.Object, env *Environment) (any, error) {
	name, rawArgs, err := splitIntrinsic(expr)
	if err != nil {
		return nil, err
	}
	fn, ok := intrinsicTable[name]
	if !ok {
		return nil, NewError(ErrorCodeIntrinsicFailure, "unknown intrinsic States."+name)
	}
	return fn(intrinsicCall{name: name, rawArgs: rawArgs, doc: doc, ctxObj: ctxObj, env: env})
}

// splitIntrinsic parses "States.Name(a, b)" into the bare name and the
// raw argument substrings (top-level commas only, quote and paren aware).
func splitIntrinsic(expr string) (string, []string, error) {
	open := strings.IndexByte(expr, '(')
	if open < 0 || !strings.HasSuffix(expr, ")") {
		return "", nil, NewError(ErrorCodeIntrinsicFailure, "malformed intrinsic invocation "+expr)
	}
	name := strings.TrimPrefix(expr[:open], "States.")
	body := expr[open+1 : len(expr)-1]
	args, err := splitArgs(body)
	if err != nil {
		return "", nil, err
	}
	return name, args, nil
}

func splitArgs(body string) ([]string, error) {
	if strings.TrimSpace(body) == "" {
		return nil, nil
	}
	var args []string
	depth := 0
	inQuote := false
	start := 0
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case inQuote:
			if c == '\\' {
				i++ // skip escaped character
			} else if c == '\'' {
				inQuote = false
			}
		case c == '\'':
			inQuote = true
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth < 0 {
				return nil, NewError(ErrorCodeIntrinsicFailure, "unbalanced parentheses in arguments")
			}
		case c == ',' && depth == 0:
			args = append(args, strings.TrimSpace(body[start:i]))
			start = i + 1
		}
	}
	if inQuote || depth != 0 {
		return nil, NewError(ErrorCodeIntrinsicFailure, "unterminated intrinsic arguments")
	}
	args = append(args, strings.TrimSpace(body[start:]))
	return args, nil
}

// intrinsicCall carries one invocation's context to its implementation.
type intrinsicCall struct {
	name    string
	rawArgs []string
	doc     any
	ctxObj  *jsonval.Object
	env     *Environment
}

func (c intrinsicCall) arity(want int) error {
	if len(c.rawArgs) != want {
		return NewError(ErrorCodeIntrinsicFailure,
			fmt.Sprintf("States.%s expects %d argument(s), got %d", c.name, want, len(c.rawArgs)))
	}
	return nil
}

func (c intrinsicCall) arityRange(min, max int) error {
	if len(c.rawArgs) < min || len(c.rawArgs) > max {
		return NewError(ErrorCodeIntrinsicFailure,
			fmt.Sprintf("States.%s expects %d-%d arguments, got %d", c.name, min, max, len(c.rawArgs)))
	}
	return nil
}

// arg evaluates the i-th argument. Literals (quoted strings, numbers,
// booleans, null) evaluate directly; anything else recurses through
// evalExpression.
func (c intrinsicCall) arg(i int) (any, error) {
	raw := c.rawArgs[i]
	if v, ok, err := literalValue(raw); ok || err != nil {
		return v, err
	}
	return evalExpression(raw, c.doc, c.ctxObj, c.env)
}

// argOpt evaluates the i-th argument tolerating missing paths.
func (c intrinsicCall) argOpt(i int) (any, bool, error) {
	raw := c.rawArgs[i]
	if v, ok, err := literalValue(raw); ok || err != nil {
		return v, err == nil, err
	}
	return evalExpressionOpt(raw, c.doc, c.ctxObj, c.env)
}

func (c intrinsicCall) stringArg(i int) (string, error) {
	v, err := c.arg(i)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", NewError(ErrorCodeIntrinsicFailure,
			fmt.Sprintf("States.%s argument %d must be a string, got %s", c.name, i+1, jsonval.TypeName(v)))
	}
	return s, nil
}

func (c intrinsicCall) numberArg(i int) (float64, bool, error) {
	v, err := c.arg(i)
	if err != nil {
		return 0, false, err
	}
	n, ok := jsonval.Number(v)
	if !ok {
		return 0, false, NewError(ErrorCodeIntrinsicFailure,
			fmt.Sprintf("States.%s argument %d must be a number, got %s", c.name, i+1, jsonval.TypeName(v)))
	}
	return n, jsonval.IsInteger(v), nil
}

func (c intrinsicCall) intArg(i int) (int64, error) {
	n, isInt, err := c.numberArg(i)
	if err != nil {
		return 0, err
	}
	if !isInt && n != float64(int64(n)) {
		return 0, NewError(ErrorCodeIntrinsicFailure,
			fmt.Sprintf("States.%s argument %d must be an integer", c.name, i+1))
	}
	return int64(n), nil
}

func (c intrinsicCall) arrayArg(i int) ([]any, error) {
	v, err := c.arg(i)
	if err != nil {
		return nil, err
	}
	a, ok := v.([]any)
	if !ok {
		return nil, NewError(ErrorCodeIntrinsicFailure,
			fmt.Sprintf("States.%s argument %d must be an array, got %s", c.name, i+1, jsonval.TypeName(v)))
	}
	return a, nil
}

// literalValue recognizes quoted strings, numbers, booleans, and null.
// Returns ok=false for paths and nested intrinsic calls.
func literalValue(raw string) (any, bool, error) {
	switch {
	case raw == "null":
		return nil, true, nil
	case raw == "true":
		return true, true, nil
	case raw == "false":
		return false, true, nil
	case strings.HasPrefix(raw, "'"):
		s, err := unquoteSingle(raw)
		if err != nil {
			return nil, false, err
		}
		return s, true, nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i, true, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, true, nil
	}
	return nil, false, nil
}

func unquoteSingle(raw string) (string, error) {
	if len(raw) < 2 || !strings.HasSuffix(raw, "'") {
		return "", NewError(ErrorCodeIntrinsicFailure, "unterminated string literal "+raw)
	}
	body := raw[1 : len(raw)-1]
	var sb strings.Builder
	for i := 0; i < len(body); i++ {
		if body[i] == '\\' && i+1 < len(body) {
			i++
			sb.WriteByte(body[i])
			continue
		}
		sb.WriteByte(body[i])
	}
	return sb.String(), nil
}

type intrinsicFunc func(intrinsicCall) (any, error)

// intrinsicTable is filled in init: the Is* predicates evaluate their
// argument through evalIntrinsic, so a static map literal would form an
// initialization cycle.
var intrinsicTable map[string]intrinsicFunc

func init() {
	intrinsicTable = map[string]intrinsicFunc{
		"Format":         intrinsicFormat,
		"StringToJson":   intrinsicStringToJSON,
		"JsonToString":   intrinsicJSONToString,
		"StringSplit":    intrinsicStringSplit,
		"Array":          intrinsicArray,
		"ArrayPartition": intrinsicArrayPartition,
		"ArrayContains":  intrinsicArrayContains,
		"ArrayRange":     intrinsicArrayRange,
		"ArrayGetItem":   intrinsicArrayGetItem,
		"ArrayLength":    intrinsicArrayLength,
		"ArrayUnique":    intrinsicArrayUnique,
		"MathAdd":        intrinsicMathAdd,
		"MathSubtract":   intrinsicMathSubtract,
		"MathMultiply":   intrinsicMathMultiply,
		"MathDivide":     intrinsicMathDivide,
		"MathRandom":     intrinsicMathRandom,
		"Hash":           intrinsicHash,
		"Base64Encode":   intrinsicBase64Encode,
		"Base64Decode":   intrinsicBase64Decode,
		"UUID":           intrinsicUUID,
		"JsonMerge":      intrinsicJSONMerge,
		"IsString":  typePredicate(func(v any) bool { _, ok := v.(string); return ok }),
		"IsNumber":  typePredicate(func(v any) bool { _, ok := jsonval.Number(v); return ok }),
		"IsBoolean": typePredicate(func(v any) bool { _, ok := v.(bool); return ok }),
		"IsNull":    typePredicate(func(v any) bool { return v == nil }),
		"IsArray":   typePredicate(func(v any) bool { _, ok := v.([]any); return ok }),
		"IsObject":  typePredicate(func(v any) bool { _, ok := v.(*jsonval.Object); return ok }),
		"Coalesce":  intrinsicCoalesce,
	}
}

func typePredicate(pred func(any) bool) intrinsicFunc {
	return func(c intrinsicCall) (any, error) {
		if err := c.arity(1); err != nil {
			return nil, err
		}
		v, _, err := c.argOpt(0)
		if err != nil {
			return nil, err
		}
		return pred(v), nil
	}
}

func intrinsicFormat(c intrinsicCall) (any, error) {
	if len(c.rawArgs) < 1 {
		return nil, NewError(ErrorCodeIntrinsicFailure, "States.Format requires a format string")
	}
	format, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	argIdx := 1
	for i := 0; i < len(format); i++ {
		if format[i] == '{' && i+1 < len(format) && format[i+1] == '}' {
			if argIdx >= len(c.rawArgs) {
				return nil, NewError(ErrorCodeIntrinsicFailure, "States.Format has more placeholders than arguments")
			}
			v, err := c.arg(argIdx)
			if err != nil {
				return nil, err
			}
			sb.WriteString(stringify(v))
			argIdx++
			i++
			continue
		}
		sb.WriteByte(format[i])
	}
	if argIdx != len(c.rawArgs) {
		return nil, NewError(ErrorCodeIntrinsicFailure, "States.Format has more arguments than placeholders")
	}
	return sb.String(), nil
}

// stringify renders a value for Format: strings verbatim, everything else
// as compact JSON.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return jsonval.EncodeString(v)
}

func intrinsicStringToJSON(c intrinsicCall) (any, error) {
	if err := c.arity(1); err != nil {
		return nil, err
	}
	s, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	v, err := jsonval.Decode([]byte(s))
	if err != nil {
		return nil, NewError(ErrorCodeIntrinsicFailure, "States.StringToJson: "+err.Error())
	}
	return v, nil
}

func intrinsicJSONToString(c intrinsicCall) (any, error) {
	if err := c.arity(1); err != nil {
		return nil, err
	}
	v, err := c.arg(0)
	if err != nil {
		return nil, err
	}
	b, err := jsonval.Encode(v)
	if err != nil {
		return nil, NewError(ErrorCodeIntrinsicFailure, "States.JsonToString: "+err.Error())
	}
	return string(b), nil
}

func intrinsicStringSplit(c intrinsicCall) (any, error) {
	if err := c.arity(2); err != nil {
		return nil, err
	}
	s, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	sep, err := c.stringArg(1)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(s, sep)
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func intrinsicArray(c intrinsicCall) (any, error) {
	out := make([]any, 0, len(c.rawArgs))
	for i := range c.rawArgs {
		v, err := c.arg(i)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func intrinsicArrayPartition(c intrinsicCall) (any, error) {
	if err := c.arity(2); err != nil {
		return nil, err
	}
	arr, err := c.arrayArg(0)
	if err != nil {
		return nil, err
	}
	size, err := c.intArg(1)
	if err != nil {
		return nil, err
	}
	if size < 1 {
		return nil, NewError(ErrorCodeIntrinsicFailure, "States.ArrayPartition chunk size must be >= 1")
	}
	out := make([]any, 0, (len(arr)+int(size)-1)/int(size))
	for start := 0; start < len(arr); start += int(size) {
		end := start + int(size)
		if end > len(arr) {
			end = len(arr)
		}
		chunk := make([]any, end-start)
		copy(chunk, arr[start:end])
		out = append(out, chunk)
	}
	return out, nil
}

func intrinsicArrayContains(c intrinsicCall) (any, error) {
	if err := c.arity(2); err != nil {
		return nil, err
	}
	arr, err := c.arrayArg(0)
	if err != nil {
		return nil, err
	}
	needle, err := c.arg(1)
	if err != nil {
		return nil, err
	}
	for _, el := range arr {
		if jsonval.Equal(el, needle) {
			return true, nil
		}
	}
	return false, nil
}

func intrinsicArrayRange(c intrinsicCall) (any, error) {
	if err := c.arityRange(2, 3); err != nil {
		return nil, err
	}
	lo, err := c.intArg(0)
	if err != nil {
		return nil, err
	}
	hi, err := c.intArg(1)
	if err != nil {
		return nil, err
	}
	step := int64(1)
	if len(c.rawArgs) == 3 {
		if step, err = c.intArg(2); err != nil {
			return nil, err
		}
	}
	if step == 0 {
		return nil, NewError(ErrorCodeIntrinsicFailure, "States.ArrayRange step cannot be zero")
	}
	out := make([]any, 0)
	if step > 0 {
		for v := lo; v <= hi; v += step {
			out = append(out, v)
		}
	} else {
		for v := lo; v >= hi; v += step {
			out = append(out, v)
		}
	}
	return out, nil
}

func intrinsicArrayGetItem(c intrinsicCall) (any, error) {
	if err := c.arity(2); err != nil {
		return nil, err
	}
	arr, err := c.arrayArg(0)
	if err != nil {
		return nil, err
	}
	idx, err := c.intArg(1)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= int64(len(arr)) {
		return nil, NewError(ErrorCodeIntrinsicFailure,
			fmt.Sprintf("States.ArrayGetItem index %d out of range (len %d)", idx, len(arr)))
	}
	return arr[idx], nil
}

func intrinsicArrayLength(c intrinsicCall) (any, error) {
	if err := c.arity(1); err != nil {
		return nil, err
	}
	arr, err := c.arrayArg(0)
	if err != nil {
		return nil, err
	}
	return int64(len(arr)), nil
}

func intrinsicArrayUnique(c intrinsicCall) (any, error) {
	if err := c.arity(1); err != nil {
		return nil, err
	}
	arr, err := c.arrayArg(0)
	if err != nil {
		return nil, err
	}
	// First occurrence wins; order is preserved.
	out := make([]any, 0, len(arr))
	for _, el := range arr {
		dup := false
		for _, seen := range out {
			if jsonval.Equal(seen, el) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, el)
		}
	}
	return out, nil
}

func intrinsicMathAdd(c intrinsicCall) (any, error) {
	if len(c.rawArgs) < 2 {
		return nil, NewError(ErrorCodeIntrinsicFailure, "States.MathAdd requires at least two arguments")
	}
	sum := 0.0
	allInt := true
	for i := range c.rawArgs {
		n, isInt, err := c.numberArg(i)
		if err != nil {
			return nil, err
		}
		sum += n
		allInt = allInt && isInt
	}
	if allInt {
		return int64(sum), nil
	}
	return sum, nil
}

func binaryMath(c intrinsicCall, op func(a, b float64) float64) (any, error) {
	if err := c.arity(2); err != nil {
		return nil, err
	}
	a, aInt, err := c.numberArg(0)
	if err != nil {
		return nil, err
	}
	b, bInt, err := c.numberArg(1)
	if err != nil {
		return nil, err
	}
	r := op(a, b)
	if aInt && bInt && r == float64(int64(r)) {
		return int64(r), nil
	}
	return r, nil
}

func intrinsicMathSubtract(c intrinsicCall) (any, error) {
	return binaryMath(c, func(a, b float64) float64 { return a - b })
}

func intrinsicMathMultiply(c intrinsicCall) (any, error) {
	return binaryMath(c, func(a, b float64) float64 { return a * b })
}

func intrinsicMathDivide(c intrinsicCall) (any, error) {
	if err := c.arity(2); err != nil {
		return nil, err
	}
	a, _, err := c.numberArg(0)
	if err != nil {
		return nil, err
	}
	b, _, err := c.numberArg(1)
	if err != nil {
		return nil, err
	}
	if b == 0 {
		return nil, NewError(ErrorCodeIntrinsicFailure, "States.MathDivide by zero")
	}
	// Division always yields a float so precision is never silently lost.
	return a / b, nil
}

func intrinsicMathRandom(c intrinsicCall) (any, error) {
	if err := c.arityRange(2, 3); err != nil {
		return nil, err
	}
	lo, err := c.intArg(0)
	if err != nil {
		return nil, err
	}
	hi, err := c.intArg(1)
	if err != nil {
		return nil, err
	}
	if hi < lo {
		return nil, NewError(ErrorCodeIntrinsicFailure, "States.MathRandom bounds are inverted")
	}
	span := hi - lo + 1
	if len(c.rawArgs) == 3 {
		seed, err := c.intArg(2)
		if err != nil {
			return nil, err
		}
		rng := rand.New(rand.NewSource(seed)) // #nosec G404 -- seeded by the workflow author for reproducibility
		return lo + rng.Int63n(span), nil
	}
	return lo + c.env.Int63n(span), nil
}

func intrinsicHash(c intrinsicCall) (any, error) {
	if err := c.arity(2); err != nil {
		return nil, err
	}
	s, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	algo, err := c.stringArg(1)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(algo) {
	case "sha256":
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:]), nil
	case "sha1":
		sum := sha1.Sum([]byte(s)) // #nosec G401
		return hex.EncodeToString(sum[:]), nil
	case "md5":
		sum := md5.Sum([]byte(s)) // #nosec G401
		return hex.EncodeToString(sum[:]), nil
	default:
		return nil, NewError(ErrorCodeIntrinsicFailure, "States.Hash unsupported algorithm "+algo)
	}
}

func intrinsicBase64Encode(c intrinsicCall) (any, error) {
	if err := c.arity(1); err != nil {
		return nil, err
	}
	s, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.EncodeToString([]byte(s)), nil
}

func intrinsicBase64Decode(c intrinsicCall) (any, error) {
	if err := c.arity(1); err != nil {
		return nil, err
	}
	s, err := c.stringArg(0)
	if err != nil {
		return nil, err
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, NewError(ErrorCodeIntrinsicFailure, "States.Base64Decode: "+err.Error())
	}
	return string(b), nil
}

func intrinsicUUID(c intrinsicCall) (any, error) {
	if err := c.arity(0); err != nil {
		return nil, err
	}
	return c.env.NewUUID(), nil
}

func intrinsicJSONMerge(c intrinsicCall) (any, error) {
	if err := c.arity(2); err != nil {
		return nil, err
	}
	a, err := c.arg(0)
	if err != nil {
		return nil, err
	}
	b, err := c.arg(1)
	if err != nil {
		return nil, err
	}
	ao, aok := a.(*jsonval.Object)
	bo, bok := b.(*jsonval.Object)
	if !aok || !bok {
		return nil, NewError(ErrorCodeIntrinsicFailure, "States.JsonMerge arguments must both be objects")
	}
	merged := ao.Clone()
	bo.Range(func(k string, v any) bool {
		merged.Set(k, jsonval.DeepCopy(v))
		return true
	})
	return merged, nil
}

func intrinsicCoalesce(c intrinsicCall) (any, error) {
	if len(c.rawArgs) == 0 {
		return nil, NewError(ErrorCodeIntrinsicFailure, "States.Coalesce requires at least one argument")
	}
	for i := range c.rawArgs {
		v, present, err := c.argOpt(i)
		if err != nil {
			// Unresolvable paths are skipped; real evaluation errors abort.
			var fe *Error
			if asFlowError(err, &fe) && fe.Code == ErrorCodeParameterPathFailure {
				continue
			}
			return nil, err
		}
		if present && v != nil {
			return v, nil
		}
	}
	return nil, nil
}
