package flow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dshills/stateflow-go/flow/jsonval"
)

// Path expressions address locations in the execution state ("$") or the
// read-only context object ("$$"). Supported grammar:
//
//	$                whole state
//	$.a.b            property access
//	$.items[2]       bracketed index (non-negative)
//	$$.Map.Item.Value  context object access
//
// Reads distinguish "missing" from "present but null": a read that walks
// off the document returns ok=false with no error, so IsPresent consumers
// can observe absence while other consumers raise
// States.ParameterPathFailure.

// pathSegment is one step of a parsed path: a key or an index.
type pathSegment struct {
	key   string
	index int
	isKey bool
}

// parsedPath is a compiled path expression.
type parsedPath struct {
	expr     string
	segments []pathSegment
	context  bool // true for $$ paths
}

// parsePath compiles a path expression. It rejects negative indexes,
// empty property names, and expressions not rooted at $ or $$.
func parsePath(expr string) (*parsedPath, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty path expression")
	}
	rest := expr
	p := &parsedPath{expr: expr}
	switch {
	case strings.HasPrefix(rest, "$$"):
		p.context = true
		rest = rest[2:]
	case strings.HasPrefix(rest, "$"):
		rest = rest[1:]
	default:
		return nil, fmt.Errorf("path %q must start with $ or $$", expr)
	}
	for len(rest) > 0 {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			end := 0
			for end < len(rest) && rest[end] != '.' && rest[end] != '[' {
				end++
			}
			if end == 0 {
				return nil, fmt.Errorf("path %q has an empty property name", expr)
			}
			p.segments = append(p.segments, pathSegment{key: rest[:end], isKey: true})
			rest = rest[end:]
		case '[':
			closing := strings.IndexByte(rest, ']')
			if closing < 0 {
				return nil, fmt.Errorf("path %q has an unterminated index", expr)
			}
			idx, err := strconv.Atoi(rest[1:closing])
			if err != nil {
				return nil, fmt.Errorf("path %q has a non-integer index: %v", expr, err)
			}
			if idx < 0 {
				return nil, fmt.Errorf("path %q uses a negative index", expr)
			}
			p.segments = append(p.segments, pathSegment{index: idx})
			rest = rest[closing+1:]
		default:
			return nil, fmt.Errorf("path %q has unexpected character %q", expr, rest[0])
		}
	}
	return p, nil
}

// pathRead resolves expr against doc (for $ paths) or ctxObj (for $$
// paths). A missing location returns (nil, false, nil); malformed
// expressions return an error.
func pathRead(expr string, doc any, ctxObj *jsonval.Object) (any, bool, error) {
	p, err := parsePath(expr)
	if err != nil {
		return nil, false, err
	}
	root := doc
	if p.context {
		if ctxObj == nil {
			return nil, false, nil
		}
		root = ctxObj
	}
	return p.read(root)
}

func (p *parsedPath) read(root any) (any, bool, error) {
	cur := root
	for _, seg := range p.segments {
		if seg.isKey {
			obj, ok := cur.(*jsonval.Object)
			if !ok {
				return nil, false, nil
			}
			v, present := obj.Get(seg.key)
			if !present {
				return nil, false, nil
			}
			cur = v
			continue
		}
		arr, ok := cur.([]any)
		if !ok || seg.index >= len(arr) {
			return nil, false, nil
		}
		cur = arr[seg.index]
	}
	return cur, true, nil
}

// pathWrite returns a new document with value placed at expr. The input
// document is not mutated. Missing intermediate objects are created;
// writing through a non-object (or indexing past an array) raises
// States.ResultPathMatchFailure. "$" replaces the whole document.
func pathWrite(expr string, doc any, value any) (any, error) {
	p, err := parsePath(expr)
	if err != nil {
		return nil, NewError(ErrorCodeResultPathFailure, err.Error())
	}
	if p.context {
		return nil, NewError(ErrorCodeResultPathFailure, "cannot write to context path "+expr)
	}
	if len(p.segments) == 0 {
		return value, nil
	}
	root := jsonval.DeepCopy(doc)
	if root == nil {
		root = jsonval.NewObject()
	}
	if err := writeInto(root, p.segments, value, expr); err != nil {
		return nil, err
	}
	return root, nil
}

func writeInto(cur any, segs []pathSegment, value any, expr string) error {
	seg := segs[0]
	last := len(segs) == 1

	if seg.isKey {
		obj, ok := cur.(*jsonval.Object)
		if !ok {
			return NewError(ErrorCodeResultPathFailure,
				fmt.Sprintf("path %s traverses a %s, not an object", expr, jsonval.TypeName(cur)))
		}
		if last {
			obj.Set(seg.key, value)
			return nil
		}
		child, present := obj.Get(seg.key)
		if !present || child == nil {
			child = jsonval.NewObject()
			obj.Set(seg.key, child)
		}
		return writeInto(child, segs[1:], value, expr)
	}

	arr, ok := cur.([]any)
	if !ok {
		return NewError(ErrorCodeResultPathFailure,
			fmt.Sprintf("path %s indexes a %s, not an array", expr, jsonval.TypeName(cur)))
	}
	if seg.index >= len(arr) {
		return NewError(ErrorCodeResultPathFailure,
			fmt.Sprintf("path %s index %d out of range (len %d)", expr, seg.index, len(arr)))
	}
	if last {
		arr[seg.index] = value
		return nil
	}
	return writeInto(arr[seg.index], segs[1:], value, expr)
}

// isPathExpression reports whether s looks like a path rather than an
// intrinsic invocation or literal.
func isPathExpression(s string) bool {
	return strings.HasPrefix(s, "$")
}
