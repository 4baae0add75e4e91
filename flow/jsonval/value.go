// Package jsonval provides the dynamic JSON document model used as the
// execution state of a workflow.
//
// A value is one of:
//   - nil
//   - bool
//   - int64 or float64 (decoded numbers keep their integer/floating identity)
//   - string
//   - *Object (a JSON object with insertion-ordered keys)
//   - []any (a JSON array)
//
// Unlike map[string]any, *Object preserves the key order of the source
// document across decode/encode round-trips. Workflow authors see their
// parameters, results, and traces in the order they wrote them.
package jsonval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Object is a JSON object that preserves key insertion order.
//
// The zero value is not usable; create instances with NewObject or Decode.
// Object is not safe for concurrent mutation.
type Object struct {
	keys  []string
	items map[string]any
}

// NewObject creates an empty ordered object.
func NewObject() *Object {
	return &Object{items: make(map[string]any)}
}

// FromPairs builds an object from alternating key/value arguments.
// It panics if the argument count is odd or a key is not a string;
// it is intended for literals in tests and templates.
func FromPairs(pairs ...any) *Object {
	if len(pairs)%2 != 0 {
		panic("jsonval: FromPairs requires an even number of arguments")
	}
	o := NewObject()
	for i := 0; i < len(pairs); i += 2 {
		k, ok := pairs[i].(string)
		if !ok {
			panic(fmt.Sprintf("jsonval: FromPairs key %d is %T, not string", i/2, pairs[i]))
		}
		o.Set(k, pairs[i+1])
	}
	return o
}

// Len returns the number of keys.
func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.keys)
}

// Keys returns a copy of the key list in insertion order.
func (o *Object) Keys() []string {
	if o == nil {
		return nil
	}
	out := make([]string, len(o.keys))
	copy(out, o.keys)
	return out
}

// Get returns the value for key and whether it is present.
// A present key with a null value returns (nil, true).
func (o *Object) Get(key string) (any, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.items[key]
	return v, ok
}

// Set stores value under key. Setting an existing key keeps its position;
// a new key is appended.
func (o *Object) Set(key string, value any) {
	if _, ok := o.items[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.items[key] = value
}

// Delete removes key if present.
func (o *Object) Delete(key string) {
	if _, ok := o.items[key]; !ok {
		return
	}
	delete(o.items, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Range calls fn for each key/value pair in insertion order.
// Iteration stops if fn returns false.
func (o *Object) Range(fn func(key string, value any) bool) {
	if o == nil {
		return
	}
	for _, k := range o.keys {
		if !fn(k, o.items[k]) {
			return
		}
	}
}

// Clone returns a deep copy of the object.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	out := NewObject()
	for _, k := range o.keys {
		out.Set(k, DeepCopy(o.items[k]))
	}
	return out
}

// MarshalJSON encodes the object with keys in insertion order.
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, o); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving key order.
func (o *Object) UnmarshalJSON(data []byte) error {
	v, err := Decode(data)
	if err != nil {
		return err
	}
	obj, ok := v.(*Object)
	if !ok {
		return fmt.Errorf("jsonval: expected object, got %s", TypeName(v))
	}
	o.keys = obj.keys
	o.items = obj.items
	return nil
}

// Decode parses JSON bytes into the jsonval representation.
// Objects become *Object, arrays []any, and numbers int64 or float64
// depending on whether the literal contains a fraction or exponent.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	// Reject trailing tokens so partially-valid documents fail loudly.
	if dec.More() {
		return nil, fmt.Errorf("jsonval: trailing data after JSON value")
	}
	return v, nil
}

// Encode serializes a jsonval value to JSON bytes.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeString serializes v and returns the JSON text, or "" on error.
func EncodeString(v any) string {
	b, err := Encode(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (any, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := NewObject()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("jsonval: object key is %T", keyTok)
				}
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				obj.Set(key, val)
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return nil, err
			}
			return obj, nil
		case '[':
			arr := make([]any, 0)
			for dec.More() {
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, val)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, err
			}
			return arr, nil
		}
		return nil, fmt.Errorf("jsonval: unexpected delimiter %v", t)
	case json.Number:
		return decodeNumber(t)
	case string, bool, nil:
		return t, nil
	default:
		return nil, fmt.Errorf("jsonval: unexpected token %T", tok)
	}
}

func decodeNumber(n json.Number) (any, error) {
	s := n.String()
	if !bytes.ContainsAny([]byte(s), ".eE") {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("jsonval: bad number %q: %w", s, err)
	}
	return f, nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case int:
		buf.WriteString(strconv.Itoa(t))
	case float64:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	case *Object:
		buf.WriteByte('{')
		for i, k := range t.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeValue(buf, t.items[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		// Host-supplied Go values (maps, structs, smaller ints) fall back to
		// encoding/json and are normalized on the next Decode.
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// DeepCopy returns a structurally independent copy of v.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case *Object:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = DeepCopy(el)
		}
		return out
	default:
		// Scalars are immutable.
		return v
	}
}

// Normalize converts arbitrary JSON-marshalable Go values (maps, slices,
// ints, structs) into the jsonval representation via an encode/decode
// round-trip. jsonval values pass through by deep copy.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, bool, int64, float64, string, *Object, []any:
		return DeepCopy(v), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jsonval: cannot normalize %T: %w", v, err)
	}
	return Decode(b)
}

// Number extracts a numeric value as float64. The second return is false
// for non-numeric values.
func Number(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

// IsInteger reports whether v is an integer-typed number.
func IsInteger(v any) bool {
	switch v.(type) {
	case int64, int:
		return true
	}
	return false
}

// Equal reports deep structural equality. Numbers are compared
// numerically, so int64(2) equals float64(2).
func Equal(a, b any) bool {
	if an, ok := Number(a); ok {
		bn, bok := Number(b)
		return bok && an == bn
	}
	switch at := a.(type) {
	case nil:
		return b == nil
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case *Object:
		bt, ok := b.(*Object)
		if !ok || at.Len() != bt.Len() {
			return false
		}
		for _, k := range at.keys {
			bv, present := bt.Get(k)
			if !present || !Equal(at.items[k], bv) {
				return false
			}
		}
		return true
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !Equal(at[i], bt[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// TypeName returns the JSON type name of v, for error messages.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case int64, float64, int:
		return "number"
	case string:
		return "string"
	case *Object:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// SortedKeys returns the object's keys in lexical order. Used where a
// canonical ordering is needed (hashing, comparisons in tests).
func (o *Object) SortedKeys() []string {
	out := o.Keys()
	sort.Strings(out)
	return out
}
