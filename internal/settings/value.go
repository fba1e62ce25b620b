// Package settings resolves dynamic configuration: JSON documents in the
// settings table, typed access over a tagged union, and seeded defaults
// compiled into the binary. Resolution is fresh per operation; nothing here
// caches across scheduler ticks.
package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Kind tags the decoded JSON shape of a setting value.
type Kind int

// Value kinds.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Value is one decoded setting. Only the field matching Kind is meaningful.
// Numbers are split by shape: integral JSON literals decode as Int, the
// rest as Float; both are always finite.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Float  float64
	Str    string
	List   []Value
	Object map[string]Value
}

// DecodeError reports a settings row whose JSON document does not decode,
// including non-finite numbers from overflowing literals.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("setting %q: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TypeError reports a typed accessor applied to a value of another kind.
type TypeError struct {
	Key  string
	Want Kind
	Got  Kind
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("setting %q: want %s, got %s", e.Key, e.Want, e.Got)
}

// Parse decodes one setting document. The key is carried only for error
// reporting.
func Parse(key, raw string) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Value{}, &DecodeError{Key: key, Err: err}
	}
	if dec.More() {
		return Value{}, &DecodeError{Key: key, Err: fmt.Errorf("trailing data after document")}
	}
	v, err := fromAny(doc)
	if err != nil {
		return Value{}, &DecodeError{Key: key, Err: err}
	}
	return v, nil
}

func fromAny(doc any) (Value, error) {
	switch d := doc.(type) {
	case nil:
		return Value{Kind: KindNull}, nil
	case bool:
		return Value{Kind: KindBool, Bool: d}, nil
	case string:
		return Value{Kind: KindString, Str: d}, nil
	case json.Number:
		return fromNumber(d)
	case []any:
		list := make([]Value, len(d))
		for i, el := range d {
			v, err := fromAny(el)
			if err != nil {
				return Value{}, err
			}
			list[i] = v
		}
		return Value{Kind: KindList, List: list}, nil
	case map[string]any:
		obj := make(map[string]Value, len(d))
		keys := make([]string, 0, len(d))
		for k := range d {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, err := fromAny(d[k])
			if err != nil {
				return Value{}, err
			}
			obj[k] = v
		}
		return Value{Kind: KindObject, Object: obj}, nil
	default:
		return Value{}, fmt.Errorf("unsupported JSON shape %T", doc)
	}
}

func fromNumber(n json.Number) (Value, error) {
	if i, err := n.Int64(); err == nil {
		return Value{Kind: KindInt, Int: i}, nil
	}
	f, err := n.Float64()
	if err != nil {
		return Value{}, fmt.Errorf("number %s: %w", n.String(), err)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return Value{}, fmt.Errorf("number %s is not finite", n.String())
	}
	return Value{Kind: KindFloat, Float: f}, nil
}
