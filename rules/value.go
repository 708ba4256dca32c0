package rules

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"
)

// Kind is the type of a Value
type Kind uint8

const (
	KindInvalid Kind = iota
	KindNumber
	KindString
	KindBool
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	default:
		return "invalid"
	}
}

// Value is an immutable scalar, or a flat list of scalars, used as a check's
// comparison operand and as the normalised form of a fact.
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
	list []Value
}

// Number returns a numeric Value
func Number(f float64) Value {
	return Value{kind: KindNumber, num: f}
}

// String returns a string Value
func String(s string) Value {
	return Value{kind: KindString, str: s}
}

// Bool returns a boolean Value
func Bool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

// ListOf returns a list Value. The result is KindInvalid if any element is
// itself a list or invalid.
func ListOf(items ...Value) Value {
	cp := make([]Value, len(items))
	for i, item := range items {
		if item.kind == KindInvalid || item.kind == KindList {
			return Value{}
		}
		cp[i] = item
	}
	return Value{kind: KindList, list: cp}
}

// Kind returns the value's kind
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v holds anything
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Float returns the number held by v
func (v Value) Float() (float64, bool) { return v.num, v.kind == KindNumber }

// Str returns the string held by v
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// BoolValue returns the boolean held by v
func (v Value) BoolValue() (bool, bool) { return v.b, v.kind == KindBool }

// Items returns a copy of the list elements held by v
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	cp := make([]Value, len(v.list))
	copy(cp, v.list)
	return cp
}

// Equal is structural equality with no coercion between kinds
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num == other.num
	case KindString:
		return v.str == other.str
	case KindBool:
		return v.b == other.b
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Contains reports list membership (for lists) or substring (for strings)
func (v Value) Contains(needle Value) bool {
	switch v.kind {
	case KindList:
		for _, item := range v.list {
			if item.Equal(needle) {
				return true
			}
		}
		return false
	case KindString:
		s, ok := needle.Str()
		return ok && strings.Contains(v.str, s)
	default:
		return false
	}
}

// Interface returns v in wire form: float64, string, bool or []any
func (v Value) Interface() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// ValueOf normalises a decoded wire value or a Go fact into a Value.
// Signed, unsigned and floating point numbers all become KindNumber; slices
// of scalars become KindList. Anything else (nil, maps, structs, nested
// lists, NaN, ±Inf) is rejected, and so are integers beyond ±2^53, which a
// float64 cannot hold exactly. Large identifiers belong in string facts.
func ValueOf(x any) (Value, bool) {
	if n, ok := asFloat64(x); ok {
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return Value{}, false
		}
		return Number(n), true
	}

	switch t := x.(type) {
	case nil:
		return Value{}, false
	case string:
		return String(t), true
	case bool:
		return Bool(t), true
	case Value:
		return t, t.IsValid()
	case []any:
		return listOf(len(t), func(i int) any { return t[i] })
	case []string:
		return listOf(len(t), func(i int) any { return t[i] })
	}

	rv := reflect.ValueOf(x)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		return listOf(rv.Len(), func(i int) any { return rv.Index(i).Interface() })
	}
	return Value{}, false
}

func listOf(n int, at func(int) any) (Value, bool) {
	items := make([]Value, n)
	for i := 0; i < n; i++ {
		item, ok := ValueOf(at(i))
		if !ok || item.kind == KindList {
			return Value{}, false
		}
		items[i] = item
	}
	return Value{kind: KindList, list: items}, true
}

// maxExactInt bounds the integers every float64 represents exactly
const maxExactInt = 1 << 53

func exactInt(n int64) (float64, bool) {
	if n > maxExactInt || n < -maxExactInt {
		return 0, false
	}
	return float64(n), true
}

func exactUint(n uint64) (float64, bool) {
	if n > maxExactInt {
		return 0, false
	}
	return float64(n), true
}

func asFloat64(x any) (float64, bool) {
	switch n := x.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return exactInt(int64(n))
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return exactInt(n)
	case uint:
		return exactUint(uint64(n))
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return exactUint(n)
	case json.Number:
		if !strings.ContainsAny(string(n), ".eE") {
			i, err := n.Int64()
			if err != nil {
				return 0, false
			}
			return exactInt(i)
		}
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
