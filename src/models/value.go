package models

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is one node of a JSON-like document tree. The zero Value is null.
type Value struct {
	kind Kind

	b bool

	// Numbers keep a float64 for comparisons and remember whether the
	// literal was integral, in which case i holds the exact integer.
	n        float64
	i        int64
	integral bool

	s   string
	arr []Value
	obj Document
}

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Int(i int64) Value { return Value{kind: KindNumber, n: float64(i), i: i, integral: true} }

func Float(f float64) Value { return Value{kind: KindNumber, n: f} }

func String(s string) Value { return Value{kind: KindString, s: s} }

func Array(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindArray, arr: items}
}

func Object(doc Document) Value {
	if doc == nil {
		doc = Document{}
	}
	return Value{kind: KindObject, obj: doc}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// IsIntegral reports whether the value is a number written without a
// fractional part or exponent.
func (v Value) IsIntegral() bool { return v.kind == KindNumber && v.integral }

func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

func (v Value) AsArray() ([]Value, bool) { return v.arr, v.kind == KindArray }

func (v Value) AsObject() (Document, bool) { return v.obj, v.kind == KindObject }

// Clone returns a deep copy that shares no arrays or objects with v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		items := make([]Value, len(v.arr))
		for i, item := range v.arr {
			items[i] = item.Clone()
		}
		return Value{kind: KindArray, arr: items}
	case KindObject:
		return Value{kind: KindObject, obj: v.obj.Clone()}
	}
	return v
}

// Equal reports deep equality. Numbers compare by value, so 1 equals 1.0.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindNumber:
		if a, ok := v.exactInt(); ok {
			if b, ok := other.exactInt(); ok {
				return a == b
			}
		}
		return v.n == other.n
	case KindString:
		return v.s == other.s
	case KindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		return v.obj.Equal(other.obj)
	}
	return false
}

// exactInt returns the number as an int64 when it holds a whole value in
// range, so integers past 2^53 compare exactly and 2 matches 2.0.
func (v Value) exactInt() (int64, bool) {
	if v.integral {
		return v.i, true
	}
	if v.n == math.Trunc(v.n) && v.n >= -(1<<63) && v.n < 1<<63 {
		return int64(v.n), true
	}
	return 0, false
}

// Compare orders two values of the same orderable kind (number, string,
// bool). ok is false when the pair has no natural ordering.
func (v Value) Compare(other Value) (cmp int, ok bool) {
	if v.kind != other.kind {
		return 0, false
	}
	switch v.kind {
	case KindNumber:
		if a, ok := v.exactInt(); ok {
			if b, ok := other.exactInt(); ok {
				switch {
				case a < b:
					return -1, true
				case a > b:
					return 1, true
				}
				return 0, true
			}
		}
		switch {
		case v.n < other.n:
			return -1, true
		case v.n > other.n:
			return 1, true
		}
		return 0, true
	case KindString:
		return strings.Compare(v.s, other.s), true
	case KindBool:
		switch {
		case v.b == other.b:
			return 0, true
		case !v.b:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// Key returns a canonical string for the value. Two values share a key
// exactly when Equal reports true.
func (v Value) Key() string {
	var sb strings.Builder
	v.writeKey(&sb)
	return sb.String()
}

func (v Value) writeKey(sb *strings.Builder) {
	switch v.kind {
	case KindNull:
		sb.WriteString("z")
	case KindBool:
		if v.b {
			sb.WriteString("b1")
		} else {
			sb.WriteString("b0")
		}
	case KindNumber:
		sb.WriteString("n")
		if i, ok := v.exactInt(); ok {
			sb.WriteString(strconv.FormatInt(i, 10))
		} else {
			sb.WriteString(strconv.FormatFloat(v.n, 'g', -1, 64))
		}
	case KindString:
		sb.WriteString("s")
		sb.WriteString(strconv.Quote(v.s))
	case KindArray:
		sb.WriteString("a[")
		for i, item := range v.arr {
			if i > 0 {
				sb.WriteByte(',')
			}
			item.writeKey(sb)
		}
		sb.WriteByte(']')
	case KindObject:
		sb.WriteString("o{")
		for i, k := range v.obj.Keys() {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			v.obj[k].writeKey(sb)
		}
		sb.WriteByte('}')
	}
}

// Native converts the value into plain Go types: nil, bool, int64, float64,
// string, []any and map[string]any.
func (v Value) Native() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		if v.integral {
			return v.i
		}
		return v.n
	case KindString:
		return v.s
	case KindArray:
		items := make([]any, len(v.arr))
		for i, item := range v.arr {
			items[i] = item.Native()
		}
		return items
	case KindObject:
		return v.obj.Native()
	}
	return nil
}

func (v Value) String() string {
	if v.kind == KindString {
		return strconv.Quote(v.s)
	}
	b, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%s>", v.kind)
	}
	return string(b)
}

// jsonNumber matches the Number types of encoding/json and go-json without
// importing either.
type jsonNumber interface {
	Int64() (int64, error)
	Float64() (float64, error)
	String() string
}

// FromNative converts decoded JSON or BSON data into a Value.
func FromNative(raw any) (Value, error) {
	switch val := raw.(type) {
	case nil:
		return Null(), nil
	case Value:
		return val, nil
	case Document:
		return Object(val), nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Int(int64(val)), nil
	case int8:
		return Int(int64(val)), nil
	case int16:
		return Int(int64(val)), nil
	case int32:
		return Int(int64(val)), nil
	case int64:
		return Int(val), nil
	case uint8:
		return Int(int64(val)), nil
	case uint16:
		return Int(int64(val)), nil
	case uint32:
		return Int(int64(val)), nil
	case uint64:
		if val > math.MaxInt64 {
			return Float(float64(val)), nil
		}
		return Int(int64(val)), nil
	case float32:
		return Float(float64(val)), nil
	case float64:
		return Float(val), nil
	case jsonNumber:
		return numberFromLiteral(val)
	case []Value:
		return Array(val...), nil
	case []any:
		return arrayFromNative(val)
	case primitive.A:
		return arrayFromNative([]any(val))
	case map[string]any:
		return objectFromNative(val)
	case primitive.M:
		return objectFromNative(map[string]any(val))
	case primitive.D:
		doc := make(Document, len(val))
		for _, e := range val {
			item, err := FromNative(e.Value)
			if err != nil {
				return Value{}, fmt.Errorf("field %q: %w", e.Key, err)
			}
			doc[e.Key] = item
		}
		return Object(doc), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", raw)
}

func numberFromLiteral(num jsonNumber) (Value, error) {
	lit := num.String()
	if !strings.ContainsAny(lit, ".eE") {
		if i, err := num.Int64(); err == nil {
			return Int(i), nil
		}
	}
	f, err := num.Float64()
	if err != nil {
		return Value{}, fmt.Errorf("invalid number %q: %w", lit, err)
	}
	return Float(f), nil
}

func arrayFromNative(items []any) (Value, error) {
	out := make([]Value, len(items))
	for i, item := range items {
		v, err := FromNative(item)
		if err != nil {
			return Value{}, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = v
	}
	return Array(out...), nil
}

func objectFromNative(m map[string]any) (Value, error) {
	doc := make(Document, len(m))
	for k, item := range m {
		v, err := FromNative(item)
		if err != nil {
			return Value{}, fmt.Errorf("field %q: %w", k, err)
		}
		doc[k] = v
	}
	return Object(doc), nil
}

func sortedKeys(doc Document) []string {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
