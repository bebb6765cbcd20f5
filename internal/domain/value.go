package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// Kind is the type tag of a FlagValue.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindString
	KindNumber
	KindStructured
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindStructured:
		return "structured"
	default:
		return "unknown"
	}
}

// FlagValue is an immutable tagged union over the value types a flag can
// carry. The zero value is null.
type FlagValue struct {
	kind Kind
	b    bool
	s    string
	n    float64
	v    any
}

func Null() FlagValue { return FlagValue{} }

func Bool(b bool) FlagValue { return FlagValue{kind: KindBool, b: b} }

func String(s string) FlagValue { return FlagValue{kind: KindString, s: s} }

func Number(n float64) FlagValue { return FlagValue{kind: KindNumber, n: n} }

// Structured wraps a JSON-compatible object or array. The value is
// normalized (numbers become float64, maps become map[string]any) and
// copied, so later changes to v are not visible through the FlagValue.
func Structured(v any) FlagValue {
	if v == nil {
		return Null()
	}
	return FlagValue{kind: KindStructured, v: normalize(v)}
}

// ValueOf converts a decoded host, JSON or YAML value into a FlagValue.
func ValueOf(v any) FlagValue {
	switch val := v.(type) {
	case nil:
		return Null()
	case FlagValue:
		return val
	case bool:
		return Bool(val)
	case string:
		return String(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return String(val.String())
		}
		return Number(f)
	}

	if f, ok := toFloat64(v); ok {
		return Number(f)
	}
	return Structured(v)
}

func (v FlagValue) Kind() Kind { return v.kind }

func (v FlagValue) IsNull() bool { return v.kind == KindNull }

func (v FlagValue) BoolValue() (bool, bool) {
	return v.b, v.kind == KindBool
}

func (v FlagValue) StringValue() (string, bool) {
	return v.s, v.kind == KindString
}

func (v FlagValue) NumberValue() (float64, bool) {
	return v.n, v.kind == KindNumber
}

// IntValue reports the number as an int when it has no fractional part.
func (v FlagValue) IntValue() (int, bool) {
	if v.kind != KindNumber || v.n != math.Trunc(v.n) {
		return 0, false
	}
	// float64(math.MaxInt) rounds up to 2^63, so bound by -MinInt instead.
	if v.n >= -math.MinInt || v.n < math.MinInt {
		return 0, false
	}
	return int(v.n), true
}

// Any returns the plain Go representation handed to the host. Structured
// values are deep-copied.
func (v FlagValue) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindString:
		return v.s
	case KindNumber:
		return v.n
	case KindStructured:
		return normalize(v.v)
	default:
		return nil
	}
}

func (v FlagValue) Equal(other FlagValue) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == other.b
	case KindString:
		return v.s == other.s
	case KindNumber:
		return v.n == other.n
	case KindStructured:
		return reflect.DeepEqual(v.v, other.v)
	default:
		return true
	}
}

func (v FlagValue) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return v.s
	default:
		data, err := json.Marshal(v.Any())
		if err != nil {
			return fmt.Sprintf("%v", v.Any())
		}
		return string(data)
	}
}

func (v FlagValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

func (v *FlagValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = ValueOf(raw)
	return nil
}

// normalize deep-copies v into the shapes encoding/json produces.
func normalize(v any) any {
	switch val := v.(type) {
	case nil, bool, string:
		return val
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case FlagValue:
		return val.Any()
	}

	if f, ok := toFloat64(v); ok {
		return f
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = normalize(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	}

	// Structs and other values take the JSON round trip.
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}

// toFloat64 converts the numeric kinds to float64
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}
