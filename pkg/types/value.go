package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValueKind discriminates the variants of Value.
type ValueKind int

const (
	NullValue ValueKind = iota
	BoolValue
	IntValue
	FloatValue
	StringValue
	ListValue
	MapValue
)

// Value is a structured attribute value. Principal and resource attribute
// bags are maps of Value rather than raw interface{} so that the evaluator
// sees well-typed data and fails loudly on mismatches instead of coercing.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	m    map[string]Value
}

func Null() Value            { return Value{kind: NullValue} }
func Bool(b bool) Value      { return Value{kind: BoolValue, b: b} }
func Int(i int64) Value      { return Value{kind: IntValue, i: i} }
func Float(f float64) Value  { return Value{kind: FloatValue, f: f} }
func String(s string) Value  { return Value{kind: StringValue, s: s} }
func List(vs ...Value) Value { return Value{kind: ListValue, list: vs} }

func Map(m map[string]Value) Value { return Value{kind: MapValue, m: m} }

// Kind returns the variant of the value.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether the value is the null variant.
func (v Value) IsNull() bool { return v.kind == NullValue }

func (v Value) BoolVal() bool            { return v.b }
func (v Value) IntVal() int64            { return v.i }
func (v Value) FloatVal() float64        { return v.f }
func (v Value) StringVal() string        { return v.s }
func (v Value) ListVal() []Value         { return v.list }
func (v Value) MapVal() map[string]Value { return v.m }

// Native converts the value into the interface{} form the expression
// evaluator consumes. Maps and lists are converted recursively.
func (v Value) Native() interface{} {
	switch v.kind {
	case BoolValue:
		return v.b
	case IntValue:
		return v.i
	case FloatValue:
		return v.f
	case StringValue:
		return v.s
	case ListValue:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.Native()
		}
		return out
	case MapValue:
		out := make(map[string]interface{}, len(v.m))
		for k, item := range v.m {
			out[k] = item.Native()
		}
		return out
	default:
		return nil
	}
}

// NativeMap converts an attribute bag to its interface{} form.
func NativeMap(attrs map[string]Value) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v.Native()
	}
	return out
}

// FromNative builds a Value from decoded JSON/YAML data.
func FromNative(data interface{}) (Value, error) {
	switch t := data.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float64:
		return Float(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Float(f), nil
	case string:
		return String(t), nil
	case []interface{}:
		list := make([]Value, len(t))
		for i, item := range t {
			v, err := FromNative(item)
			if err != nil {
				return Value{}, err
			}
			list[i] = v
		}
		return List(list...), nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := FromNative(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Map(m), nil
	default:
		return Value{}, fmt.Errorf("unsupported attribute type %T", data)
	}
}

// UnmarshalJSON decodes arbitrary JSON into the value, preserving the
// int/float distinction via json.Number.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := fromJSONNative(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func fromJSONNative(data interface{}) (Value, error) {
	switch t := data.(type) {
	case []interface{}:
		list := make([]Value, len(t))
		for i, item := range t {
			parsed, err := fromJSONNative(item)
			if err != nil {
				return Value{}, err
			}
			list[i] = parsed
		}
		return List(list...), nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			parsed, err := fromJSONNative(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = parsed
		}
		return Map(m), nil
	default:
		return FromNative(data)
	}
}

// MarshalJSON encodes the value as plain JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

// UnmarshalYAML decodes a YAML node into the value.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = normalizeYAML(raw)
	parsed, err := FromNative(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// normalizeYAML converts map[interface{}]interface{} keys (older yaml
// behavior) into string keys.
func normalizeYAML(data interface{}) interface{} {
	switch t := data.(type) {
	case map[string]interface{}:
		for k, item := range t {
			t[k] = normalizeYAML(item)
		}
		return t
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return out
	case []interface{}:
		for i, item := range t {
			t[i] = normalizeYAML(item)
		}
		return t
	default:
		return t
	}
}

// writeCanonical appends a canonical, whitespace-free representation of the
// value to buf. Map keys are emitted in sorted order so two values that are
// semantically equal serialize identically regardless of insertion order.
func (v Value) writeCanonical(buf *bytes.Buffer) {
	switch v.kind {
	case NullValue:
		buf.WriteString("null")
	case BoolValue:
		buf.WriteString(strconv.FormatBool(v.b))
	case IntValue:
		buf.WriteString("i:")
		buf.WriteString(strconv.FormatInt(v.i, 10))
	case FloatValue:
		buf.WriteString("f:")
		buf.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
	case StringValue:
		buf.WriteString(strconv.Quote(v.s))
	case ListValue:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			item.writeCanonical(buf)
		}
		buf.WriteByte(']')
	case MapValue:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(strconv.Quote(k))
			buf.WriteByte(':')
			v.m[k].writeCanonical(buf)
		}
		buf.WriteByte('}')
	}
}
