// pkg/core/value.go
package core

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"sort"

	json "github.com/goccy/go-json"
)

// ValueType represents the type of a stored value
type ValueType int

const (
	TypeNull ValueType = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeBytes
	TypeString
	TypeArray
	TypeObject
)

// String returns a string representation of the value type
func (t ValueType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBytes:
		return "bytes"
	case TypeString:
		return "string"
	case TypeArray:
		return "array"
	case TypeObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is the canonical tagged value model shared by all primitives.
//
// Equality is structural and type-strict: Int(1) != Float(1.0).
type Value struct {
	typ      ValueType
	boolVal  bool
	intVal   int64
	floatVal float64
	bytesVal []byte
	strVal   string
	arrVal   []Value
	objVal   map[string]Value
}

func NewNull() Value {
	return Value{typ: TypeNull}
}

func NewBool(b bool) Value {
	return Value{typ: TypeBool, boolVal: b}
}

func NewInt(i int64) Value {
	return Value{typ: TypeInt, intVal: i}
}

func NewFloat(f float64) Value {
	return Value{typ: TypeFloat, floatVal: f}
}

func NewBytes(b []byte) Value {
	if b == nil {
		return Value{typ: TypeBytes}
	}
	copied := make([]byte, len(b))
	copy(copied, b)
	return Value{typ: TypeBytes, bytesVal: copied}
}

func NewString(s string) Value {
	return Value{typ: TypeString, strVal: s}
}

func NewArray(items []Value) Value {
	copied := make([]Value, len(items))
	copy(copied, items)
	return Value{typ: TypeArray, arrVal: copied}
}

func NewObject(fields map[string]Value) Value {
	copied := make(map[string]Value, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return Value{typ: TypeObject, objVal: copied}
}

func (v Value) Type() ValueType { return v.typ }
func (v Value) IsNull() bool    { return v.typ == TypeNull }
func (v Value) Bool() bool      { return v.boolVal }
func (v Value) Int() int64      { return v.intVal }
func (v Value) Float() float64  { return v.floatVal }
func (v Value) Str() string     { return v.strVal }

func (v Value) Bytes() []byte {
	if v.bytesVal == nil {
		return nil
	}
	copied := make([]byte, len(v.bytesVal))
	copy(copied, v.bytesVal)
	return copied
}

func (v Value) Array() []Value {
	copied := make([]Value, len(v.arrVal))
	copy(copied, v.arrVal)
	return copied
}

func (v Value) Object() map[string]Value {
	copied := make(map[string]Value, len(v.objVal))
	for k, val := range v.objVal {
		copied[k] = val
	}
	return copied
}

// Field returns the named object field, if present.
func (v Value) Field(name string) (Value, bool) {
	val, ok := v.objVal[name]
	return val, ok
}

// Equal reports structural, type-strict equality.
func (v Value) Equal(other Value) bool {
	if v.typ != other.typ {
		return false
	}
	switch v.typ {
	case TypeNull:
		return true
	case TypeBool:
		return v.boolVal == other.boolVal
	case TypeInt:
		return v.intVal == other.intVal
	case TypeFloat:
		// Bit equality distinguishes -0.0 from 0.0 and makes NaN equal itself,
		// which keeps replay comparisons deterministic.
		return math.Float64bits(v.floatVal) == math.Float64bits(other.floatVal)
	case TypeBytes:
		return bytes.Equal(v.bytesVal, other.bytesVal)
	case TypeString:
		return v.strVal == other.strVal
	case TypeArray:
		if len(v.arrVal) != len(other.arrVal) {
			return false
		}
		for i := range v.arrVal {
			if !v.arrVal[i].Equal(other.arrVal[i]) {
				return false
			}
		}
		return true
	case TypeObject:
		if len(v.objVal) != len(other.objVal) {
			return false
		}
		for k, val := range v.objVal {
			o, ok := other.objVal[k]
			if !ok || !val.Equal(o) {
				return false
			}
		}
		return true
	}
	return false
}

// Sentinel object keys used by the canonical JSON encoding for values
// that JSON cannot represent natively.
const (
	bytesSentinel = "$bytes"
	floatSentinel = "$f64"
)

// MarshalJSON encodes the value as canonical JSON. Bytes become
// {"$bytes": base64}; non-finite floats and negative zero become
// {"$f64": "NaN"|"+Inf"|"-Inf"|"-0.0"}. Object keys are sorted so the
// encoding is byte-stable.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.typ {
	case TypeNull:
		return []byte("null"), nil
	case TypeBool:
		return json.Marshal(v.boolVal)
	case TypeInt:
		return json.Marshal(v.intVal)
	case TypeFloat:
		if sentinel, ok := floatToSentinel(v.floatVal); ok {
			return json.Marshal(map[string]string{floatSentinel: sentinel})
		}
		return json.Marshal(v.floatVal)
	case TypeBytes:
		return json.Marshal(map[string]string{
			bytesSentinel: base64.StdEncoding.EncodeToString(v.bytesVal),
		})
	case TypeString:
		return json.Marshal(v.strVal)
	case TypeArray:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.arrVal {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case TypeObject:
		keys := make([]string, 0, len(v.objVal))
		for k := range v.objVal {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := v.objVal[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("cannot marshal value type %v", v.typ)
}

// UnmarshalJSON decodes canonical JSON back into a Value, recognizing
// the $bytes and $f64 sentinel objects.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	decoded, err := fromJSONValue(raw)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func fromJSONValue(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return NewNull(), nil
	case bool:
		return NewBool(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return NewInt(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return NewFloat(f), nil
	case string:
		return NewString(t), nil
	case []interface{}:
		items := make([]Value, len(t))
		for i, item := range t {
			decoded, err := fromJSONValue(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = decoded
		}
		return Value{typ: TypeArray, arrVal: items}, nil
	case map[string]interface{}:
		if len(t) == 1 {
			if enc, ok := t[bytesSentinel].(string); ok {
				b, err := base64.StdEncoding.DecodeString(enc)
				if err != nil {
					return Value{}, fmt.Errorf("invalid $bytes payload: %w", err)
				}
				return Value{typ: TypeBytes, bytesVal: b}, nil
			}
			if sentinel, ok := t[floatSentinel].(string); ok {
				f, err := sentinelToFloat(sentinel)
				if err != nil {
					return Value{}, err
				}
				return NewFloat(f), nil
			}
		}
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			decoded, err := fromJSONValue(item)
			if err != nil {
				return Value{}, err
			}
			fields[k] = decoded
		}
		return Value{typ: TypeObject, objVal: fields}, nil
	}
	return Value{}, fmt.Errorf("unsupported JSON value %T", raw)
}

func floatToSentinel(f float64) (string, bool) {
	switch {
	case math.IsNaN(f):
		return "NaN", true
	case math.IsInf(f, 1):
		return "+Inf", true
	case math.IsInf(f, -1):
		return "-Inf", true
	case f == 0 && math.Signbit(f):
		return "-0.0", true
	}
	return "", false
}

func sentinelToFloat(s string) (float64, error) {
	switch s {
	case "NaN":
		return math.NaN(), nil
	case "+Inf":
		return math.Inf(1), nil
	case "-Inf":
		return math.Inf(-1), nil
	case "-0.0":
		return math.Copysign(0, -1), nil
	}
	return 0, fmt.Errorf("unknown $f64 sentinel %q", s)
}

// IsTextual reports whether the value carries text that the search
// substrate can index directly.
func (v Value) IsTextual() bool {
	return v.typ == TypeString
}

// SearchText extracts indexable text: strings directly, arrays and
// objects via their canonical JSON rendering. Null, bool and bytes
// values yield nothing.
func (v Value) SearchText() (string, bool) {
	switch v.typ {
	case TypeString:
		return v.strVal, true
	case TypeNull, TypeBool, TypeBytes:
		return "", false
	default:
		b, err := v.MarshalJSON()
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}
