package params

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type is the declared type of a parameter node.
type Type string

const (
	TypeText      Type = "text"
	TypeNumeric   Type = "numeric"
	TypeVector    Type = "vector"
	TypeStructure Type = "structure"
)

func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeNumeric, TypeVector, TypeStructure:
		return true
	}
	return false
}

// Value is a typed leaf value. Only the field matching Type is meaningful.
type Value struct {
	Type   Type
	Text   string
	Number float64
	Vector []float64
}

func Text(s string) Value       { return Value{Type: TypeText, Text: s} }
func Numeric(f float64) Value   { return Value{Type: TypeNumeric, Number: f} }
func Vector(v ...float64) Value { return Value{Type: TypeVector, Vector: append([]float64(nil), v...)} }

// Equal reports whether two values have the same type and content.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeText:
		return v.Text == o.Text
	case TypeNumeric:
		return v.Number == o.Number
	case TypeVector:
		if len(v.Vector) != len(o.Vector) {
			return false
		}
		for i := range v.Vector {
			if v.Vector[i] != o.Vector[i] {
				return false
			}
		}
		return true
	}
	return false
}

// Len is 1 for scalars and the element count for vectors.
func (v Value) Len() int {
	if v.Type == TypeVector {
		return len(v.Vector)
	}
	return 1
}

func (v Value) String() string {
	switch v.Type {
	case TypeText:
		return fmt.Sprintf("%q", v.Text)
	case TypeNumeric:
		return fmt.Sprintf("%g", v.Number)
	case TypeVector:
		parts := make([]string, len(v.Vector))
		for i, f := range v.Vector {
			parts[i] = fmt.Sprintf("%g", f)
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	return "<none>"
}

// MarshalJSON writes the bare value: a string, a number or an array.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Type {
	case TypeText:
		return json.Marshal(v.Text)
	case TypeNumeric:
		return json.Marshal(v.Number)
	case TypeVector:
		if v.Vector == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Vector)
	}
	return []byte("null"), nil
}

// UnmarshalJSON infers the type from the JSON shape.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromAny converts a decoded JSON/YAML scalar or list into a Value.
func FromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case string:
		return Text(x), nil
	case float64:
		return Numeric(x), nil
	case float32:
		return Numeric(float64(x)), nil
	case int:
		return Numeric(float64(x)), nil
	case int64:
		return Numeric(float64(x)), nil
	case uint64:
		return Numeric(float64(x)), nil
	case []float64:
		return Vector(x...), nil
	case []any:
		vec := make([]float64, len(x))
		for i, e := range x {
			el, err := FromAny(e)
			if err != nil || el.Type != TypeNumeric {
				return Value{}, fmt.Errorf("vector element %d is not numeric: %v", i, e)
			}
			vec[i] = el.Number
		}
		return Value{Type: TypeVector, Vector: vec}, nil
	case nil:
		return Value{}, fmt.Errorf("null value")
	}
	return Value{}, fmt.Errorf("unsupported value %T", raw)
}

// Coerce adapts v to the declared type where that is lossless: a numeric
// scalar becomes a one element vector for vector nodes.
func Coerce(v Value, declared Type) Value {
	if declared == TypeVector && v.Type == TypeNumeric {
		return Vector(v.Number)
	}
	return v
}
