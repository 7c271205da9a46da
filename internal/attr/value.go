// Package attr defines the typed scalar values stored in item attributes and
// the normalisation rules that turn raw request strings into them.
//
// A [Value] is one of three kinds: integer, float, or string. The numeric
// subtype is decided once, at parse time, by [Normalize] and is preserved
// through storage round-trips and arithmetic.
package attr

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Kind identifies which arm of a [Value] is populated.
type Kind uint8

const (
	KindString Kind = iota
	KindInt
	KindFloat
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	default:
		return "string"
	}
}

// Value is a tagged scalar: an int64, a float64, or a string.
// The zero value is the empty string.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
}

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a floating-point value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Str returns a string value.
func Str(s string) Value { return Value{kind: KindString, s: s} }

// Kind reports which arm of v is populated.
func (v Value) Kind() Kind { return v.kind }

// IsNumeric reports whether v is an integer or a float.
func (v Value) IsNumeric() bool { return v.kind == KindInt || v.kind == KindFloat }

// AsInt returns v as an int64. Floats are truncated toward zero; strings
// yield 0.
func (v Value) AsInt() int64 {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return int64(v.f)
	}
	return 0
}

// AsFloat returns v as a float64. Strings yield 0.
func (v Value) AsFloat() float64 {
	switch v.kind {
	case KindInt:
		return float64(v.i)
	case KindFloat:
		return v.f
	}
	return 0
}

// String renders v the way it appears in responses: integers in decimal,
// floats in their shortest form with a mandatory fraction ("7.0", "2.5")
// or in exponent form outside [1e-4, 1e16), strings verbatim.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return FormatFloat(v.f)
	}
	return v.s
}

// GoString implements [fmt.GoStringer] for readable test failures.
func (v Value) GoString() string {
	if v.kind == KindString {
		return fmt.Sprintf("attr.Str(%q)", v.s)
	}
	return fmt.Sprintf("attr.%s(%s)", capitalize(v.kind.String()), v.String())
}

// FormatFloat renders f in the response format used for attribute values
// and coordinates.
func FormatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case f == 0:
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}

	abs := math.Abs(f)
	if abs >= 1e16 || abs < 1e-4 {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// MarshalJSON encodes integers as integer literals and floats with a
// mandatory fractional part so that the subtype survives a round-trip
// through any JSON document store.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindInt:
		return strconv.AppendInt(nil, v.i, 10), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("attr: cannot encode %v as JSON", v.f)
		}
		s := strconv.FormatFloat(v.f, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return []byte(s), nil
	}
	return json.Marshal(v.s)
}

// UnmarshalJSON decodes the representation written by [Value.MarshalJSON].
// Numbers containing a '.' or an exponent decode as floats, all other
// numbers as integers.
func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return fmt.Errorf("attr: empty JSON value")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("attr: decode string: %w", err)
		}
		*v = Str(s)
		return nil
	}

	num := string(b)
	if strings.ContainsAny(num, ".eE") {
		f, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return fmt.Errorf("attr: decode float %q: %w", num, err)
		}
		*v = Float(f)
		return nil
	}
	i, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return fmt.Errorf("attr: decode int %q: %w", num, err)
	}
	*v = Int(i)
	return nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
