// Package mutation applies attribute assignments to an item's attribute map.
//
// An assignment either sets a key outright or, when the key carries a
// trailing '+' or '-', adds to or subtracts from the stored numeric value.
// The stored value decides the numeric type of the result: an integer
// attribute stays an integer even when the operand has a fraction.
//
// Everything here is pure. Callers run it inside a store transaction.
package mutation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/locus/internal/attr"
)

var (
	// ErrInvalidValue is returned when a delta operand is not a number.
	ErrInvalidValue = errors.New("Invalid attribute (value should be a number to increment/decrement)")

	// ErrUnknownAttribute is returned when a delta targets a missing key.
	ErrUnknownAttribute = errors.New("Invalid attribute key (attribute doesn't exist)")

	// ErrNotNumeric is returned when a delta targets a non-numeric value.
	ErrNotNumeric = errors.New("Invalid attribute (current value should be a number to increment/decrement)")
)

// Op is the kind of change an assignment makes.
type Op uint8

const (
	Set Op = iota
	Increment
	Decrement
)

// String returns the operator as written in a request.
func (o Op) String() string {
	switch o {
	case Increment:
		return "+="
	case Decrement:
		return "-="
	default:
		return "="
	}
}

// Split separates a raw key into the attribute name and the operation its
// suffix selects.
func Split(rawKey string) (string, Op) {
	switch {
	case strings.HasSuffix(rawKey, "+"):
		return strings.TrimSuffix(rawKey, "+"), Increment
	case strings.HasSuffix(rawKey, "-"):
		return strings.TrimSuffix(rawKey, "-"), Decrement
	}
	return rawKey, Set
}

// Apply computes the new value of the attribute addressed by rawKey and
// stores it in attrs. It returns the stored value.
//
// Delta checks run in a fixed order: operand numeric, attribute present,
// stored value numeric. attrs is left untouched on error.
func Apply(attrs attr.Map, rawKey string, operand attr.Value) (attr.Value, error) {
	key, op := Split(rawKey)
	if op == Set {
		attrs[key] = operand
		return operand, nil
	}

	if !operand.IsNumeric() {
		return attr.Value{}, ErrInvalidValue
	}
	cur, ok := attrs[key]
	if !ok {
		return attr.Value{}, fmt.Errorf("%w: %s", ErrUnknownAttribute, key)
	}
	if !cur.IsNumeric() {
		return attr.Value{}, ErrNotNumeric
	}

	next := combine(cur, operand, op)
	attrs[key] = next
	return next, nil
}

func combine(cur, operand attr.Value, op Op) attr.Value {
	if cur.Kind() == attr.KindInt {
		d := operand.AsInt()
		if op == Decrement {
			d = -d
		}
		return attr.Int(cur.AsInt() + d)
	}
	d := operand.AsFloat()
	if op == Decrement {
		d = -d
	}
	return attr.Float(cur.AsFloat() + d)
}

// ApplyAll applies every assignment to a copy of attrs and returns the
// copy. Either all assignments succeed or attrs is returned unchanged
// along with the first error.
func ApplyAll(attrs attr.Map, as []attr.Assignment) (attr.Map, error) {
	next := attrs.Clone()
	for _, a := range as {
		if _, err := Apply(next, a.Key, a.Value); err != nil {
			return attrs, err
		}
	}
	return next, nil
}
