package attr

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// numericPattern accepts an optional leading minus, digits, and an optional
// fraction. Exponents, a leading '+', and surrounding whitespace do not
// qualify.
var numericPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

// IsNumeric reports whether raw denotes a number under the normalisation
// rules.
func IsNumeric(raw string) bool {
	return numericPattern.MatchString(raw)
}

// Normalize converts a raw request string into a [Value]. Numeric strings
// with a decimal point become floats, other numeric strings become integers,
// and everything else stays a string. Integer literals outside the int64
// range fall back to floats. Numerals beyond the float64 range stay
// strings, so every numeric value is finite.
func Normalize(raw string) Value {
	if !IsNumeric(raw) {
		return Str(raw)
	}
	if !strings.Contains(raw, ".") {
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return Int(i)
		}
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Str(raw)
	}
	return Float(f)
}

// Assignment is one key=value pair of an attribute list. The key is kept
// verbatim, including any trailing '+' or '-' delta marker.
type Assignment struct {
	Key   string
	Value Value
}

var (
	errMalformedAssignments = errors.New("Invalid attributes (must be comma-separated key-value pairs)")
	errEmptyTag             = errors.New("Invalid tags (at least one character)")
	errMalformedCoordinates = errors.New("Invalid coordinates (must be comma-separated numbers)")
)

// ParseAssignments splits raw on commas into key=value pairs. A later pair
// with the same key replaces the earlier one in place. Keys and values may
// not contain commas, spaces, or '='; keys may not be empty.
func ParseAssignments(raw string) ([]Assignment, error) {
	pairs := strings.Split(raw, ",")
	out := make([]Assignment, 0, len(pairs))
	seen := make(map[string]int, len(pairs))

	for _, pair := range pairs {
		kv := strings.Split(pair, "=")
		if len(kv) != 2 {
			return nil, errMalformedAssignments
		}
		key, val := kv[0], kv[1]
		if key == "" {
			return nil, errors.New("Invalid attribute key (can't be empty)")
		}
		if strings.ContainsAny(key, ", =") {
			return nil, fmt.Errorf("Invalid attribute key (can't contain commas, spaces, or equal signs): %s", key)
		}
		if strings.ContainsAny(val, ", =") {
			return nil, fmt.Errorf("Invalid attribute value (can't contain commas, spaces, or equal signs): %s", val)
		}

		a := Assignment{Key: key, Value: Normalize(val)}
		if i, ok := seen[key]; ok {
			out[i] = a
			continue
		}
		seen[key] = len(out)
		out = append(out, a)
	}
	return out, nil
}

// ParseCoordinates splits raw on commas and parses every token as a finite
// float.
func ParseCoordinates(raw string) ([]float64, error) {
	parts := strings.Split(raw, ",")
	coords := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errMalformedCoordinates
		}
		coords = append(coords, f)
	}
	return coords, nil
}

// ParseTags splits raw on commas. Empty tokens are rejected; repeated names
// collapse to their first occurrence.
func ParseTags(raw string) ([]string, error) {
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, errEmptyTag
		}
		if !slices.Contains(tags, p) {
			tags = append(tags, p)
		}
	}
	return tags, nil
}
