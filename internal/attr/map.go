package attr

import (
	"maps"
	"slices"
	"strings"
)

// Map holds an item's attributes keyed by attribute name.
type Map map[string]Value

// Clone returns a shallow copy of m. A nil map clones to an empty map.
func (m Map) Clone() Map {
	if m == nil {
		return Map{}
	}
	return maps.Clone(m)
}

// Keys returns the attribute names in ascending order.
func (m Map) Keys() []string {
	return slices.Sorted(maps.Keys(m))
}

// Format renders m as ';'-joined key=value pairs sorted by key, or "null"
// when m is empty.
func (m Map) Format() string {
	if len(m) == 0 {
		return "null"
	}
	var b strings.Builder
	for i, k := range m.Keys() {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k].String())
	}
	return b.String()
}
