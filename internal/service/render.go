package service

import (
	"strings"

	"github.com/MrWong99/locus/internal/attr"
	"github.com/MrWong99/locus/internal/registry"
)

const (
	noLocations = "NO_LOCATIONS"
	noTags      = "NO_TAGS"
)

// itemRow renders it as one CSV line:
//
//	id,"name",owner,type,c1,c2,c3,attributes
//
// Two-dimensional coordinates get a trailing 0.
func itemRow(it registry.Item) string {
	var b strings.Builder
	b.WriteString(it.ID)
	b.WriteString(`,"`)
	b.WriteString(it.Name)
	b.WriteString(`",`)
	b.WriteString(string(it.Owner))
	b.WriteByte(',')
	b.WriteString(it.Type)
	for _, c := range it.Coordinates {
		b.WriteByte(',')
		b.WriteString(attr.FormatFloat(c))
	}
	if len(it.Coordinates) == 2 {
		b.WriteString(",0")
	}
	b.WriteByte(',')
	b.WriteString(it.Attributes.Format())
	b.WriteByte('\n')
	return b.String()
}

func itemRows(items []registry.Item) string {
	var b strings.Builder
	for _, it := range items {
		b.WriteString(itemRow(it))
	}
	return b.String()
}

func locationRows(locs []registry.Location) string {
	if len(locs) == 0 {
		return noLocations
	}
	var b strings.Builder
	for _, l := range locs {
		b.WriteString(l.ID)
		b.WriteString(`,"`)
		b.WriteString(l.Name)
		b.WriteString(`",`)
		b.WriteString(string(l.Kind))
		b.WriteByte('\n')
	}
	return b.String()
}

func tagList(tags []registry.Tag) string {
	if len(tags) == 0 {
		return noTags
	}
	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = t.Name
	}
	return strings.Join(names, ",")
}
