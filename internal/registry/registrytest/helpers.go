package registrytest

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/locus/internal/registry"
)

// FastPolicy is a retry policy with millisecond waits and a generous
// deadline, for tests that provoke contention.
func FastPolicy() registry.RetryPolicy {
	return registry.RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      1.5,
		Deadline:        10 * time.Second,
	}
}

func mustLocation(t *testing.T, s registry.Store, name string, kind registry.LocationKind) registry.Location {
	t.Helper()
	loc, err := s.CreateLocation(context.Background(), registry.Location{Name: name, Kind: kind})
	if err != nil {
		t.Fatalf("CreateLocation(%q): unexpected error: %v", name, err)
	}
	return loc
}

func mustItem(t *testing.T, s registry.Store, it registry.Item) registry.Item {
	t.Helper()
	if it.Owner == "" {
		it.Owner = registry.PublicDomain
	}
	if it.Type == "" {
		it.Type = "thing"
	}
	if it.Coordinates == nil {
		it.Coordinates = []float64{0, 0, 0}
	}
	created, err := s.CreateItem(context.Background(), it)
	if err != nil {
		t.Fatalf("CreateItem(%q): unexpected error: %v", it.Name, err)
	}
	return created
}

func assertItemEqual(t *testing.T, got, want registry.Item) {
	t.Helper()
	if got.ID != want.ID || got.Owner != want.Owner || got.Name != want.Name ||
		got.Type != want.Type || got.LocationID != want.LocationID || got.Version != want.Version {
		t.Errorf("item scalars differ:\n got  %+v\n want %+v", got, want)
	}
	if !slices.Equal(got.Coordinates, want.Coordinates) {
		t.Errorf("Coordinates = %v, want %v", got.Coordinates, want.Coordinates)
	}
	if !slices.Equal(got.Tags, want.Tags) {
		t.Errorf("Tags = %v, want %v", got.Tags, want.Tags)
	}
	if len(got.Attributes) != len(want.Attributes) {
		t.Errorf("Attributes = %v, want %v", got.Attributes, want.Attributes)
		return
	}
	for k, v := range want.Attributes {
		if got.Attributes[k] != v {
			t.Errorf("Attributes[%q] = %#v, want %#v", k, got.Attributes[k], v)
		}
	}
}
