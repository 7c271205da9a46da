package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MrWong99/locus/internal/attr"
	"github.com/MrWong99/locus/internal/registry"
	"github.com/MrWong99/locus/internal/registry/registrytest"
)

func openTemp(t *testing.T, name string) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("Open: unexpected error: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: unexpected error: %v", err)
		}
	})
	return s
}

func TestStore_Contract(t *testing.T) {
	registrytest.Run(t, func(t *testing.T) registry.Store {
		return openTemp(t, "registry.db")
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), "  "); err == nil {
		t.Fatal("Open: expected error for blank path")
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: unexpected error: %v", err)
	}
	loc, err := s.CreateLocation(ctx, registry.Location{Name: "Field", Kind: registry.Outdoor})
	if err != nil {
		t.Fatalf("CreateLocation: unexpected error: %v", err)
	}
	created, err := s.CreateItem(ctx, registry.Item{
		Owner:       registry.PublicDomain,
		Name:        "flag",
		Type:        "marker",
		LocationID:  loc.ID,
		Coordinates: []float64{48.137, 11.575},
		Attributes:  attr.Map{"height": attr.Float(2), "team": attr.Str("red")},
	})
	if err != nil {
		t.Fatalf("CreateItem: unexpected error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open again: unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.GetItem(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetItem: unexpected error: %v", err)
	}
	if len(got.Coordinates) != 2 || got.Coordinates[1] != 11.575 {
		t.Errorf("Coordinates = %v, want [48.137 11.575]", got.Coordinates)
	}
	if got.Attributes["height"] != attr.Float(2) {
		t.Errorf("height = %#v, want Float(2)", got.Attributes["height"])
	}
}

func TestListItems_TagFilterNeedsEveryTag(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTemp(t, "tags.db")
	loc, err := s.CreateLocation(ctx, registry.Location{Name: "Hall", Kind: registry.Indoor})
	if err != nil {
		t.Fatalf("CreateLocation: unexpected error: %v", err)
	}
	for _, tags := range [][]string{{"a"}, {"a", "b"}, {"b", "c"}} {
		_, err := s.CreateItem(ctx, registry.Item{
			Owner: registry.PublicDomain, Name: "x", Type: "t", LocationID: loc.ID,
			Coordinates: []float64{0, 0, 0}, Tags: tags,
		})
		if err != nil {
			t.Fatalf("CreateItem: unexpected error: %v", err)
		}
	}

	tests := []struct {
		tags []string
		want int
	}{
		{nil, 3},
		{[]string{"a"}, 2},
		{[]string{"b"}, 2},
		{[]string{"a", "b"}, 1},
		{[]string{"a", "c"}, 0},
	}
	for _, tt := range tests {
		items, err := s.ListItems(ctx, registry.ItemQuery{LocationID: loc.ID, Tags: tt.tags})
		if err != nil {
			t.Fatalf("ListItems(%v): unexpected error: %v", tt.tags, err)
		}
		if len(items) != tt.want {
			t.Errorf("ListItems(%v) = %d items, want %d", tt.tags, len(items), tt.want)
		}
	}
}
