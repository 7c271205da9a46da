package seed_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/locus/internal/attr"
	"github.com/MrWong99/locus/internal/observe"
	"github.com/MrWong99/locus/internal/registry"
	"github.com/MrWong99/locus/internal/seed"
	"github.com/MrWong99/locus/internal/service"
)

const worldYAML = `
locations:
  - name: Tavern
    type: INDOOR
  - name: Square
    type: OUTDOOR
tags: [light, fragile]
items:
  - name: lantern
    type: light_source
    location: Tavern
    coordinates: [1, 2.5, 0]
    tags: [light, fragile]
    attributes:
      fuel: 10
      color: amber
  - name: fountain
    type: landmark
    owner: A_PLAYER
    location: Square
    coordinates: [48.1, 11.5]
`

func newService(t *testing.T) (*service.Service, registry.Store) {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: unexpected error: %v", err)
	}
	store := registry.NewMemStore()
	return service.New(store, service.WithMetrics(m)), store
}

func TestLoad(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		wantErr   bool
		wantItems int
	}{
		{name: "world", input: worldYAML, wantItems: 2},
		{name: "empty", input: ""},
		{name: "unknown key", input: "rooms: []\n", wantErr: true},
		{name: "malformed", input: "locations: [\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, err := seed.Load(strings.NewReader(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatal("Load: expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: unexpected error: %v", err)
			}
			if len(w.Items) != tt.wantItems {
				t.Errorf("items = %d, want %d", len(w.Items), tt.wantItems)
			}
		})
	}
}

func TestApply(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store := newService(t)
	w, err := seed.Load(strings.NewReader(worldYAML))
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}

	st, err := seed.Apply(ctx, svc, w)
	if err != nil {
		t.Fatalf("Apply: unexpected error: %v", err)
	}
	if st != (seed.Stats{Locations: 2, Tags: 2, Items: 2}) {
		t.Errorf("Stats = %+v", st)
	}

	locs, err := store.ListLocations(ctx)
	if err != nil {
		t.Fatalf("ListLocations: unexpected error: %v", err)
	}
	byName := map[string]registry.Location{}
	for _, l := range locs {
		byName[l.Name] = l
	}
	items, err := store.ListItems(ctx, registry.ItemQuery{LocationID: byName["Tavern"].ID})
	if err != nil {
		t.Fatalf("ListItems: unexpected error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Tavern holds %d items, want 1", len(items))
	}
	lantern := items[0]
	if lantern.Attributes["fuel"] != attr.Int(10) || lantern.Attributes["color"] != attr.Str("amber") {
		t.Errorf("lantern attributes = %v", lantern.Attributes)
	}
	if len(lantern.Tags) != 2 || lantern.Coordinates[1] != 2.5 {
		t.Errorf("lantern tags=%v coordinates=%v", lantern.Tags, lantern.Coordinates)
	}
}

func TestApply_StopsAtFirstRejection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		world    seed.World
		want     seed.Stats
		wantKind service.Kind
	}{
		{
			name: "unknown location",
			world: seed.World{
				Locations: []seed.LocationDef{{Name: "Hall", Type: "INDOOR"}},
				Items:     []seed.ItemDef{{Name: "x", Type: "t", Location: "Cellar", Coordinates: []float64{0, 0, 0}}},
			},
			want: seed.Stats{Locations: 1},
		},
		{
			name: "wrong dimensions",
			world: seed.World{
				Locations: []seed.LocationDef{{Name: "Field", Type: "OUTDOOR"}},
				Tags:      []string{"heavy"},
				Items:     []seed.ItemDef{{Name: "rock", Type: "t", Location: "Field", Coordinates: []float64{1, 2, 3}}},
			},
			want:     seed.Stats{Locations: 1, Tags: 1},
			wantKind: service.KindValidation,
		},
		{
			name: "duplicate tag",
			world: seed.World{
				Tags: []string{"dup", "dup"},
			},
			want:     seed.Stats{Tags: 1},
			wantKind: service.KindConflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc, _ := newService(t)
			st, err := seed.Apply(context.Background(), svc, &tt.world)
			if err == nil {
				t.Fatal("Apply: expected error, got nil")
			}
			if st != tt.want {
				t.Errorf("Stats = %+v, want %+v", st, tt.want)
			}
			if tt.wantKind != service.KindNone {
				var se *service.Error
				if !errors.As(err, &se) || service.KindOf(err) != tt.wantKind {
					t.Errorf("error kind = %v, want %v (err %v)", service.KindOf(err), tt.wantKind, err)
				}
			}
		})
	}
}
