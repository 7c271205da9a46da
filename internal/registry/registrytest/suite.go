// Package registrytest provides a behavioural test suite that every
// [registry.Store] backend runs against itself.
package registrytest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/locus/internal/attr"
	"github.com/MrWong99/locus/internal/registry"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) registry.Store

// Run exercises the full [registry.Store] contract against stores built by
// newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("Locations", func(t *testing.T) { testLocations(t, newStore(t)) })
	t.Run("DeleteLocationCascades", func(t *testing.T) { testDeleteLocationCascades(t, newStore(t)) })
	t.Run("Tags", func(t *testing.T) { testTags(t, newStore(t)) })
	t.Run("ItemRoundTrip", func(t *testing.T) { testItemRoundTrip(t, newStore(t)) })
	t.Run("ListItemsFilters", func(t *testing.T) { testListItemsFilters(t, newStore(t)) })
	t.Run("MutateItem", func(t *testing.T) { testMutateItem(t, newStore(t)) })
	t.Run("MutateItemAbort", func(t *testing.T) { testMutateItemAbort(t, newStore(t)) })
	t.Run("ConcurrentIncrements", func(t *testing.T) { testConcurrentIncrements(t, newStore(t)) })
	t.Run("MoveRacesLocationDelete", func(t *testing.T) { testMoveRacesLocationDelete(t, newStore(t)) })
}

func testLocations(t *testing.T, s registry.Store) {
	ctx := context.Background()

	park, err := s.CreateLocation(ctx, registry.Location{Name: "Park", Kind: registry.Outdoor})
	if err != nil {
		t.Fatalf("CreateLocation: unexpected error: %v", err)
	}
	if park.ID == "" {
		t.Fatal("CreateLocation: expected generated ID, got empty string")
	}
	if _, err := s.CreateLocation(ctx, registry.Location{Name: "Attic", Kind: registry.Indoor}); err != nil {
		t.Fatalf("CreateLocation: unexpected error: %v", err)
	}

	_, err = s.CreateLocation(ctx, registry.Location{Name: "Park", Kind: registry.Indoor})
	if !errors.Is(err, registry.ErrDuplicateName) {
		t.Fatalf("CreateLocation duplicate: expected ErrDuplicateName, got %v", err)
	}

	got, err := s.GetLocation(ctx, park.ID)
	if err != nil {
		t.Fatalf("GetLocation: unexpected error: %v", err)
	}
	if got != park {
		t.Errorf("GetLocation = %+v, want %+v", got, park)
	}

	if _, err := s.GetLocation(ctx, "missing"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("GetLocation missing: expected ErrNotFound, got %v", err)
	}

	list, err := s.ListLocations(ctx)
	if err != nil {
		t.Fatalf("ListLocations: unexpected error: %v", err)
	}
	if len(list) != 2 || list[0].Name != "Attic" || list[1].Name != "Park" {
		t.Errorf("ListLocations = %+v, want [Attic Park]", list)
	}
}

func testDeleteLocationCascades(t *testing.T, s registry.Store) {
	ctx := context.Background()

	keep := mustLocation(t, s, "Keep", registry.Indoor)
	drop := mustLocation(t, s, "Drop", registry.Indoor)
	kept := mustItem(t, s, registry.Item{Name: "lamp", LocationID: keep.ID})
	mustItem(t, s, registry.Item{Name: "chair", LocationID: drop.ID})
	mustItem(t, s, registry.Item{Name: "table", LocationID: drop.ID})

	n, err := s.DeleteLocation(ctx, drop.ID)
	if err != nil {
		t.Fatalf("DeleteLocation: unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteLocation removed %d items, want 2", n)
	}
	if _, err := s.GetLocation(ctx, drop.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("GetLocation after delete: expected ErrNotFound, got %v", err)
	}
	items, err := s.ListItems(ctx, registry.ItemQuery{LocationID: drop.ID})
	if err != nil {
		t.Fatalf("ListItems: unexpected error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("ListItems after cascade = %d items, want 0", len(items))
	}
	if _, err := s.GetItem(ctx, kept.ID); err != nil {
		t.Errorf("GetItem in other location: unexpected error: %v", err)
	}

	if _, err := s.DeleteLocation(ctx, drop.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("DeleteLocation twice: expected ErrNotFound, got %v", err)
	}
}

func testTags(t *testing.T, s registry.Store) {
	ctx := context.Background()

	for _, name := range []string{"red", "blue", "green"} {
		if _, err := s.CreateTag(ctx, registry.Tag{Name: name}); err != nil {
			t.Fatalf("CreateTag(%q): unexpected error: %v", name, err)
		}
	}
	if _, err := s.CreateTag(ctx, registry.Tag{Name: "red"}); !errors.Is(err, registry.ErrDuplicateName) {
		t.Fatalf("CreateTag duplicate: expected ErrDuplicateName, got %v", err)
	}

	tags, err := s.ListTags(ctx, 2)
	if err != nil {
		t.Fatalf("ListTags: unexpected error: %v", err)
	}
	if len(tags) != 2 || tags[0].Name != "blue" || tags[1].Name != "green" {
		t.Errorf("ListTags(2) = %+v, want [blue green]", tags)
	}

	blue, err := s.FindTag(ctx, "blue")
	if err != nil {
		t.Fatalf("FindTag: unexpected error: %v", err)
	}
	if err := s.DeleteTag(ctx, blue.ID); err != nil {
		t.Fatalf("DeleteTag: unexpected error: %v", err)
	}
	if _, err := s.FindTag(ctx, "blue"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("FindTag after delete: expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteTag(ctx, blue.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("DeleteTag twice: expected ErrNotFound, got %v", err)
	}
}

func testItemRoundTrip(t *testing.T, s registry.Store) {
	ctx := context.Background()
	loc := mustLocation(t, s, "Lab", registry.Indoor)

	in := registry.Item{
		Owner:       registry.PublicDomain,
		Name:        "beaker",
		Type:        "glass",
		LocationID:  loc.ID,
		Coordinates: []float64{1.5, 0, -2},
		Tags:        []string{"fragile"},
		Attributes: attr.Map{
			"volume": attr.Int(250),
			"temp":   attr.Float(21),
			"label":  attr.Str("acid"),
		},
	}
	created, err := s.CreateItem(ctx, in)
	if err != nil {
		t.Fatalf("CreateItem: unexpected error: %v", err)
	}
	if created.ID == "" || created.Version != 1 {
		t.Fatalf("CreateItem = id %q version %d, want generated id and version 1", created.ID, created.Version)
	}

	got, err := s.GetItem(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetItem: unexpected error: %v", err)
	}
	assertItemEqual(t, got, created)

	if err := s.DeleteItem(ctx, created.ID); err != nil {
		t.Fatalf("DeleteItem: unexpected error: %v", err)
	}
	if _, err := s.GetItem(ctx, created.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("GetItem after delete: expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteItem(ctx, created.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("DeleteItem twice: expected ErrNotFound, got %v", err)
	}
}

func testListItemsFilters(t *testing.T, s registry.Store) {
	ctx := context.Background()
	loc := mustLocation(t, s, "Hall", registry.Indoor)
	other := mustLocation(t, s, "Yard", registry.Indoor)

	both := mustItem(t, s, registry.Item{Name: "both", LocationID: loc.ID, Tags: []string{"a", "b"}})
	mustItem(t, s, registry.Item{Name: "only-a", LocationID: loc.ID, Tags: []string{"a"}})
	mustItem(t, s, registry.Item{Name: "none", LocationID: loc.ID})
	mustItem(t, s, registry.Item{Name: "elsewhere", LocationID: other.ID, Tags: []string{"a", "b"}})

	items, err := s.ListItems(ctx, registry.ItemQuery{LocationID: loc.ID, Tags: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("ListItems: unexpected error: %v", err)
	}
	if len(items) != 1 || items[0].ID != both.ID {
		t.Errorf("ListItems tags=a,b = %d items, want only %q", len(items), both.Name)
	}

	items, err = s.ListItems(ctx, registry.ItemQuery{LocationID: loc.ID})
	if err != nil {
		t.Fatalf("ListItems: unexpected error: %v", err)
	}
	if len(items) != 3 {
		t.Errorf("ListItems unfiltered = %d items, want 3", len(items))
	}
	for i := 1; i < len(items); i++ {
		if items[i-1].ID >= items[i].ID {
			t.Errorf("ListItems not ordered by ID: %q before %q", items[i-1].ID, items[i].ID)
		}
	}

	items, err = s.ListItems(ctx, registry.ItemQuery{LocationID: loc.ID, Limit: 2})
	if err != nil {
		t.Fatalf("ListItems: unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("ListItems limit 2 = %d items", len(items))
	}
}

func testMutateItem(t *testing.T, s registry.Store) {
	ctx := context.Background()
	loc := mustLocation(t, s, "Shed", registry.Indoor)
	it := mustItem(t, s, registry.Item{Name: "drum", LocationID: loc.ID, Attributes: attr.Map{"hits": attr.Int(0)}})

	got, err := s.MutateItem(ctx, it.ID, func(ctx context.Context, r registry.Reader, cur registry.Item) (registry.Item, error) {
		if _, err := r.GetLocation(ctx, cur.LocationID); err != nil {
			return registry.Item{}, err
		}
		cur.Attributes["hits"] = attr.Int(cur.Attributes["hits"].AsInt() + 1)
		cur.Owner = registry.APlayer
		return cur, nil
	})
	if err != nil {
		t.Fatalf("MutateItem: unexpected error: %v", err)
	}
	if got.Version != it.Version+1 {
		t.Errorf("Version = %d, want %d", got.Version, it.Version+1)
	}

	stored, err := s.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetItem: unexpected error: %v", err)
	}
	if stored.Attributes["hits"] != attr.Int(1) || stored.Owner != registry.APlayer {
		t.Errorf("stored = %+v, want hits=1 owner=A_PLAYER", stored)
	}

	_, err = s.MutateItem(ctx, "missing", func(_ context.Context, _ registry.Reader, cur registry.Item) (registry.Item, error) {
		return cur, nil
	})
	if !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("MutateItem missing: expected ErrNotFound, got %v", err)
	}
}

func testMutateItemAbort(t *testing.T, s registry.Store) {
	ctx := context.Background()
	loc := mustLocation(t, s, "Vault", registry.Indoor)
	it := mustItem(t, s, registry.Item{Name: "coin", LocationID: loc.ID, Attributes: attr.Map{"n": attr.Int(1)}})

	errAbort := errors.New("abort")
	_, err := s.MutateItem(ctx, it.ID, func(_ context.Context, _ registry.Reader, cur registry.Item) (registry.Item, error) {
		cur.Attributes["n"] = attr.Int(99)
		return registry.Item{}, errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("MutateItem: expected fn error, got %v", err)
	}

	stored, err := s.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetItem: unexpected error: %v", err)
	}
	if stored.Attributes["n"] != attr.Int(1) || stored.Version != it.Version {
		t.Errorf("aborted mutation leaked: %+v", stored)
	}
}

func testConcurrentIncrements(t *testing.T, s registry.Store) {
	ctx := context.Background()
	loc := mustLocation(t, s, "Arena", registry.Indoor)
	it := mustItem(t, s, registry.Item{Name: "counter", LocationID: loc.ID, Attributes: attr.Map{"n": attr.Int(0)}})

	rs := registry.NewRetrying(s, FastPolicy())

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rs.MutateItem(ctx, it.ID, func(_ context.Context, _ registry.Reader, cur registry.Item) (registry.Item, error) {
				cur.Attributes["n"] = attr.Int(cur.Attributes["n"].AsInt() + 1)
				return cur, nil
			})
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("MutateItem: unexpected error: %v", err)
	}

	stored, err := s.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetItem: unexpected error: %v", err)
	}
	if got := stored.Attributes["n"]; got != attr.Int(workers) {
		t.Errorf("n = %v, want %d (lost update)", got, workers)
	}
}

// testMoveRacesLocationDelete deletes the target location while a move
// into it is in flight. Stores that serialise writers let the delete run
// after the move and cascade the item; optimistic stores reject the move.
// Either way no item may point at a missing location.
func testMoveRacesLocationDelete(t *testing.T, s registry.Store) {
	ctx := context.Background()

	hall := mustLocation(t, s, "Hall", registry.Indoor)
	cellar := mustLocation(t, s, "Cellar", registry.Indoor)
	it := mustItem(t, s, registry.Item{Name: "barrel", LocationID: hall.ID})

	deleted := make(chan error, 1)
	_, moveErr := s.MutateItem(ctx, it.ID, func(ctx context.Context, r registry.Reader, cur registry.Item) (registry.Item, error) {
		if _, err := r.GetLocation(ctx, cellar.ID); err != nil {
			return registry.Item{}, err
		}
		go func() {
			_, err := s.DeleteLocation(context.Background(), cellar.ID)
			deleted <- err
		}()
		// Give the delete a chance to land before the move commits. A
		// store that blocks it until commit simply times out here.
		select {
		case err := <-deleted:
			deleted <- err
		case <-time.After(200 * time.Millisecond):
		}
		cur.LocationID = cellar.ID
		return cur, nil
	})
	if err := <-deleted; err != nil {
		t.Fatalf("DeleteLocation: unexpected error: %v", err)
	}

	got, err := s.GetItem(ctx, it.ID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		if moveErr != nil {
			t.Errorf("item vanished although the move failed with %v", moveErr)
		}
	case err != nil:
		t.Fatalf("GetItem: unexpected error: %v", err)
	default:
		if _, err := s.GetLocation(ctx, got.LocationID); err != nil {
			t.Errorf("item points at location %q: %v (move error %v)", got.LocationID, err, moveErr)
		}
		if moveErr == nil {
			t.Errorf("move into a deleted location committed: item at %q", got.LocationID)
		}
	}
}
