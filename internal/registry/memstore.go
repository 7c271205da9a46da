package registry

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// [MemStore.MutateItem] is optimistic: the mutate function runs without the
// lock held and the write fails with [ErrConflict] when the item's version
// moved in the meantime, or when a location or tag was deleted while it ran
// (the function may have read it through the [Reader]).
// The zero value is ready to use.
type MemStore struct {
	mu        sync.RWMutex
	locations map[string]Location
	tags      map[string]Tag
	items     map[string]Item

	// gen counts deletions of locations and tags.
	gen uint64
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		locations: make(map[string]Location),
		tags:      make(map[string]Tag),
		items:     make(map[string]Item),
	}
}

// initLocked allocates the maps of a zero-value store. Must be called with
// s.mu held for writing.
func (s *MemStore) initLocked() {
	if s.locations == nil {
		s.locations = make(map[string]Location)
	}
	if s.tags == nil {
		s.tags = make(map[string]Tag)
	}
	if s.items == nil {
		s.items = make(map[string]Item)
	}
}

// ─── Locations ───────────────────────────────────────────────────────────────

// CreateLocation implements [Store.CreateLocation].
func (s *MemStore) CreateLocation(_ context.Context, loc Location) (Location, error) {
	if loc.ID == "" {
		loc.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	for _, l := range s.locations {
		if l.Name == loc.Name {
			return Location{}, ErrDuplicateName
		}
	}
	s.locations[loc.ID] = loc
	return loc, nil
}

// GetLocation implements [Reader.GetLocation].
func (s *MemStore) GetLocation(_ context.Context, id string) (Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc, ok := s.locations[id]
	if !ok {
		return Location{}, ErrNotFound
	}
	return loc, nil
}

// ListLocations implements [Store.ListLocations].
func (s *MemStore) ListLocations(_ context.Context) ([]Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Location, 0, len(s.locations))
	for _, l := range s.locations {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b Location) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// DeleteLocation implements [Store.DeleteLocation].
func (s *MemStore) DeleteLocation(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.locations[id]; !ok {
		return 0, ErrNotFound
	}
	delete(s.locations, id)
	s.gen++

	removed := 0
	for itemID, it := range s.items {
		if it.LocationID == id {
			delete(s.items, itemID)
			removed++
		}
	}
	return removed, nil
}

// ─── Tags ────────────────────────────────────────────────────────────────────

// CreateTag implements [Store.CreateTag].
func (s *MemStore) CreateTag(_ context.Context, tag Tag) (Tag, error) {
	if tag.ID == "" {
		tag.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	for _, t := range s.tags {
		if t.Name == tag.Name {
			return Tag{}, ErrDuplicateName
		}
	}
	s.tags[tag.ID] = tag
	return tag, nil
}

// FindTag implements [Reader.FindTag].
func (s *MemStore) FindTag(_ context.Context, name string) (Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tags {
		if t.Name == name {
			return t, nil
		}
	}
	return Tag{}, ErrNotFound
}

// ListTags implements [Store.ListTags].
func (s *MemStore) ListTags(_ context.Context, limit int) ([]Tag, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Tag, 0, len(s.tags))
	for _, t := range s.tags {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Tag) int { return cmp.Compare(a.Name, b.Name) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteTag implements [Store.DeleteTag].
func (s *MemStore) DeleteTag(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tags[id]; !ok {
		return ErrNotFound
	}
	delete(s.tags, id)
	s.gen++
	return nil
}

// ─── Items ───────────────────────────────────────────────────────────────────

// CreateItem implements [Store.CreateItem].
func (s *MemStore) CreateItem(_ context.Context, item Item) (Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item = item.Clone()
	item.Version = 1

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()

	s.items[item.ID] = item
	return item.Clone(), nil
}

// GetItem implements [Store.GetItem].
func (s *MemStore) GetItem(_ context.Context, id string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return it.Clone(), nil
}

// DeleteItem implements [Store.DeleteItem].
func (s *MemStore) DeleteItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

// ListItems implements [Store.ListItems].
func (s *MemStore) ListItems(_ context.Context, q ItemQuery) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Item
	for _, it := range s.items {
		if it.LocationID != q.LocationID || !it.HasTags(q.Tags) {
			continue
		}
		out = append(out, it.Clone())
	}
	slices.SortFunc(out, func(a, b Item) int { return cmp.Compare(a.ID, b.ID) })
	if limit := q.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MutateItem implements [Store.MutateItem].
func (s *MemStore) MutateItem(ctx context.Context, id string, fn MutateFunc) (Item, error) {
	s.mu.RLock()
	current, ok := s.items[id]
	gen := s.gen
	s.mu.RUnlock()
	if !ok {
		return Item{}, ErrNotFound
	}

	next, err := fn(ctx, s, current.Clone())
	if err != nil {
		return Item{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	if stored.Version != current.Version || s.gen != gen {
		return Item{}, ErrConflict
	}

	next = next.Clone()
	next.ID = id
	next.Version = current.Version + 1
	s.items[id] = next
	return next.Clone(), nil
}

// Ping implements [Store.Ping]. An in-memory store is always reachable.
func (s *MemStore) Ping(context.Context) error { return nil }
