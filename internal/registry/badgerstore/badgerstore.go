// Package badgerstore is an embedded key-value [registry.Store] backed by
// BadgerDB.
//
// Records are JSON documents under prefixed keys. Unique names and the
// location-to-item relation are kept as index keys that are written in the
// same transaction as the record they point to. Badger's serialisable
// snapshot isolation detects lost updates; a commit that loses the race
// surfaces as [registry.ErrConflict].
package badgerstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/MrWong99/locus/internal/registry"
)

// Key prefixes.
const (
	locationPrefix     = "loc:"
	locationNamePrefix = "locname:"
	tagPrefix          = "tag:"
	tagNamePrefix      = "tagname:"
	itemPrefix         = "item:"
	locationItemPrefix = "locitem:"
)

func locationKey(id string) []byte       { return []byte(locationPrefix + id) }
func locationNameKey(name string) []byte { return []byte(locationNamePrefix + name) }
func tagKey(id string) []byte            { return []byte(tagPrefix + id) }
func tagNameKey(name string) []byte      { return []byte(tagNamePrefix + name) }
func itemKey(id string) []byte           { return []byte(itemPrefix + id) }

func locationItemsPrefix(locID string) []byte {
	return []byte(locationItemPrefix + locID + "/")
}

func locationItemKey(locID, itemID string) []byte {
	return append(locationItemsPrefix(locID), itemID...)
}

// Store implements [registry.Store] on BadgerDB.
type Store struct {
	db    *badger.DB
	owned bool
}

var _ registry.Store = (*Store)(nil)

// New returns a [Store] using db. The caller owns db.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

// Open opens the database in dir. An empty dir opens an in-memory
// database. The returned store owns the database; release it with
// [Store.Close].
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	return &Store{db: db, owned: true}, nil
}

// Close closes a database opened by [Open].
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// Ping implements [registry.Store.Ping].
func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badgerstore: database is closed")
	}
	return nil
}

// ─── Locations ───────────────────────────────────────────────────────────────

// CreateLocation implements [registry.Store.CreateLocation].
func (s *Store) CreateLocation(_ context.Context, loc registry.Location) (registry.Location, error) {
	if loc.ID == "" {
		loc.ID = uuid.NewString()
	}
	err := s.update(func(txn *badger.Txn) error {
		exists, err := has(txn, locationNameKey(loc.Name))
		if err != nil {
			return err
		}
		if exists {
			return registry.ErrDuplicateName
		}
		if err := putJSON(txn, locationKey(loc.ID), loc); err != nil {
			return err
		}
		return txn.Set(locationNameKey(loc.Name), []byte(loc.ID))
	})
	if err != nil {
		return registry.Location{}, wrap("create location", err)
	}
	return loc, nil
}

// GetLocation implements [registry.Reader.GetLocation].
func (s *Store) GetLocation(ctx context.Context, id string) (loc registry.Location, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		loc, err = reader{txn}.GetLocation(ctx, id)
		return err
	})
	return loc, err
}

// ListLocations implements [registry.Store.ListLocations]. The name index
// iterates in name order.
func (s *Store) ListLocations(_ context.Context) ([]registry.Location, error) {
	var out []registry.Location
	err := s.db.View(func(txn *badger.Txn) error {
		return scanIndex(txn, []byte(locationNamePrefix), 0, idFromValue, func(id string) (bool, error) {
			var loc registry.Location
			if err := getJSON(txn, locationKey(id), &loc); err != nil {
				return false, err
			}
			out = append(out, loc)
			return true, nil
		})
	})
	if err != nil {
		return nil, wrap("list locations", err)
	}
	return out, nil
}

// DeleteLocation implements [registry.Store.DeleteLocation].
func (s *Store) DeleteLocation(_ context.Context, id string) (int, error) {
	removed := 0
	err := s.update(func(txn *badger.Txn) error {
		removed = 0
		var loc registry.Location
		if err := getJSON(txn, locationKey(id), &loc); err != nil {
			return err
		}

		var itemIDs []string
		err := scanIndex(txn, locationItemsPrefix(id), 0, idFromKey, func(itemID string) (bool, error) {
			itemIDs = append(itemIDs, itemID)
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, itemID := range itemIDs {
			if err := txn.Delete(itemKey(itemID)); err != nil {
				return err
			}
			if err := txn.Delete(locationItemKey(id, itemID)); err != nil {
				return err
			}
		}
		removed = len(itemIDs)

		if err := txn.Delete(locationKey(id)); err != nil {
			return err
		}
		return txn.Delete(locationNameKey(loc.Name))
	})
	if err != nil {
		return 0, wrap("delete location", err)
	}
	return removed, nil
}

// ─── Tags ────────────────────────────────────────────────────────────────────

// CreateTag implements [registry.Store.CreateTag].
func (s *Store) CreateTag(_ context.Context, tag registry.Tag) (registry.Tag, error) {
	if tag.ID == "" {
		tag.ID = uuid.NewString()
	}
	err := s.update(func(txn *badger.Txn) error {
		exists, err := has(txn, tagNameKey(tag.Name))
		if err != nil {
			return err
		}
		if exists {
			return registry.ErrDuplicateName
		}
		if err := putJSON(txn, tagKey(tag.ID), tag); err != nil {
			return err
		}
		return txn.Set(tagNameKey(tag.Name), []byte(tag.ID))
	})
	if err != nil {
		return registry.Tag{}, wrap("create tag", err)
	}
	return tag, nil
}

// FindTag implements [registry.Reader.FindTag].
func (s *Store) FindTag(ctx context.Context, name string) (tag registry.Tag, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		tag, err = reader{txn}.FindTag(ctx, name)
		return err
	})
	return tag, err
}

// ListTags implements [registry.Store.ListTags].
func (s *Store) ListTags(_ context.Context, limit int) ([]registry.Tag, error) {
	if limit <= 0 {
		limit = registry.DefaultLimit
	}
	var out []registry.Tag
	err := s.db.View(func(txn *badger.Txn) error {
		return scanIndex(txn, []byte(tagNamePrefix), limit, idFromValue, func(id string) (bool, error) {
			var t registry.Tag
			if err := getJSON(txn, tagKey(id), &t); err != nil {
				return false, err
			}
			out = append(out, t)
			return true, nil
		})
	})
	if err != nil {
		return nil, wrap("list tags", err)
	}
	return out, nil
}

// DeleteTag implements [registry.Store.DeleteTag].
func (s *Store) DeleteTag(_ context.Context, id string) error {
	err := s.update(func(txn *badger.Txn) error {
		var t registry.Tag
		if err := getJSON(txn, tagKey(id), &t); err != nil {
			return err
		}
		if err := txn.Delete(tagKey(id)); err != nil {
			return err
		}
		return txn.Delete(tagNameKey(t.Name))
	})
	if err != nil {
		return wrap("delete tag", err)
	}
	return nil
}

// ─── Items ───────────────────────────────────────────────────────────────────

// CreateItem implements [registry.Store.CreateItem].
func (s *Store) CreateItem(_ context.Context, item registry.Item) (registry.Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item = item.Clone()
	item.Version = 1

	err := s.update(func(txn *badger.Txn) error {
		exists, err := has(txn, locationKey(item.LocationID))
		if err != nil {
			return err
		}
		if !exists {
			return registry.ErrNotFound
		}
		return putItem(txn, item, "")
	})
	if err != nil {
		return registry.Item{}, wrap("create item", err)
	}
	return item, nil
}

// GetItem implements [registry.Store.GetItem].
func (s *Store) GetItem(_ context.Context, id string) (registry.Item, error) {
	var it registry.Item
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, itemKey(id), &it)
	})
	if err != nil {
		return registry.Item{}, wrap("get item", err)
	}
	return it, nil
}

// DeleteItem implements [registry.Store.DeleteItem].
func (s *Store) DeleteItem(_ context.Context, id string) error {
	err := s.update(func(txn *badger.Txn) error {
		var it registry.Item
		if err := getJSON(txn, itemKey(id), &it); err != nil {
			return err
		}
		if err := txn.Delete(itemKey(id)); err != nil {
			return err
		}
		return txn.Delete(locationItemKey(it.LocationID, id))
	})
	if err != nil {
		return wrap("delete item", err)
	}
	return nil
}

// ListItems implements [registry.Store.ListItems]. The location index is
// keyed by item ID, so results come back in ID order.
func (s *Store) ListItems(_ context.Context, q registry.ItemQuery) ([]registry.Item, error) {
	limit := q.EffectiveLimit()
	var out []registry.Item
	err := s.db.View(func(txn *badger.Txn) error {
		return scanIndex(txn, locationItemsPrefix(q.LocationID), 0, idFromKey, func(itemID string) (bool, error) {
			var it registry.Item
			if err := getJSON(txn, itemKey(itemID), &it); err != nil {
				return false, err
			}
			if it.HasTags(q.Tags) {
				out = append(out, it)
			}
			return len(out) < limit, nil
		})
	})
	if err != nil {
		return nil, wrap("list items", err)
	}
	return out, nil
}

// MutateItem implements [registry.Store.MutateItem].
func (s *Store) MutateItem(ctx context.Context, id string, fn registry.MutateFunc) (registry.Item, error) {
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	var current registry.Item
	if err := getJSON(txn, itemKey(id), &current); err != nil {
		return registry.Item{}, wrap("mutate item: load", err)
	}

	next, err := fn(ctx, reader{txn}, current.Clone())
	if err != nil {
		return registry.Item{}, err
	}
	next = next.Clone()
	next.ID = id
	next.Version = current.Version + 1

	if err := putItem(txn, next, current.LocationID); err != nil {
		return registry.Item{}, wrap("mutate item: write", err)
	}
	if err := txn.Commit(); err != nil {
		return registry.Item{}, wrap("mutate item: commit", err)
	}
	return next, nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// reader serves [registry.Reader] inside a Badger transaction.
type reader struct{ txn *badger.Txn }

func (r reader) GetLocation(_ context.Context, id string) (registry.Location, error) {
	var loc registry.Location
	if err := getJSON(r.txn, locationKey(id), &loc); err != nil {
		return registry.Location{}, wrap("get location", err)
	}
	return loc, nil
}

func (r reader) FindTag(_ context.Context, name string) (registry.Tag, error) {
	item, err := r.txn.Get(tagNameKey(name))
	if err != nil {
		return registry.Tag{}, wrap("find tag", err)
	}
	id, err := item.ValueCopy(nil)
	if err != nil {
		return registry.Tag{}, wrap("find tag", err)
	}
	var t registry.Tag
	if err := getJSON(r.txn, tagKey(string(id)), &t); err != nil {
		return registry.Tag{}, wrap("find tag", err)
	}
	return t, nil
}

// update runs fn in a read-write transaction.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	return s.db.Update(fn)
}

// putItem writes it and moves its location index entry when the item
// changed location. prevLocation is empty for new items.
func putItem(txn *badger.Txn, it registry.Item, prevLocation string) error {
	if err := putJSON(txn, itemKey(it.ID), it); err != nil {
		return err
	}
	if prevLocation != "" && prevLocation != it.LocationID {
		if err := txn.Delete(locationItemKey(prevLocation, it.ID)); err != nil {
			return err
		}
	}
	return txn.Set(locationItemKey(it.LocationID, it.ID), nil)
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func has(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scanIndex walks keys under prefix in key order and passes the record ID
// of each entry to visit until visit returns false or limit entries were
// visited. A limit <= 0 means no limit.
func scanIndex(txn *badger.Txn, prefix []byte, limit int, idOf indexID, visit func(id string) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		id, err := idOf(it.Item(), prefix)
		if err != nil {
			return err
		}
		more, err := visit(id)
		if err != nil {
			return err
		}
		n++
		if !more || (limit > 0 && n >= limit) {
			return nil
		}
	}
	return nil
}

// indexID extracts the record ID from an index entry.
type indexID func(item *badger.Item, prefix []byte) (string, error)

// idFromValue reads name indexes, whose value is the record ID.
func idFromValue(item *badger.Item, _ []byte) (string, error) {
	val, err := item.ValueCopy(nil)
	return string(val), err
}

// idFromKey reads the location-item index, whose key ends in the item ID.
func idFromKey(item *badger.Item, prefix []byte) (string, error) {
	return string(item.Key()[len(prefix):]), nil
}

// wrap maps Badger errors onto the registry sentinels and adds context.
func wrap(op string, err error) error {
	switch {
	case errors.Is(err, badger.ErrKeyNotFound), errors.Is(err, registry.ErrNotFound):
		return registry.ErrNotFound
	case errors.Is(err, registry.ErrDuplicateName):
		return fmt.Errorf("badgerstore: %s: %w", op, registry.ErrDuplicateName)
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("badgerstore: %s: %w: %w", op, registry.ErrConflict, err)
	}
	return fmt.Errorf("badgerstore: %s: %w", op, err)
}
