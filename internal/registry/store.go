// Package registry defines the domain records of the item registry and the
// [Store] contract every persistence backend implements.
//
// Reads and single-record writes are plain method calls. Read-modify-write
// on an item goes through [Store.MutateItem], which hands the current state
// to a caller-supplied [MutateFunc] and commits the returned state
// atomically. Backends perform exactly one attempt per call and report lost
// races as [ErrConflict]; [Retrying] layers the bounded backoff policy on
// top of any backend.
package registry

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("registry: not found")

	// ErrDuplicateName is returned when a location or tag name is taken.
	ErrDuplicateName = errors.New("registry: name already taken")

	// ErrConflict is returned by a single [Store.MutateItem] attempt that lost
	// an optimistic-concurrency race. It is safe to retry.
	ErrConflict = errors.New("registry: transaction conflict")

	// ErrTimeout is returned when a transaction could not be committed within
	// its deadline.
	ErrTimeout = errors.New("registry: transaction deadline exceeded")
)

// DefaultLimit bounds list queries that do not specify a limit.
const DefaultLimit = 100

// Reader is the read-only view handed to a [MutateFunc] for referential
// checks inside a transaction.
type Reader interface {
	// GetLocation returns [ErrNotFound] when no location has that ID.
	GetLocation(ctx context.Context, id string) (Location, error)

	// FindTag looks a tag up by name. Returns [ErrNotFound] when absent.
	FindTag(ctx context.Context, name string) (Tag, error)
}

// MutateFunc computes the new state of an item from its current state. It
// receives a private copy of the item and must not retain it. It may be
// called more than once for one logical update, so it must not have side
// effects outside its return value. A non-nil error aborts the transaction
// and is returned to the caller unchanged.
type MutateFunc func(ctx context.Context, r Reader, current Item) (Item, error)

// ItemQuery narrows [Store.ListItems]. All conditions are combined with AND.
type ItemQuery struct {
	// LocationID restricts results to one location. Required.
	LocationID string

	// Tags restricts results to items carrying all of these tags.
	Tags []string

	// Limit caps the number of results. Zero means [DefaultLimit].
	Limit int
}

// EffectiveLimit returns q.Limit, or [DefaultLimit] when unset.
func (q ItemQuery) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

// Store persists locations, tags and items.
//
// Create methods generate a random ID when the record's ID is empty. List
// results are ordered: locations and tags by name, items by ID.
//
// All implementations must be safe for concurrent use.
type Store interface {
	Reader

	// CreateLocation stores a new location. Returns [ErrDuplicateName] when
	// the name is taken.
	CreateLocation(ctx context.Context, loc Location) (Location, error)

	// ListLocations returns every location.
	ListLocations(ctx context.Context) ([]Location, error)

	// DeleteLocation removes a location and every item referencing it, and
	// reports how many items were removed. Returns [ErrNotFound] when no
	// location has that ID.
	DeleteLocation(ctx context.Context, id string) (int, error)

	// CreateTag stores a new tag. Returns [ErrDuplicateName] when the name is
	// taken.
	CreateTag(ctx context.Context, tag Tag) (Tag, error)

	// ListTags returns up to limit tags. A limit <= 0 means [DefaultLimit].
	ListTags(ctx context.Context, limit int) ([]Tag, error)

	// DeleteTag removes a tag by ID. Items keep the name in their tag list.
	DeleteTag(ctx context.Context, id string) error

	// CreateItem stores a new item with version 1.
	CreateItem(ctx context.Context, item Item) (Item, error)

	// GetItem returns [ErrNotFound] when no item has that ID.
	GetItem(ctx context.Context, id string) (Item, error)

	// DeleteItem returns [ErrNotFound] when no item has that ID.
	DeleteItem(ctx context.Context, id string) error

	// ListItems returns the items matching q.
	ListItems(ctx context.Context, q ItemQuery) ([]Item, error)

	// MutateItem performs one read-modify-write attempt. It returns
	// [ErrNotFound] for a missing item, [ErrConflict] when a concurrent
	// writer committed first, the error of fn unchanged when fn fails, and
	// the committed item otherwise.
	MutateItem(ctx context.Context, id string, fn MutateFunc) (Item, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
