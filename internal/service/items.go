package service

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/MrWong99/locus/internal/attr"
	"github.com/MrWong99/locus/internal/geo"
	"github.com/MrWong99/locus/internal/mutation"
	"github.com/MrWong99/locus/internal/registry"
)

const msgInvalidName = "Invalid name (at least one character, can't contain commas)"

func validItemName(name string) bool {
	return name != "" && !strings.Contains(name, ",")
}

func parseOwner(raw string) (registry.Owner, error) {
	o := registry.Owner(raw)
	if !o.IsValid() {
		return "", validationError("Invalid owner (should be either PUBLIC_DOMAIN or A_PLAYER)")
	}
	return o, nil
}

func (s *Service) createItem(ctx context.Context, p Params) (string, error) {
	it := registry.Item{Owner: registry.PublicDomain}

	if raw, ok := p["owner"]; ok {
		o, err := parseOwner(raw)
		if err != nil {
			return "", err
		}
		it.Owner = o
	}

	it.Name = p["name"]
	if !validItemName(it.Name) {
		return "", validationError(msgInvalidName)
	}
	it.Type = p["type"]
	if it.Type == "" {
		return "", validationError("Invalid type")
	}

	it.LocationID = p["location_id"]
	if it.LocationID == "" {
		return "", validationError("Invalid location_id")
	}
	loc, err := s.store.GetLocation(ctx, it.LocationID)
	if errors.Is(err, registry.ErrNotFound) {
		return "", validationError("Invalid location_id")
	}
	if err != nil {
		return "", err
	}

	if raw, ok := p["attributes"]; ok {
		as, err := attr.ParseAssignments(raw)
		if err != nil {
			return "", invalid(err)
		}
		// A delta on a fresh item has nothing to apply to and fails here.
		if it.Attributes, err = mutation.ApplyAll(nil, as); err != nil {
			return "", invalid(err)
		}
	}

	raw, ok := p["coordinates"]
	if !ok {
		return "", validationError("Invalid coordinates (you must specify coordinates)")
	}
	if it.Coordinates, err = attr.ParseCoordinates(raw); err != nil {
		return "", invalid(err)
	}
	if len(it.Coordinates) != loc.Kind.Dimensions() {
		return "", createCoordinateError(loc.Kind)
	}

	if raw, ok := p["tags"]; ok {
		if it.Tags, err = attr.ParseTags(raw); err != nil {
			return "", invalid(err)
		}
		missing, err := missingTag(ctx, s.store, it.Tags, tagLookupConcurrency)
		if err != nil {
			return "", err
		}
		if missing != "" {
			return "", validationError("Invalid tags (tag does not exist)")
		}
	}

	created, err := s.store.CreateItem(ctx, it)
	if err != nil {
		return "", err
	}
	return "Item created successfully," + created.ID, nil
}

// itemUpdate is the parsed form of an update_item request. Nil pointers
// and slices mean "leave unchanged".
type itemUpdate struct {
	owner       *registry.Owner
	name        *string
	typ         *string
	locationID  *string
	coordinates []float64
	tags        []string
	attributes  []attr.Assignment
}

var updatableFields = []string{"owner", "name", "type", "location_id", "coordinates", "tags", "attributes"}

func parseItemUpdate(p Params) (itemUpdate, error) {
	var u itemUpdate
	if raw, ok := p["owner"]; ok {
		o, err := parseOwner(raw)
		if err != nil {
			return u, err
		}
		u.owner = &o
	}
	if raw, ok := p["name"]; ok {
		if !validItemName(raw) {
			return u, validationError(msgInvalidName)
		}
		u.name = &raw
	}
	if raw, ok := p["type"]; ok {
		if raw == "" {
			return u, validationError("Invalid type")
		}
		u.typ = &raw
	}
	if raw, ok := p["location_id"]; ok {
		u.locationID = &raw
	}

	var err error
	if raw, ok := p["coordinates"]; ok {
		if u.coordinates, err = attr.ParseCoordinates(raw); err != nil {
			return u, invalid(err)
		}
	}
	if raw, ok := p["tags"]; ok {
		if u.tags, err = attr.ParseTags(raw); err != nil {
			return u, invalid(err)
		}
	}
	if raw, ok := p["attributes"]; ok {
		if u.attributes, err = attr.ParseAssignments(raw); err != nil {
			return u, invalid(err)
		}
	}
	return u, nil
}

// apply computes the updated item. Referential checks go through r so
// they observe the same transaction as the write.
func (u itemUpdate) apply(ctx context.Context, r registry.Reader, cur registry.Item) (registry.Item, error) {
	next := cur

	if u.locationID != nil {
		next.LocationID = *u.locationID
	}
	if u.locationID != nil || u.coordinates != nil {
		loc, err := r.GetLocation(ctx, next.LocationID)
		if errors.Is(err, registry.ErrNotFound) {
			return cur, validationError("Invalid location_id")
		}
		if err != nil {
			return cur, err
		}
		if u.coordinates != nil {
			next.Coordinates = u.coordinates
		}
		if len(next.Coordinates) != loc.Kind.Dimensions() {
			return cur, updateCoordinateError(loc.Kind)
		}
	}

	if u.tags != nil {
		missing, err := missingTag(ctx, r, u.tags, 1)
		if err != nil {
			return cur, err
		}
		if missing != "" {
			return cur, validationErrorf("Invalid tag: %s", missing)
		}
		next.Tags = u.tags
	}

	if u.attributes != nil {
		attrs, err := mutation.ApplyAll(cur.Attributes, u.attributes)
		if err != nil {
			return cur, invalid(err)
		}
		next.Attributes = attrs
	}

	if u.owner != nil {
		next.Owner = *u.owner
	}
	if u.name != nil {
		next.Name = *u.name
	}
	if u.typ != nil {
		next.Type = *u.typ
	}
	return next, nil
}

func (s *Service) updateItem(ctx context.Context, p Params) (string, error) {
	changed := false
	for _, f := range updatableFields {
		if _, ok := p[f]; ok {
			changed = true
			break
		}
	}
	if !changed {
		return "", validationError("At least one parameter must be specified")
	}

	id := p["item_id"]
	if id == "" {
		return "", validationError("Invalid item_id")
	}
	u, err := parseItemUpdate(p)
	if err != nil {
		return "", err
	}

	updated, err := s.store.MutateItem(ctx, id, u.apply)
	if errors.Is(err, registry.ErrNotFound) {
		return "", notFoundError("Invalid item_id", err)
	}
	if err != nil {
		return "", err
	}
	for _, a := range u.attributes {
		_, op := mutation.Split(a.Key)
		s.metrics.RecordAttributeMutation(ctx, op.String())
	}
	return itemRow(updated), nil
}

func (s *Service) deleteItem(ctx context.Context, p Params) (string, error) {
	id := p["item_id"]
	if id == "" {
		return "", validationError("Invalid item_id")
	}
	if err := s.store.DeleteItem(ctx, id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return "", notFoundError("Invalid item_id", err)
		}
		return "", err
	}
	return "Item deleted successfully", nil
}

func (s *Service) getItem(ctx context.Context, p Params) (string, error) {
	id := p["item_id"]
	if id == "" {
		return "", validationError("Invalid item_id (must be specified)")
	}
	it, err := s.store.GetItem(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return "", notFoundError("Invalid item_id (item does not exist)", err)
	}
	if err != nil {
		return "", err
	}
	return itemRow(it), nil
}

// proximity is the optional position/radius filter of list_items.
type proximity struct {
	center []float64
	radius float64
}

func parseProximity(p Params, kind registry.LocationKind) (*proximity, error) {
	rawPos, ok := p["position"]
	if !ok {
		return nil, nil
	}

	rawRadius, ok := p["radius"]
	if !ok {
		return nil, validationError("radius is required")
	}
	radius, err := strconv.ParseFloat(rawRadius, 64)
	if err != nil || math.IsNaN(radius) {
		return nil, validationError("radius should be a number")
	}
	if radius <= 0 {
		return nil, validationError("radius should be greater than 0")
	}

	center, err := attr.ParseCoordinates(rawPos)
	if err != nil || len(center) != kind.Dimensions() {
		if kind == registry.Outdoor {
			return nil, validationError("Invalid position (should be latitude,longitude)")
		}
		return nil, validationError("Invalid position (should be x,y,z)")
	}
	return &proximity{center: center, radius: radius}, nil
}

func (s *Service) listItems(ctx context.Context, p Params) (string, error) {
	locID, ok := p["location_id"]
	if !ok {
		return "", validationError("location_id is required")
	}
	loc, err := s.store.GetLocation(ctx, locID)
	if errors.Is(err, registry.ErrNotFound) {
		return "", validationError("Invalid location_id")
	}
	if err != nil {
		return "", err
	}

	limit, err := positiveLimit(p, "max_items")
	if err != nil {
		return "", err
	}

	q := registry.ItemQuery{LocationID: loc.ID, Limit: limit}
	if raw, ok := p["tags"]; ok {
		if q.Tags, err = attr.ParseTags(raw); err != nil {
			return "", invalid(err)
		}
		missing, err := missingTag(ctx, s.store, q.Tags, tagLookupConcurrency)
		if err != nil {
			return "", err
		}
		if missing != "" {
			return "", validationErrorf("Invalid tag: %s", missing)
		}
	}

	near, err := parseProximity(p, loc.Kind)
	if err != nil {
		return "", err
	}

	items, err := s.store.ListItems(ctx, q)
	if err != nil {
		return "", err
	}
	if near != nil {
		items = geo.Filter(items, func(it registry.Item) []float64 { return it.Coordinates },
			loc.Kind.Metric(), near.center, near.radius)
	}
	return itemRows(items), nil
}

// acquireItem transfers ownership to the calling player. The current owner
// is not checked.
func (s *Service) acquireItem(ctx context.Context, p Params) (string, error) {
	id := p["item_id"]
	if id == "" {
		return "", validationError("Invalid item_id")
	}
	_, err := s.store.MutateItem(ctx, id, func(_ context.Context, _ registry.Reader, cur registry.Item) (registry.Item, error) {
		cur.Owner = registry.APlayer
		return cur, nil
	})
	if errors.Is(err, registry.ErrNotFound) {
		return "", notFoundError("Invalid item_id (item does not exist)", err)
	}
	if err != nil {
		return "", err
	}
	return "Item acquired successfully", nil
}
