package service

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/locus/internal/observe"
	"github.com/MrWong99/locus/internal/registry"
)

func (s *Service) createLocation(ctx context.Context, p Params) (string, error) {
	kind := registry.LocationKind(p["type"])
	if !kind.IsValid() {
		return "", validationError("Invalid location type")
	}
	name := p["name"]
	switch {
	case strings.Contains(name, ","):
		return "", validationError("Invalid location name (can't contain commas)")
	case name == "":
		return "", validationError("Invalid location name (can't be empty)")
	}

	loc, err := s.store.CreateLocation(ctx, registry.Location{Name: name, Kind: kind})
	if errors.Is(err, registry.ErrDuplicateName) {
		return "", conflictError("Name already taken", err)
	}
	if err != nil {
		return "", err
	}
	return "Location created successfully," + loc.ID, nil
}

// deleteLocation removes the location together with every item placed in
// it.
func (s *Service) deleteLocation(ctx context.Context, p Params) (string, error) {
	id := p["location_id"]
	if id == "" {
		return "", notFoundError("Location does not exist", nil)
	}
	n, err := s.store.DeleteLocation(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return "", notFoundError("Location does not exist", err)
	}
	if err != nil {
		return "", err
	}
	if n > 0 {
		observe.Logger(ctx).Info("location deleted with its items", "location_id", id, "items", n)
	}
	return "Location deleted successfully", nil
}

func (s *Service) listLocations(ctx context.Context, _ Params) (string, error) {
	locs, err := s.store.ListLocations(ctx)
	if err != nil {
		return "", err
	}
	return locationRows(locs), nil
}
