package registry

import (
	"slices"

	"github.com/MrWong99/locus/internal/attr"
	"github.com/MrWong99/locus/internal/geo"
)

// LocationKind selects the coordinate system of a location.
type LocationKind string

const (
	// Indoor locations use cartesian (x, y, z) coordinates.
	Indoor LocationKind = "INDOOR"

	// Outdoor locations use geographic (latitude, longitude) coordinates.
	Outdoor LocationKind = "OUTDOOR"
)

// IsValid reports whether k is a recognised location kind.
func (k LocationKind) IsValid() bool {
	return k == Indoor || k == Outdoor
}

// Dimensions returns the number of coordinates an item at a location of
// this kind carries.
func (k LocationKind) Dimensions() int {
	if k == Outdoor {
		return 2
	}
	return 3
}

// Metric returns the distance function for this kind's coordinate system.
func (k LocationKind) Metric() geo.Metric {
	if k == Outdoor {
		return geo.Haversine
	}
	return geo.Euclidean
}

// Owner records who holds an item.
type Owner string

const (
	PublicDomain Owner = "PUBLIC_DOMAIN"
	APlayer      Owner = "A_PLAYER"
)

// IsValid reports whether o is a recognised owner.
func (o Owner) IsValid() bool {
	return o == PublicDomain || o == APlayer
}

// Location is a named place with a coordinate system. Locations are never
// modified after creation.
type Location struct {
	ID   string       `json:"location_id"`
	Name string       `json:"name"`
	Kind LocationKind `json:"type"`
}

// Tag is a unique label that items may carry.
type Tag struct {
	ID   string `json:"tag_id"`
	Name string `json:"name"`
}

// Item is a placed, owned, typed object with positional and attribute
// state.
type Item struct {
	ID          string    `json:"item_id"`
	Owner       Owner     `json:"owner"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	LocationID  string    `json:"location_id"`
	Coordinates []float64 `json:"coordinates"`
	Tags        []string  `json:"tags"`
	Attributes  attr.Map  `json:"attributes"`

	// Version increases on every committed write. Backends use it for
	// optimistic concurrency; callers treat it as opaque.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of it.
func (it Item) Clone() Item {
	out := it
	out.Coordinates = slices.Clone(it.Coordinates)
	out.Tags = slices.Clone(it.Tags)
	if it.Attributes != nil {
		out.Attributes = it.Attributes.Clone()
	}
	return out
}

// HasTags reports whether it carries every tag in want.
func (it Item) HasTags(want []string) bool {
	for _, t := range want {
		if !slices.Contains(it.Tags, t) {
			return false
		}
	}
	return true
}
