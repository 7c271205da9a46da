// Package seed loads a YAML description of a world (locations, tags and
// items) and creates it through the registry service, so seeded records
// pass the same validation as API requests.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/locus/internal/service"
)

// World is the top-level structure of a seed file.
//
// Example:
//
//	locations:
//	  - name: Tavern
//	    type: INDOOR
//	tags: [light, fragile]
//	items:
//	  - name: lantern
//	    type: light_source
//	    location: Tavern
//	    coordinates: [1, 2, 0]
//	    tags: [light]
//	    attributes:
//	      fuel: 10
type World struct {
	Locations []LocationDef `yaml:"locations"`
	Tags      []string      `yaml:"tags"`
	Items     []ItemDef     `yaml:"items"`
}

// LocationDef declares one location.
type LocationDef struct {
	Name string `yaml:"name"`

	// Type is INDOOR or OUTDOOR.
	Type string `yaml:"type"`
}

// ItemDef declares one item. Location refers to a location by name.
type ItemDef struct {
	Name        string            `yaml:"name"`
	Type        string            `yaml:"type"`
	Owner       string            `yaml:"owner"`
	Location    string            `yaml:"location"`
	Coordinates []float64         `yaml:"coordinates"`
	Tags        []string          `yaml:"tags"`
	Attributes  map[string]string `yaml:"attributes"`
}

// Stats counts the records created by [Apply].
type Stats struct {
	Locations int
	Tags      int
	Items     int
}

// Executor runs one registry operation. [*service.Service] implements it.
type Executor interface {
	Execute(ctx context.Context, op service.Operation, role service.Role, p service.Params) (string, error)
}

// LoadFile reads and parses a seed file from disk.
func LoadFile(path string) (*World, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("seed: open %q: %w", path, err)
	}
	defer f.Close()

	w, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("seed: parse %q: %w", path, err)
	}
	return w, nil
}

// Load parses seed YAML from r. Unknown keys are rejected.
func Load(r io.Reader) (*World, error) {
	var w World
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&w); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("seed: decode yaml: %w", err)
	}
	return &w, nil
}

// Apply creates every location, then every tag, then every item of w as
// the designer. It stops at the first rejected record and returns the
// counts so far.
func Apply(ctx context.Context, exec Executor, w *World) (Stats, error) {
	var st Stats
	if w == nil {
		return st, errors.New("seed: world must not be nil")
	}

	locations := make(map[string]string, len(w.Locations))
	for _, l := range w.Locations {
		id, err := create(ctx, exec, service.OpCreateLocation, service.Params{"name": l.Name, "type": l.Type})
		if err != nil {
			return st, fmt.Errorf("seed: location %q: %w", l.Name, err)
		}
		locations[l.Name] = id
		st.Locations++
	}

	for _, name := range w.Tags {
		if _, err := create(ctx, exec, service.OpCreateTag, service.Params{"name": name}); err != nil {
			return st, fmt.Errorf("seed: tag %q: %w", name, err)
		}
		st.Tags++
	}

	for _, it := range w.Items {
		locID, ok := locations[it.Location]
		if !ok {
			return st, fmt.Errorf("seed: item %q: unknown location %q", it.Name, it.Location)
		}
		if _, err := create(ctx, exec, service.OpCreateItem, itemParams(it, locID)); err != nil {
			return st, fmt.Errorf("seed: item %q: %w", it.Name, err)
		}
		st.Items++
	}
	return st, nil
}

// create runs op and returns the id from its "<message>,<id>" response.
func create(ctx context.Context, exec Executor, op service.Operation, p service.Params) (string, error) {
	body, err := exec.Execute(ctx, op, service.RoleDesigner, p)
	if err != nil {
		return "", err
	}
	_, id, ok := strings.Cut(body, ",")
	if !ok {
		return "", fmt.Errorf("unexpected response %q", body)
	}
	return id, nil
}

func itemParams(it ItemDef, locationID string) service.Params {
	p := service.Params{
		"name":        it.Name,
		"type":        it.Type,
		"location_id": locationID,
	}
	if it.Owner != "" {
		p["owner"] = it.Owner
	}

	coords := make([]string, len(it.Coordinates))
	for i, c := range it.Coordinates {
		coords[i] = strconv.FormatFloat(c, 'g', -1, 64)
	}
	p["coordinates"] = strings.Join(coords, ",")

	if len(it.Tags) > 0 {
		p["tags"] = strings.Join(it.Tags, ",")
	}
	if len(it.Attributes) > 0 {
		keys := make([]string, 0, len(it.Attributes))
		for k := range it.Attributes {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = k + "=" + it.Attributes[k]
		}
		p["attributes"] = strings.Join(pairs, ",")
	}
	return p
}
