// Package geo computes distances between item positions and filters
// candidates by radius.
//
// Two coordinate systems are supported: geographic (latitude, longitude in
// degrees, distance in meters along a great circle) and cartesian (x, y, z,
// straight-line distance). The radius predicate is inclusive.
package geo

import "math"

// EarthRadius is the mean Earth radius in meters used by [Haversine].
const EarthRadius = 6371000.0

// Metric returns the distance between two points of the same dimension.
type Metric func(a, b []float64) float64

// Haversine returns the great-circle distance in meters between two
// (latitude, longitude) points given in degrees.
func Haversine(a, b []float64) float64 {
	lat1Rad := a[0] * math.Pi / 180
	lat2Rad := b[0] * math.Pi / 180
	deltaLat := (b[0] - a[0]) * math.Pi / 180
	deltaLon := (b[1] - a[1]) * math.Pi / 180

	h := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadius * c
}

// Euclidean returns the straight-line distance between two (x, y, z) points.
func Euclidean(a, b []float64) float64 {
	var sum float64
	for i := range min(len(a), len(b)) {
		d := b[i] - a[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Within reports whether p lies at most radius away from center.
func Within(m Metric, center, p []float64, radius float64) bool {
	return m(center, p) <= radius
}

// Filter returns the elements of items whose position, as reported by pos,
// lies within radius of center. The input order is preserved.
func Filter[T any](items []T, pos func(T) []float64, m Metric, center []float64, radius float64) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if Within(m, center, pos(it), radius) {
			out = append(out, it)
		}
	}
	return out
}
