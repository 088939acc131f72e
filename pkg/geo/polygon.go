package geo

import (
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

// ToOrb converts a Point to an orb.Point (lon, lat order).
func ToOrb(p Point) orb.Point {
	return orb.Point{p.Lon, p.Lat}
}

// FromOrb converts an orb.Point (lon, lat order) to a Point.
func FromOrb(p orb.Point) Point {
	return Point{Lat: p[1], Lon: p[0]}
}

// Ring builds a closed orb.Ring from polygon vertices.
func Ring(vertices []Point) orb.Ring {
	ring := make(orb.Ring, 0, len(vertices)+1)
	for _, v := range vertices {
		ring = append(ring, ToOrb(v))
	}
	if len(ring) > 0 && !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return ring
}

// PolygonContains reports whether p lies inside the ring using the crossing-number test.
// Points on the boundary count as inside.
func PolygonContains(ring orb.Ring, p Point) bool {
	return planar.RingContains(ring, ToOrb(p))
}

// PolygonBounds returns the min/max box over the vertices.
func PolygonBounds(vertices []Point) Bounds {
	b := Bounds{West: math.Inf(1), South: math.Inf(1), East: math.Inf(-1), North: math.Inf(-1)}
	for _, v := range vertices {
		b.West = math.Min(b.West, v.Lon)
		b.East = math.Max(b.East, v.Lon)
		b.South = math.Min(b.South, v.Lat)
		b.North = math.Max(b.North, v.Lat)
	}
	return b
}

// PolygonArea returns the spherical area of the polygon in square meters.
func PolygonArea(vertices []Point) float64 {
	if len(vertices) < 3 {
		return 0
	}
	return math.Abs(orbgeo.Area(orb.Polygon{Ring(vertices)}))
}
