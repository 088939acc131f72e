// Package grid generates candidate target points for area scans.
package grid

import (
	"errors"
	"fmt"
	"math"

	"sightline/pkg/geo"
)

var (
	// ErrTooFewVertices is returned for polygons with fewer than 3 vertices.
	ErrTooFewVertices = errors.New("polygon needs at least 3 vertices")
	// ErrNoPointSource is returned when a task carries no usable point source.
	ErrNoPointSource = errors.New("no point source")
	// ErrInvalidResolution is returned for non-positive grid resolutions.
	ErrInvalidResolution = errors.New("resolution must be positive")
	// ErrInvalidDistance is returned for sector distance ranges that select nothing.
	ErrInvalidDistance = errors.New("invalid sector distances")
)

// Source is one of ExplicitPoints, Sector or Polygon.
type Source interface {
	isSource()
}

// ExplicitPoints scans a fixed list of targets.
type ExplicitPoints struct {
	Points []geo.Point `json:"points"`
}

// Sector scans an annulus sector around Origin. Azimuths are in degrees and the
// range may wrap across north (e.g. 350..10). A span of 360 or more is a full circle.
type Sector struct {
	Origin      geo.Point `json:"origin"`
	MinDistance float64   `json:"minDistance"`
	MaxDistance float64   `json:"maxDistance"`
	MinAzimuth  float64   `json:"minAzimuth"`
	MaxAzimuth  float64   `json:"maxAzimuth"`
	Resolution  float64   `json:"resolution"`
}

// Polygon scans the area inside Vertices.
type Polygon struct {
	Vertices   []geo.Point `json:"vertices"`
	Resolution float64     `json:"resolution"`
}

func (ExplicitPoints) isSource() {}
func (Sector) isSource() {}
func (Polygon) isSource() {}

// Validate reports configuration errors before any work is done.
func Validate(s Source) error {
	switch src := s.(type) {
	case ExplicitPoints:
		if len(src.Points) == 0 {
			return fmt.Errorf("%w: empty point list", ErrNoPointSource)
		}
	case Sector:
		if src.Resolution <= 0 {
			return ErrInvalidResolution
		}
		if src.MinDistance < 0 || src.MaxDistance <= 0 || src.MinDistance > src.MaxDistance {
			return fmt.Errorf("%w: min %v, max %v", ErrInvalidDistance, src.MinDistance, src.MaxDistance)
		}
	case Polygon:
		if len(src.Vertices) < 3 {
			return ErrTooFewVertices
		}
		if src.Resolution <= 0 {
			return ErrInvalidResolution
		}
	default:
		return ErrNoPointSource
	}
	return nil
}

// azimuthSpan returns the sector span in degrees, 360 for a full circle.
func (s Sector) azimuthSpan() float64 {
	diff := s.MaxAzimuth - s.MinAzimuth
	if diff >= 360 || diff <= -360 {
		return 360
	}
	span := geo.NormalizeBearing(diff)
	if span == 0 {
		return 360
	}
	return span
}

// inAzimuth reports whether a bearing lies inside the sector's azimuth range.
func (s Sector) inAzimuth(bearing float64) bool {
	span := s.azimuthSpan()
	if span >= 360 {
		return true
	}
	return geo.NormalizeBearing(bearing-s.MinAzimuth) <= span
}

// EstimateCount returns a closed-form point count estimate without generating points.
// Invalid sources estimate to 0.
func EstimateCount(s Source) int64 {
	if Validate(s) != nil {
		return 0
	}
	switch src := s.(type) {
	case ExplicitPoints:
		return int64(len(src.Points))
	case Sector:
		area := math.Pi * (src.MaxDistance*src.MaxDistance - src.MinDistance*src.MinDistance) * (src.azimuthSpan() / 360)
		return int64(math.Round(area / (src.Resolution * src.Resolution)))
	case Polygon:
		return int64(math.Round(geo.PolygonArea(src.Vertices) / (src.Resolution * src.Resolution)))
	}
	return 0
}

// Steps returns the lattice spacing in degrees for a source. Explicit point lists have none.
func Steps(s Source) (latStep, lonStep float64) {
	switch src := s.(type) {
	case Sector:
		return geo.MetersToLatDeg(src.Resolution), geo.MetersToLonDeg(src.Resolution, src.Origin.Lat)
	case Polygon:
		b := geo.PolygonBounds(src.Vertices)
		return geo.MetersToLatDeg(src.Resolution), geo.MetersToLonDeg(src.Resolution, (b.North+b.South)/2)
	}
	return 0, 0
}

// extent returns the unpadded bounding box of the candidate lattice.
func extent(s Source) geo.Bounds {
	switch src := s.(type) {
	case ExplicitPoints:
		return pointBounds(src.Points)
	case Sector:
		dLat := geo.MetersToLatDeg(src.MaxDistance)
		north := math.Min(89.9, src.Origin.Lat+dLat)
		south := math.Max(-89.9, src.Origin.Lat-dLat)
		// The circle is widest in longitude at the latitude farthest from the equator
		widest := math.Max(math.Abs(north), math.Abs(south))
		dLon := math.Min(180, geo.MetersToLonDeg(src.MaxDistance, widest))
		return geo.Bounds{West: src.Origin.Lon - dLon, South: south, East: src.Origin.Lon + dLon, North: north}
	case Polygon:
		return geo.PolygonBounds(src.Vertices)
	}
	return geo.Bounds{}
}

func pointBounds(points []geo.Point) geo.Bounds {
	if len(points) == 0 {
		return geo.Bounds{}
	}
	b := geo.Bounds{West: points[0].Lon, East: points[0].Lon, South: points[0].Lat, North: points[0].Lat}
	for _, p := range points[1:] {
		b.West = math.Min(b.West, p.Lon)
		b.East = math.Max(b.East, p.Lon)
		b.South = math.Min(b.South, p.Lat)
		b.North = math.Max(b.North, p.Lat)
	}
	return b
}

// ComputeBounds returns the scan area padded by half a grid cell.
// O(1) for sectors, O(vertices) for polygons.
func ComputeBounds(s Source) geo.Bounds {
	b := extent(s)
	latStep, lonStep := Steps(s)
	return b.Pad(latStep/2, lonStep/2)
}

// ComputeZoom picks the tile zoom for a scan reaching maxDistance meters.
// Larger spans use coarser tiles.
func ComputeZoom(maxDistance float64) int {
	switch {
	case maxDistance <= 10_000:
		return 13
	case maxDistance <= 50_000:
		return 12
	case maxDistance <= 100_000:
		return 11
	default:
		return 10
	}
}

// MaxDistance returns the farthest distance from origin to any part of the scan area.
func MaxDistance(origin geo.Point, s Source) float64 {
	switch src := s.(type) {
	case Sector:
		return src.MaxDistance + geo.Distance(origin, src.Origin)
	case ExplicitPoints:
		return farthest(origin, src.Points)
	case Polygon:
		return farthest(origin, src.Vertices)
	}
	return 0
}

func farthest(origin geo.Point, points []geo.Point) float64 {
	var d float64
	for _, p := range points {
		d = math.Max(d, geo.Distance(origin, p))
	}
	return d
}
