// Package region reads scan polygons from GeoJSON and shapefiles.
package region

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"sightline/pkg/geo"
)

var (
	// ErrNoPolygon is returned when a file holds no usable polygon.
	ErrNoPolygon = errors.New("no polygon found")
	// ErrUnsupportedFormat is returned for unknown file extensions.
	ErrUnsupportedFormat = errors.New("unsupported region format")
)

// Load returns the outer ring of the first polygon in a .geojson, .json or
// .shp file. Holes and further polygons are ignored.
func Load(path string) (orb.Ring, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read geojson %s: %w", path, err)
		}
		return ParseGeoJSON(data)
	case ".shp":
		return loadShapefile(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// LoadVertices is Load returning the ring as polygon scan vertices.
func LoadVertices(path string) ([]geo.Point, error) {
	ring, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Vertices(ring), nil
}

// ParseGeoJSON accepts a FeatureCollection, a single Feature or a bare geometry.
func ParseGeoJSON(data []byte) (orb.Ring, error) {
	if fc, err := geojson.UnmarshalFeatureCollection(data); err == nil && len(fc.Features) > 0 {
		for _, f := range fc.Features {
			if ring, ok := outerRing(f.Geometry); ok {
				return ring, nil
			}
		}
		return nil, ErrNoPolygon
	}
	if f, err := geojson.UnmarshalFeature(data); err == nil && f.Geometry != nil {
		if ring, ok := outerRing(f.Geometry); ok {
			return ring, nil
		}
		return nil, ErrNoPolygon
	}
	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse geojson: %w", err)
	}
	if ring, ok := outerRing(g.Geometry()); ok {
		return ring, nil
	}
	return nil, ErrNoPolygon
}

func outerRing(g orb.Geometry) (orb.Ring, bool) {
	switch v := g.(type) {
	case orb.Polygon:
		if len(v) > 0 && len(v[0]) >= 3 {
			return v[0], true
		}
	case orb.MultiPolygon:
		for _, p := range v {
			if len(p) > 0 && len(p[0]) >= 3 {
				return p[0], true
			}
		}
	case orb.Ring:
		if len(v) >= 3 {
			return v, true
		}
	}
	return nil, false
}

func loadShapefile(path string) (orb.Ring, error) {
	shape, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open shapefile: %w", err)
	}
	defer shape.Close()

	for shape.Next() {
		_, p := shape.Shape()
		poly, ok := p.(*shp.Polygon)
		if !ok {
			continue
		}
		if ring := firstPart(poly); len(ring) >= 3 {
			return ring, nil
		}
	}
	if err := shape.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shapes: %w", err)
	}
	return nil, ErrNoPolygon
}

// firstPart returns the first ring of a shapefile polygon. Shapefiles list
// outer rings clockwise, the reverse of GeoJSON, which containment ignores.
func firstPart(s *shp.Polygon) orb.Ring {
	if s.NumParts == 0 {
		return nil
	}
	end := s.NumPoints
	if s.NumParts > 1 {
		end = s.Parts[1]
	}
	ring := make(orb.Ring, 0, end-s.Parts[0])
	for j := s.Parts[0]; j < end; j++ {
		ring = append(ring, orb.Point{s.Points[j].X, s.Points[j].Y})
	}
	return ring
}

// Vertices converts a ring to scan vertices, dropping the closing point.
func Vertices(ring orb.Ring) []geo.Point {
	n := len(ring)
	if n > 1 && ring[0].Equal(ring[n-1]) {
		n--
	}
	out := make([]geo.Point, 0, n)
	for _, p := range ring[:n] {
		out = append(out, geo.FromOrb(p))
	}
	return out
}
