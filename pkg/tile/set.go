package tile

import (
	"sightline/pkg/geo"
)

// Set is a read-only view over decoded tiles at one zoom level. Each execution
// unit owns its own Set, so lookups never touch the shared cache.
type Set struct {
	zoom  int
	tiles map[Key]*Raster
}

// NewSet creates an empty set.
func NewSet(zoom int) *Set {
	return &Set{zoom: zoom, tiles: make(map[Key]*Raster)}
}

// Add registers a raster. Only used while building the set.
func (s *Set) Add(k Key, r *Raster) {
	s.tiles[k] = r
}

// Zoom returns the set's zoom level.
func (s *Set) Zoom() int { return s.zoom }

// Len returns the number of tiles in the set.
func (s *Set) Len() int { return len(s.tiles) }

// Clone copies the tile index. Rasters are shared since they are immutable.
func (s *Set) Clone() *Set {
	c := &Set{zoom: s.zoom, tiles: make(map[Key]*Raster, len(s.tiles))}
	for k, r := range s.tiles {
		c.tiles[k] = r
	}
	return c
}

// Elevation returns the ground elevation at p, or false when no tile covers it
// or the tile has no data there.
func (s *Set) Elevation(p geo.Point) (float64, bool) {
	fx, fy := fraction(p, s.zoom)
	k := Key{Z: s.zoom, X: clampIndex(int(fx), s.zoom), Y: clampIndex(int(fy), s.zoom)}
	r, ok := s.tiles[k]
	if !ok {
		return 0, false
	}
	return r.Sample((fx-float64(k.X))*float64(r.Size), (fy-float64(k.Y))*float64(r.Size))
}
