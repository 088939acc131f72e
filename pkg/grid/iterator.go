package grid

import (
	"math"

	"github.com/paulmach/orb"

	"sightline/pkg/geo"
)

// Iterator yields target points in bounded chunks. It is not restartable:
// call Generate again for a fresh pass. Lattice coordinates are computed from
// integer indices so long scans do not drift.
type Iterator struct {
	chunkSize int
	done      bool

	// explicit points
	points []geo.Point
	pos    int

	// lattice
	filter   func(geo.Point) bool
	south    float64
	west     float64
	latStep  float64
	lonStep  float64
	rows     int
	cols     int
	row, col int
}

// Generate returns a lazy iterator over the source's points.
func Generate(s Source, chunkSize int) (*Iterator, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = 500
	}
	it := &Iterator{chunkSize: chunkSize}

	switch src := s.(type) {
	case ExplicitPoints:
		it.points = src.Points
		return it, nil
	case Sector:
		it.filter = func(p geo.Point) bool {
			d := geo.Distance(src.Origin, p)
			if d < src.MinDistance || d > src.MaxDistance {
				return false
			}
			return src.inAzimuth(geo.Bearing(src.Origin, p))
		}
	case Polygon:
		ring := geo.Ring(src.Vertices)
		bound := ring.Bound()
		it.filter = func(p geo.Point) bool {
			pt := orb.Point{p.Lon, p.Lat}
			return bound.Contains(pt) && geo.PolygonContains(ring, p)
		}
	}

	it.latStep, it.lonStep = Steps(s)
	b := extent(s)
	if sec, ok := s.(Sector); ok {
		// Center the lattice on the origin so the origin row and column are exact
		nLat := int(math.Ceil((b.North - sec.Origin.Lat) / it.latStep))
		nLon := int(math.Ceil((b.East - sec.Origin.Lon) / it.lonStep))
		it.south = sec.Origin.Lat - float64(nLat)*it.latStep
		it.west = sec.Origin.Lon - float64(nLon)*it.lonStep
		it.rows = 2*nLat + 1
		it.cols = 2*nLon + 1
	} else {
		it.south = b.South
		it.west = b.West
		it.rows = int(math.Floor((b.North-b.South)/it.latStep)) + 1
		it.cols = int(math.Floor((b.East-b.West)/it.lonStep)) + 1
	}
	return it, nil
}

// Next returns the next chunk. ok is false once the sequence is exhausted.
func (it *Iterator) Next() (chunk []geo.Point, ok bool) {
	if it.done {
		return nil, false
	}

	if it.points != nil {
		if it.pos >= len(it.points) {
			it.done = true
			return nil, false
		}
		end := min(it.pos+it.chunkSize, len(it.points))
		chunk = it.points[it.pos:end]
		it.pos = end
		return chunk, true
	}

	chunk = make([]geo.Point, 0, it.chunkSize)
	for it.row < it.rows {
		lat := it.south + float64(it.row)*it.latStep
		for it.col < it.cols {
			p := geo.Point{Lat: lat, Lon: geo.NormalizeLon(it.west + float64(it.col)*it.lonStep)}
			it.col++
			if it.filter(p) {
				chunk = append(chunk, p)
				if len(chunk) == it.chunkSize {
					return chunk, true
				}
			}
		}
		it.col = 0
		it.row++
	}

	it.done = true
	if len(chunk) == 0 {
		return nil, false
	}
	return chunk, true
}

// Close ends the sequence early. Subsequent Next calls return false.
func (it *Iterator) Close() {
	it.done = true
}

// Count drains a fresh iterator and returns the exact number of points.
func Count(s Source) (int64, error) {
	it, err := Generate(s, 4096)
	if err != nil {
		return 0, err
	}
	var n int64
	for {
		chunk, ok := it.Next()
		if !ok {
			return n, nil
		}
		n += int64(len(chunk))
	}
}
