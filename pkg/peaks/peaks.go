// Package peaks finds summits inside a region of the elevation model.
package peaks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/uber/h3-go/v4"

	"sightline/pkg/config"
	"sightline/pkg/engine"
	"sightline/pkg/geo"
	"sightline/pkg/tile"
)

var (
	// ErrInvalidBounds is returned for empty or inverted regions.
	ErrInvalidBounds = errors.New("invalid bounds")
	// ErrTooManySamples is returned when the lattice would exceed maxSamples.
	ErrTooManySamples = errors.New("region too large for the sample resolution")
)

const (
	maxSamples    = 4_000_000
	maxZoom       = 15
	defaultWindow = 5
)

// Options controls a peak search.
type Options struct {
	Resolution    float64 // lattice spacing in meters
	H3Resolution  int
	Limit         int
	MinProminence float64
	Window        int // lattice steps searched for the surrounding low point
	Zoom          int // 0 picks the coarsest zoom at least as fine as Resolution
}

// OptionsFromConfig maps the peaks config section onto Options.
func OptionsFromConfig(c config.PeaksConfig) Options {
	return Options{
		Resolution:    float64(c.Resolution),
		H3Resolution:  c.H3Resolution,
		Limit:         c.Limit,
		MinProminence: float64(c.MinProminence),
	}
}

func (o Options) withDefaults() Options {
	if o.Resolution <= 0 {
		o.Resolution = 90
	}
	if o.H3Resolution < 0 || o.H3Resolution > 15 {
		o.H3Resolution = 7
	}
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Window <= 0 {
		o.Window = defaultWindow
	}
	return o
}

// Peak is one declustered summit. Prominence is the height above the lowest
// sample within the search window, a local stand-in for topographic prominence.
type Peak struct {
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Elevation  float64 `json:"elevation"`
	Prominence float64 `json:"prominence"`
	Cell       string  `json:"h3Cell"`
}

// Loader supplies the tiles under a region. *engine.Engine satisfies it.
type Loader interface {
	LoadBounds(ctx context.Context, b geo.Bounds, zoom int, onProgress tile.Progress) (*tile.Set, error)
	TileSize() int
}

// lattice holds samples row-major, row 0 at the north edge.
type lattice struct {
	rows, cols int
	north      float64
	west       float64
	latStep    float64
	lonStep    float64
	elev       []float64 // NaN = no data
}

func (l *lattice) at(r, c int) float64 { return l.elev[r*l.cols+c] }

func (l *lattice) point(r, c int) geo.Point {
	return geo.Point{Lat: l.north - float64(r)*l.latStep, Lon: l.west + float64(c)*l.lonStep}
}

// Find loads the tiles under b, samples them on a regular lattice, keeps the
// 8-neighbour local maxima and returns the highest one per H3 cell, sorted by
// elevation and truncated to opts.Limit.
func Find(ctx context.Context, src Loader, b geo.Bounds, opts Options) ([]Peak, error) {
	if !(b.West < b.East && b.South < b.North) {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidBounds, b)
	}
	opts = opts.withDefaults()

	centerLat := (b.South + b.North) / 2
	l := &lattice{
		north:   b.North,
		west:    b.West,
		latStep: geo.MetersToLatDeg(opts.Resolution),
		lonStep: geo.MetersToLonDeg(opts.Resolution, centerLat),
	}
	l.rows = int(math.Floor((b.North-b.South)/l.latStep)) + 1
	l.cols = int(math.Floor((b.East-b.West)/l.lonStep)) + 1
	if int64(l.rows)*int64(l.cols) > maxSamples {
		return nil, fmt.Errorf("%w: %dx%d samples", ErrTooManySamples, l.rows, l.cols)
	}

	set, err := loadTiles(ctx, src, b, opts, centerLat)
	if err != nil {
		return nil, err
	}

	l.elev = make([]float64, l.rows*l.cols)
	for r := 0; r < l.rows; r++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for c := 0; c < l.cols; c++ {
			e, ok := set.Elevation(l.point(r, c))
			if !ok {
				e = math.NaN()
			}
			l.elev[r*l.cols+c] = e
		}
	}

	candidates := localMaxima(l, opts)
	peaks, err := decluster(candidates, opts.H3Resolution)
	if err != nil {
		return nil, err
	}
	if len(peaks) > opts.Limit {
		peaks = peaks[:opts.Limit]
	}
	slog.Debug("Peak search finished",
		"zoom", set.Zoom(),
		"samples", l.rows*l.cols,
		"candidates", len(candidates),
		"peaks", len(peaks))
	return peaks, nil
}

// loadTiles steps the zoom down until the region fits in one load, unless the
// caller fixed it.
func loadTiles(ctx context.Context, src Loader, b geo.Bounds, opts Options, lat float64) (*tile.Set, error) {
	zoom := opts.Zoom
	if zoom <= 0 {
		zoom = zoomFor(opts.Resolution, lat, src.TileSize())
	}
	for {
		set, err := src.LoadBounds(ctx, b, zoom, nil)
		if err == nil {
			return set, nil
		}
		if opts.Zoom > 0 || zoom <= 1 || !errors.Is(err, engine.ErrRegionTooLarge) {
			return nil, err
		}
		zoom--
	}
}

// zoomFor returns the coarsest zoom whose pixels are no larger than res meters.
func zoomFor(res, lat float64, size int) int {
	if size <= 0 {
		size = 256
	}
	for z := 1; z <= maxZoom; z++ {
		if tile.PixelSize(lat, z, size) <= res {
			return z
		}
	}
	return maxZoom
}

// localMaxima returns samples no lower than any neighbour and higher than at
// least one. Border samples cannot be verified and are skipped.
func localMaxima(l *lattice, opts Options) []Peak {
	var out []Peak
	for r := 1; r < l.rows-1; r++ {
		for c := 1; c < l.cols-1; c++ {
			e := l.at(r, c)
			if math.IsNaN(e) || !isMaximum(l, r, c, e) {
				continue
			}
			prom := e - windowMin(l, r, c, opts.Window)
			if prom < opts.MinProminence {
				continue
			}
			p := l.point(r, c)
			out = append(out, Peak{Lat: p.Lat, Lon: p.Lon, Elevation: e, Prominence: prom})
		}
	}
	return out
}

func isMaximum(l *lattice, r, c int, e float64) bool {
	higher := false
	for dr := -1; dr <= 1; dr++ {
		for dc := -1; dc <= 1; dc++ {
			if dr == 0 && dc == 0 {
				continue
			}
			n := l.at(r+dr, c+dc)
			if math.IsNaN(n) {
				continue
			}
			if n > e {
				return false
			}
			if n < e {
				higher = true
			}
		}
	}
	return higher
}

func windowMin(l *lattice, r, c, w int) float64 {
	low := l.at(r, c)
	for rr := max(0, r-w); rr <= min(l.rows-1, r+w); rr++ {
		for cc := max(0, c-w); cc <= min(l.cols-1, c+w); cc++ {
			if v := l.at(rr, cc); v < low {
				low = v
			}
		}
	}
	return low
}

// decluster keeps the highest candidate per H3 cell, ordered by elevation.
func decluster(candidates []Peak, res int) ([]Peak, error) {
	best := make(map[h3.Cell]Peak)
	for _, p := range candidates {
		cell, err := h3.LatLngToCell(h3.NewLatLng(p.Lat, p.Lon), res)
		if err != nil {
			return nil, fmt.Errorf("failed to index peak at %.5f,%.5f: %w", p.Lat, p.Lon, err)
		}
		if cur, ok := best[cell]; ok && cur.Elevation >= p.Elevation {
			continue
		}
		p.Cell = cell.String()
		best[cell] = p
	}

	out := make([]Peak, 0, len(best))
	for _, p := range best {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Elevation != out[j].Elevation {
			return out[i].Elevation > out[j].Elevation
		}
		if out[i].Lat != out[j].Lat {
			return out[i].Lat > out[j].Lat
		}
		return out[i].Lon < out[j].Lon
	})
	return out, nil
}

// FeatureCollection exports peaks as GeoJSON points.
func FeatureCollection(peaks []Peak) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, p := range peaks {
		f := geojson.NewFeature(orb.Point{p.Lon, p.Lat})
		f.Properties["elevation"] = p.Elevation
		f.Properties["prominence"] = p.Prominence
		f.Properties["h3"] = p.Cell
		fc.Append(f)
	}
	return fc
}
