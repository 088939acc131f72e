package engine

import (
	"context"
	"fmt"
	"math"

	"sightline/pkg/geo"
	"sightline/pkg/grid"
	"sightline/pkg/tile"
)

// maxPathSamples bounds the tile probes along one path.
const maxPathSamples = 256

// scanPlan is the result of the counting pass over a scan.
type scanPlan struct {
	zoom  int
	count int64
	keys  []tile.Key
}

// plan walks a fresh iterator once, counting targets and collecting the tiles
// under every target and along its path back to the origin.
func (e *Engine) plan(ctx context.Context, tc TaskConfig) (scanPlan, error) {
	zoom := tc.Zoom
	if zoom <= 0 {
		zoom = grid.ComputeZoom(grid.MaxDistance(tc.Origin.Point, tc.Source))
	}
	p := scanPlan{zoom: zoom}

	it, err := grid.Generate(tc.Source, 4096)
	if err != nil {
		return p, err
	}
	defer it.Close()

	keys := map[tile.Key]struct{}{tile.KeyAt(tc.Origin.Point, zoom): {}}
	hard := e.cfg.HardPointLimit
	for {
		if err := ctx.Err(); err != nil {
			return p, err
		}
		chunk, ok := it.Next()
		if !ok {
			break
		}
		p.count += int64(len(chunk))
		if hard > 0 && p.count > hard {
			return p, fmt.Errorf("%w: more than %d points", ErrTooManyPoints, hard)
		}
		for _, pt := range chunk {
			e.addPathKeys(keys, tc.Origin.Point, pt, zoom)
		}
	}

	p.keys = make([]tile.Key, 0, len(keys))
	for k := range keys {
		p.keys = append(p.keys, k)
	}
	return p, nil
}

// addPathKeys adds the tile under target plus tiles sampled along the path from
// origin. At least PathSamples interior probes are taken, more on paths spanning
// several tiles.
func (e *Engine) addPathKeys(keys map[tile.Key]struct{}, origin, target geo.Point, zoom int) {
	keys[tile.KeyAt(target, zoom)] = struct{}{}

	n := e.cfg.PathSamples
	width := tile.PixelSize(target.Lat, zoom, e.tileSize) * float64(e.tileSize)
	if width > 0 {
		n = max(n, int(math.Ceil(2*geo.Distance(origin, target)/width)))
	}
	n = min(n, maxPathSamples)
	for i := 1; i <= n; i++ {
		f := float64(i) / float64(n+1)
		keys[tile.KeyAt(geo.Interpolate(origin, target, f), zoom)] = struct{}{}
	}
}

// LoadBounds loads every tile covering b at zoom and returns them as a private set.
func (e *Engine) LoadBounds(ctx context.Context, b geo.Bounds, zoom int, onProgress tile.Progress) (*tile.Set, error) {
	keys := tile.KeysForBounds(b, zoom)
	if len(keys) > maxRegionTiles {
		return nil, fmt.Errorf("%w: %d tiles at zoom %d", ErrRegionTooLarge, len(keys), zoom)
	}
	loaded, err := e.loader.LoadMany(ctx, keys, e.template, onProgress)
	if err != nil {
		return nil, err
	}
	set := tile.NewSet(zoom)
	for k, r := range loaded {
		set.Add(k, r)
	}
	return set, nil
}
