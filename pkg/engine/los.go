package engine

import (
	"context"
	"math"

	"sightline/pkg/geo"
	"sightline/pkg/grid"
	"sightline/pkg/terrain"
	"sightline/pkg/tile"
)

// LOS evaluates a single pair over its full profile. The zoom follows the path
// length and only the tiles under the path are loaded. freqMHz <= 0 skips the
// Fresnel test. It does not take the scan lock and may run beside Calculate.
func (e *Engine) LOS(ctx context.Context, origin, target geo.Station, freqMHz float64) (terrain.LOSResult, error) {
	dist := geo.Distance(origin.Point, target.Point)
	zoom := grid.ComputeZoom(dist)

	keys := map[tile.Key]struct{}{tile.KeyAt(origin.Point, zoom): {}}
	e.addPathKeys(keys, origin.Point, target.Point, zoom)

	// Probe at the evaluator's step so no tile under a sample is missed
	step := e.eval.Options().SampleStep
	n := min(int(math.Ceil(dist/step)), 4*maxPathSamples)
	for i := 1; i < n; i++ {
		keys[tile.KeyAt(geo.Interpolate(origin.Point, target.Point, float64(i)/float64(n)), zoom)] = struct{}{}
	}

	list := make([]tile.Key, 0, len(keys))
	for k := range keys {
		list = append(list, k)
	}
	loaded, err := e.loader.LoadMany(ctx, list, e.template, nil)
	if err != nil {
		return terrain.LOSResult{}, err
	}

	set := tile.NewSet(zoom)
	for k, r := range loaded {
		set.Add(k, r)
	}
	return e.eval.Profile(set, origin, target, freqMHz), nil
}
