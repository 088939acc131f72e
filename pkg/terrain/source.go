package terrain

import (
	"sightline/pkg/geo"
)

// ElevationSource resolves ground elevation in meters. The bool is false when
// no data exists at p. tile.Set satisfies it.
type ElevationSource interface {
	Elevation(p geo.Point) (float64, bool)
}

// SourceFunc adapts a function to ElevationSource.
type SourceFunc func(p geo.Point) (float64, bool)

func (f SourceFunc) Elevation(p geo.Point) (float64, bool) { return f(p) }

// Flat is a source at a constant elevation everywhere.
func Flat(elev float64) ElevationSource {
	return SourceFunc(func(geo.Point) (float64, bool) { return elev, true })
}

// NoData is a source without any data.
var NoData ElevationSource = SourceFunc(func(geo.Point) (float64, bool) { return 0, false })
