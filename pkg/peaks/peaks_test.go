package peaks

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sightline/pkg/engine"
	"sightline/pkg/geo"
	"sightline/pkg/tile"
)

// synthLoader renders tiles from an elevation function.
type synthLoader struct {
	size    int
	elev    func(geo.Point) float64
	maxZoom int // zooms above this report ErrRegionTooLarge
	zooms   []int
}

func (s *synthLoader) TileSize() int { return s.size }

func (s *synthLoader) LoadBounds(_ context.Context, b geo.Bounds, zoom int, _ tile.Progress) (*tile.Set, error) {
	s.zooms = append(s.zooms, zoom)
	if s.maxZoom > 0 && zoom > s.maxZoom {
		return nil, fmt.Errorf("%w: zoom %d", engine.ErrRegionTooLarge, zoom)
	}
	set := tile.NewSet(zoom)
	for _, k := range tile.KeysForBounds(b, zoom) {
		r := tile.NewRaster(s.size)
		for y := 0; y < s.size; y++ {
			for x := 0; x < s.size; x++ {
				r.Set(x, y, s.elev(tile.LonLatAt(k, float64(x)+0.5, float64(y)+0.5, s.size)))
			}
		}
		set.Add(k, r)
	}
	return set, nil
}

var (
	hillA = geo.Point{Lat: 0.05, Lon: 0.05}
	hillB = geo.Point{Lat: 0.15, Lon: 0.15}
)

// twoHills is a flat plain at 100 m with an 800 m and a 500 m gaussian hill.
func twoHills(p geo.Point) float64 {
	const sigma = 1500.0
	a := geo.Distance(p, hillA) / sigma
	b := geo.Distance(p, hillB) / sigma
	return 100 + 800*math.Exp(-a*a) + 500*math.Exp(-b*b)
}

var region = geo.Bounds{West: 0, South: 0, East: 0.2, North: 0.2}

func testOptions() Options {
	return Options{Resolution: 200, H3Resolution: 7, Limit: 10, MinProminence: 10}
}

func TestFind_TwoHills(t *testing.T) {
	src := &synthLoader{size: 64, elev: twoHills}
	peaks, err := Find(context.Background(), src, region, testOptions())
	require.NoError(t, err)
	require.Len(t, peaks, 2)

	assert.InDelta(t, 900, peaks[0].Elevation, 20)
	assert.InDelta(t, hillA.Lat, peaks[0].Lat, 0.003)
	assert.InDelta(t, hillA.Lon, peaks[0].Lon, 0.003)
	assert.InDelta(t, 600, peaks[1].Elevation, 20)
	assert.InDelta(t, hillB.Lat, peaks[1].Lat, 0.003)

	assert.NotEmpty(t, peaks[0].Cell)
	assert.NotEqual(t, peaks[0].Cell, peaks[1].Cell)
	assert.Greater(t, peaks[0].Prominence, peaks[1].Prominence)
}

func TestFind_LimitAndProminence(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		prom  float64
		want  int
	}{
		{name: "limit keeps the highest", limit: 1, prom: 10, want: 1},
		{name: "prominence drops the smaller hill", limit: 10, prom: 400, want: 1},
		{name: "prominence drops both", limit: 10, prom: 1000, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			opts.Limit = tt.limit
			opts.MinProminence = tt.prom
			peaks, err := Find(context.Background(), &synthLoader{size: 64, elev: twoHills}, region, opts)
			require.NoError(t, err)
			require.Len(t, peaks, tt.want)
			if tt.want == 1 {
				assert.InDelta(t, 900, peaks[0].Elevation, 20)
			}
		})
	}
}

func TestFind_StepsZoomDown(t *testing.T) {
	src := &synthLoader{size: 64, elev: twoHills, maxZoom: 9}
	_, err := Find(context.Background(), src, region, testOptions())
	require.NoError(t, err)
	require.NotEmpty(t, src.zooms)
	assert.Equal(t, 9, src.zooms[len(src.zooms)-1])
	assert.Greater(t, src.zooms[0], 9)

	// A fixed zoom is never lowered
	src = &synthLoader{size: 64, elev: twoHills, maxZoom: 9}
	opts := testOptions()
	opts.Zoom = 12
	_, err = Find(context.Background(), src, region, opts)
	assert.ErrorIs(t, err, engine.ErrRegionTooLarge)
	assert.Equal(t, []int{12}, src.zooms)
}

func TestFind_Errors(t *testing.T) {
	src := &synthLoader{size: 64, elev: twoHills}

	_, err := Find(context.Background(), src, geo.Bounds{West: 1, East: 0, South: 0, North: 1}, testOptions())
	assert.ErrorIs(t, err, ErrInvalidBounds)

	opts := testOptions()
	opts.Resolution = 1
	_, err = Find(context.Background(), src, geo.Bounds{West: 0, East: 1, South: 0, North: 1}, opts)
	assert.ErrorIs(t, err, ErrTooManySamples)
	assert.Empty(t, src.zooms, "nothing is loaded for an oversized lattice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Find(ctx, src, region, testOptions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFind_NoData(t *testing.T) {
	src := &synthLoader{size: 64, elev: func(geo.Point) float64 { return math.NaN() }}
	peaks, err := Find(context.Background(), src, region, testOptions())
	require.NoError(t, err)
	assert.Empty(t, peaks)
}

func TestDecluster(t *testing.T) {
	candidates := []Peak{
		{Lat: 46.5, Lon: 8.0, Elevation: 3000},
		{Lat: 46.5001, Lon: 8.0001, Elevation: 3100},
		{Lat: 47.5, Lon: 9.0, Elevation: 1200},
	}
	got, err := decluster(candidates, 7)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 3100.0, got[0].Elevation)
	assert.Equal(t, 1200.0, got[1].Elevation)
}

func TestZoomFor(t *testing.T) {
	tests := []struct {
		res  float64
		lat  float64
		want int
	}{
		{res: 200, lat: 0, want: 10},
		{res: 90, lat: 0, want: 11},
		{res: 30, lat: 0, want: 13},
		{res: 0.01, lat: 0, want: maxZoom},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, zoomFor(tt.res, tt.lat, 256), "res %.2f", tt.res)
	}
}

func TestFeatureCollection(t *testing.T) {
	fc := FeatureCollection([]Peak{{Lat: 46.5, Lon: 8.0, Elevation: 3000, Prominence: 120, Cell: "871f8d7a0ffffff"}})
	data, err := json.Marshal(fc)
	require.NoError(t, err)

	var decoded struct {
		Features []struct {
			Geometry struct {
				Type        string    `json:"type"`
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Features, 1)
	assert.Equal(t, "Point", decoded.Features[0].Geometry.Type)
	assert.Equal(t, []float64{8.0, 46.5}, decoded.Features[0].Geometry.Coordinates)
	assert.Equal(t, "871f8d7a0ffffff", decoded.Features[0].Properties["h3"])
	assert.Equal(t, 3000.0, decoded.Features[0].Properties["elevation"])
}
