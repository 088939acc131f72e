package tile

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"sightline/pkg/geo"
)

func TestKeyAt(t *testing.T) {
	tests := []struct {
		name string
		p    geo.Point
		z    int
		want Key
	}{
		{"Origin z0", geo.Point{Lat: 0, Lon: 0}, 0, Key{Z: 0, X: 0, Y: 0}},
		{"Origin z1", geo.Point{Lat: 0.1, Lon: 0.1}, 1, Key{Z: 1, X: 1, Y: 0}},
		{"Tel Aviv z12", geo.Point{Lat: 32.0853, Lon: 34.7818}, 12, Key{Z: 12, X: 2443, Y: 1662}},
		{"North pole clamped", geo.Point{Lat: 90, Lon: 0}, 3, Key{Z: 3, X: 4, Y: 0}},
		{"South pole clamped", geo.Point{Lat: -90, Lon: 0}, 3, Key{Z: 3, X: 4, Y: 7}},
		{"Antimeridian east edge", geo.Point{Lat: -0.5, Lon: 180}, 2, Key{Z: 2, X: 3, Y: 2}},
		{"Just west of antimeridian", geo.Point{Lat: -1, Lon: 179.999}, 2, Key{Z: 2, X: 3, Y: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KeyAt(tt.p, tt.z))
		})
	}
}

func TestKeyAt_IndicesInRange(t *testing.T) {
	for z := 0; z <= 15; z++ {
		maxIdx := (1 << z) - 1
		for _, p := range []geo.Point{{Lat: 89, Lon: -180}, {Lat: -89, Lon: 179.9999999}, {Lat: 85.06, Lon: 0}} {
			k := KeyAt(p, z)
			assert.GreaterOrEqual(t, k.X, 0)
			assert.GreaterOrEqual(t, k.Y, 0)
			assert.LessOrEqual(t, k.X, maxIdx)
			assert.LessOrEqual(t, k.Y, maxIdx)
		}
	}
}

func TestPixelRoundTrip(t *testing.T) {
	const size = 256
	points := []geo.Point{
		{Lat: 32.0853, Lon: 34.7818},
		{Lat: -33.8688, Lon: 151.2093},
		{Lat: 64.1466, Lon: -21.9426},
		{Lat: 0.001, Lon: -0.001},
	}
	for _, z := range []int{10, 12, 13} {
		for _, p := range points {
			k, px, py := PixelAt(p, z, size)
			back := LonLatAt(k, px, py, size)

			// Within one tile's resolution
			b := k.Bounds()
			assert.InDelta(t, p.Lon, back.Lon, (b.East-b.West)/size, "z=%d p=%v", z, p)
			assert.InDelta(t, p.Lat, back.Lat, (b.North-b.South)/size, "z=%d p=%v", z, p)
		}
	}
}

func TestKeyURL(t *testing.T) {
	k := Key{Z: 12, X: 2443, Y: 1663}
	assert.Equal(t, "https://t.example/12/2443/1663.png", k.URL("https://t.example/{z}/{x}/{y}.png"))
	assert.Equal(t, "12/2443/1663", k.String())
}

func TestKeysForBounds(t *testing.T) {
	k := Key{Z: 12, X: 2443, Y: 1663}
	b := k.Bounds()
	inner := geo.Bounds{West: b.West + 1e-6, South: b.South + 1e-6, East: b.East - 1e-6, North: b.North - 1e-6}
	assert.Equal(t, []Key{k}, KeysForBounds(inner, 12))

	// Spanning two tiles east-west
	wide := geo.Bounds{West: inner.West, South: inner.South, East: inner.East + (b.East - b.West), North: inner.North}
	assert.Len(t, KeysForBounds(wide, 12), 2)

	// Across the antimeridian
	wrap := geo.Bounds{West: 179, South: -1, East: -179, North: 1}
	keys := KeysForBounds(wrap, 3)
	xs := map[int]bool{}
	for _, k := range keys {
		xs[k.X] = true
	}
	assert.True(t, xs[0])
	assert.True(t, xs[7])
}

func TestPixelSize(t *testing.T) {
	// About 38m per pixel at z12 on the equator
	assert.InDelta(t, 38.2, PixelSize(0, 12, 256), 0.5)
	assert.Less(t, PixelSize(60, 12, 256), PixelSize(0, 12, 256))
	assert.False(t, math.IsNaN(PixelSize(85, 12, 256)))
}
