package tile

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"sightline/pkg/geo"
)

// MaxLat is the Web-Mercator latitude limit. Latitudes are clamped to it before projection.
const MaxLat = 85.05

// Key identifies one XYZ tile.
type Key struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Z, k.X, k.Y)
}

// URL expands a {z}/{x}/{y} template for this key.
func (k Key) URL(template string) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(k.Z),
		"{x}", strconv.Itoa(k.X),
		"{y}", strconv.Itoa(k.Y),
	)
	return r.Replace(template)
}

// Bounds returns the geographic extent of the tile.
func (k Key) Bounds() geo.Bounds {
	b := maptile.New(uint32(k.X), uint32(k.Y), maptile.Zoom(k.Z)).Bound()
	return geo.Bounds{West: b.Min[0], South: b.Min[1], East: b.Max[0], North: b.Max[1]}
}

// fraction returns the fractional tile coordinates of a point, clamped to the world.
func fraction(p geo.Point, z int) (fx, fy float64) {
	lat := math.Max(-MaxLat, math.Min(MaxLat, p.Lat))
	lon := geo.NormalizeLon(p.Lon)
	f := maptile.Fraction(orb.Point{lon, lat}, maptile.Zoom(z))

	n := float64(int(1) << z)
	// Keep the east edge inside the last tile
	limit := math.Nextafter(n, 0)
	return math.Max(0, math.Min(limit, f[0])), math.Max(0, math.Min(limit, f[1]))
}

// KeyAt returns the tile covering p at zoom z. Indices are clamped to [0, 2^z-1].
func KeyAt(p geo.Point, z int) Key {
	fx, fy := fraction(p, z)
	return Key{Z: z, X: clampIndex(int(fx), z), Y: clampIndex(int(fy), z)}
}

func clampIndex(i, z int) int {
	maxIdx := (1 << z) - 1
	if i < 0 {
		return 0
	}
	if i > maxIdx {
		return maxIdx
	}
	return i
}

// PixelAt returns the tile covering p and the fractional pixel position inside it.
func PixelAt(p geo.Point, z, size int) (k Key, px, py float64) {
	fx, fy := fraction(p, z)
	k = Key{Z: z, X: clampIndex(int(fx), z), Y: clampIndex(int(fy), z)}
	px = (fx - float64(k.X)) * float64(size)
	py = (fy - float64(k.Y)) * float64(size)
	return k, px, py
}

// LonLatAt is the inverse of PixelAt.
func LonLatAt(k Key, px, py float64, size int) geo.Point {
	n := float64(int(1) << k.Z)
	fx := float64(k.X) + px/float64(size)
	fy := float64(k.Y) + py/float64(size)

	lon := fx/n*360.0 - 180.0
	lat := math.Atan(math.Sinh(math.Pi*(1-2*fy/n))) * 180.0 / math.Pi
	return geo.Point{Lat: lat, Lon: lon}
}

// KeysForBounds lists every tile intersecting b at zoom z.
func KeysForBounds(b geo.Bounds, z int) []Key {
	nw := KeyAt(geo.Point{Lat: b.North, Lon: b.West}, z)
	se := KeyAt(geo.Point{Lat: b.South, Lon: b.East}, z)

	var xs []int
	if nw.X <= se.X {
		for x := nw.X; x <= se.X; x++ {
			xs = append(xs, x)
		}
	} else {
		// Crosses the antimeridian
		for x := nw.X; x < 1<<z; x++ {
			xs = append(xs, x)
		}
		for x := 0; x <= se.X; x++ {
			xs = append(xs, x)
		}
	}

	var keys []Key
	for _, x := range xs {
		for y := nw.Y; y <= se.Y; y++ {
			keys = append(keys, Key{Z: z, X: x, Y: y})
		}
	}
	return keys
}

// PixelSize returns the approximate ground size of one pixel in meters at the given latitude.
func PixelSize(lat float64, z, size int) float64 {
	return 2 * math.Pi * geo.EarthRadius * math.Cos(lat*math.Pi/180) / (float64(int(1)<<z) * float64(size))
}
