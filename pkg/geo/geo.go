package geo

import (
	"math"
)

const (
	// EarthRadius is the mean spherical earth radius in meters.
	EarthRadius = 6371000.0

	// SpeedOfLight in meters per second.
	SpeedOfLight = 299792458.0

	// StandardK is the standard atmosphere refraction factor.
	StandardK = 4.0 / 3.0

	degToRad = math.Pi / 180.0
	radToDeg = 180.0 / math.Pi
)

// Point represents a geographic coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Station is a point with an antenna or eye height in meters above ground.
type Station struct {
	Point
	Height float64 `json:"height"`
}

// NewStation builds a Station.
func NewStation(lat, lon, height float64) Station {
	return Station{Point: Point{Lat: lat, Lon: lon}, Height: height}
}

// Distance calculates the Haversine distance between two points in meters.
func Distance(p1, p2 Point) float64 {
	dLat := (p2.Lat - p1.Lat) * degToRad
	dLon := (p2.Lon - p1.Lon) * degToRad
	lat1 := p1.Lat * degToRad
	lat2 := p2.Lat * degToRad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLon/2)*math.Sin(dLon/2)*math.Cos(lat1)*math.Cos(lat2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadius * c
}

// DestinationPoint calculates the destination point from a start point, given distance (in meters) and bearing (in degrees).
func DestinationPoint(start Point, distMeters, bearing float64) Point {
	lat1 := start.Lat * degToRad
	lon1 := start.Lon * degToRad
	brng := bearing * degToRad
	ang := distMeters / EarthRadius

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(ang) +
		math.Cos(lat1)*math.Sin(ang)*math.Cos(brng))
	lon2 := lon1 + math.Atan2(math.Sin(brng)*math.Sin(ang)*math.Cos(lat1),
		math.Cos(ang)-math.Sin(lat1)*math.Sin(lat2))

	return Point{
		Lat: lat2 * radToDeg,
		Lon: NormalizeLon(lon2 * radToDeg),
	}
}

// Bearing calculates the initial bearing (forward azimuth) from p1 to p2 in degrees [0, 360).
func Bearing(p1, p2 Point) float64 {
	lat1 := p1.Lat * degToRad
	lat2 := p2.Lat * degToRad
	dLon := (p2.Lon - p1.Lon) * degToRad

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) -
		math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	brng := math.Atan2(y, x)

	b := math.Mod(brng*radToDeg+360.0, 360.0)
	if b >= 360.0 {
		b = 0
	}
	return b
}

// Interpolate returns the point at fraction f along the great-circle arc from p1 to p2.
// Nearly coincident points return p1.
func Interpolate(p1, p2 Point, f float64) Point {
	if f <= 0 {
		return p1
	}
	if f >= 1 {
		return p2
	}

	lat1, lon1 := p1.Lat*degToRad, p1.Lon*degToRad
	lat2, lon2 := p2.Lat*degToRad, p2.Lon*degToRad

	// Angular separation (haversine form, stable for short arcs)
	dLat := lat2 - lat1
	dLon := lon2 - lon1
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	delta := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	if delta < 1e-10 {
		return p1
	}

	sinDelta := math.Sin(delta)
	wa := math.Sin((1-f)*delta) / sinDelta
	wb := math.Sin(f*delta) / sinDelta

	x := wa*math.Cos(lat1)*math.Cos(lon1) + wb*math.Cos(lat2)*math.Cos(lon2)
	y := wa*math.Cos(lat1)*math.Sin(lon1) + wb*math.Cos(lat2)*math.Sin(lon2)
	z := wa*math.Sin(lat1) + wb*math.Sin(lat2)

	return Point{
		Lat: math.Atan2(z, math.Sqrt(x*x+y*y)) * radToDeg,
		Lon: math.Atan2(y, x) * radToDeg,
	}
}

// CurvatureDrop returns how far (meters) the refracted ray sits below the flat chord
// at the point splitting the path into d1 and d2.
func CurvatureDrop(d1, d2, k float64) float64 {
	if k <= 0 {
		k = StandardK
	}
	return d1 * d2 / (2 * EarthRadius * k)
}

// FresnelRadius returns the first Fresnel zone radius in meters at the point splitting the
// path into d1 and d2 for the given frequency in MHz.
func FresnelRadius(d1, d2, freqMHz float64) float64 {
	total := d1 + d2
	if total <= 0 || freqMHz <= 0 {
		return 0
	}
	lambda := SpeedOfLight / (freqMHz * 1e6)
	return math.Sqrt(lambda * d1 * d2 / total)
}

// NormalizeLon wraps a longitude into [-180, 180].
func NormalizeLon(lon float64) float64 {
	if lon >= -180 && lon <= 180 {
		return lon
	}
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}

// NormalizeBearing wraps a bearing into [0, 360).
func NormalizeBearing(b float64) float64 {
	b = math.Mod(b, 360)
	if b < 0 {
		b += 360
	}
	return b
}

// Bounds is a west/south/east/north box in degrees.
type Bounds struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Contains reports whether p is inside b (inclusive).
func (b Bounds) Contains(p Point) bool {
	return p.Lat >= b.South && p.Lat <= b.North && p.Lon >= b.West && p.Lon <= b.East
}

// Pad returns b grown by dLat/dLon degrees on every side.
func (b Bounds) Pad(dLat, dLon float64) Bounds {
	return Bounds{
		West:  b.West - dLon,
		South: b.South - dLat,
		East:  b.East + dLon,
		North: b.North + dLat,
	}
}

// MetersToLatDeg converts a north/south distance to degrees of latitude.
func MetersToLatDeg(m float64) float64 {
	return m / EarthRadius * radToDeg
}

// MetersToLonDeg converts an east/west distance to degrees of longitude at the given latitude.
func MetersToLonDeg(m, lat float64) float64 {
	cosLat := math.Cos(lat * degToRad)
	if math.Abs(cosLat) < 1e-6 {
		cosLat = 1e-6
	}
	return m / (EarthRadius * cosLat) * radToDeg
}
