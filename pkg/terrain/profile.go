package terrain

import (
	"math"

	"sightline/pkg/geo"
)

// Confidence grades a single-pair result by data quality.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ProfilePoint is one sample along a single-pair path.
type ProfilePoint struct {
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	Distance      float64 `json:"distance"`
	Elevation     float64 `json:"elevation"`
	HasData       bool    `json:"hasData"`
	LOSHeight     float64 `json:"losHeight"`
	Clearance     float64 `json:"clearance"`
	FresnelRadius float64 `json:"fresnelRadius,omitempty"`
	FresnelClear  *bool   `json:"fresnelClear,omitempty"`
}

// Obstruction is the worst blocking sample.
type Obstruction struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Distance  float64 `json:"distance"`
	Elevation float64 `json:"elevation"`
	Clearance float64 `json:"clearance"`
}

// LOSResult is the full single-pair analysis.
type LOSResult struct {
	Clear           *bool          `json:"clear"`
	FresnelClear    *bool          `json:"fresnelClear,omitempty"`
	HasData         bool           `json:"hasData"`
	TotalDistance   float64        `json:"totalDistance"`
	Bearing         float64        `json:"bearing"`
	FrequencyMHz    float64        `json:"frequencyMHz,omitempty"`
	MinClearance    float64        `json:"minClearance"`
	Obstruction     *Obstruction   `json:"obstruction,omitempty"`
	Profile         []ProfilePoint `json:"profile"`
	Confidence      Confidence     `json:"confidence"`
	NoDataFraction  float64        `json:"noDataFraction"`
	SuspiciousJumps int            `json:"suspiciousJumps"`
}

// Profile evaluates one pair over its full length and reports every sample,
// the worst obstruction and a confidence grade. freqMHz <= 0 skips the Fresnel test.
func (e *Evaluator) Profile(src ElevationSource, origin, target geo.Station, freqMHz float64) LOSResult {
	rf := freqMHz > 0
	p, _ := newPath(src, origin, target)

	res := LOSResult{
		TotalDistance: p.dist,
		Bearing:       geo.Bearing(origin.Point, target.Point),
	}
	if rf {
		res.FrequencyMHz = freqMHz
	}

	if p.dist < 1 {
		res.Clear = boolPtr(true)
		if rf {
			res.FresnelClear = boolPtr(true)
		}
		res.HasData = true
		res.MinClearance = math.Min(origin.Height, target.Height)
		res.Confidence = ConfidenceHigh
		return res
	}

	n := e.sampleCount(p.dist, e.opts.MaxSamples)
	res.Profile = make([]ProfilePoint, 0, n+1)

	visible, fresnelClear := true, true
	minClearance := math.Inf(1)
	missing := 0
	for i := 0; i <= n; i++ {
		f := float64(i) / float64(n)
		pt := geo.Interpolate(origin.Point, target.Point, f)
		ground, ok := src.Elevation(pt)

		pp := ProfilePoint{
			Lat:       pt.Lat,
			Lon:       pt.Lon,
			Distance:  f * p.dist,
			Elevation: ground,
			HasData:   ok,
			LOSHeight: e.losHeight(p, f),
		}
		if !ok {
			missing++
			res.Profile = append(res.Profile, pp)
			continue
		}
		pp.Clearance = pp.LOSHeight - ground

		interior := i > 0 && i < n
		if rf && interior {
			pp.FresnelRadius = geo.FresnelRadius(pp.Distance, p.dist-pp.Distance, freqMHz)
			inZone := pp.Clearance >= e.requiredClearance(p, f, freqMHz)
			pp.FresnelClear = boolPtr(inZone)
			if !inZone {
				fresnelClear = false
			}
		}
		if interior {
			if pp.Clearance < minClearance {
				minClearance = pp.Clearance
			}
			if pp.Clearance < 0 {
				visible = false
				if res.Obstruction == nil || pp.Clearance < res.Obstruction.Clearance {
					res.Obstruction = &Obstruction{
						Lat:       pp.Lat,
						Lon:       pp.Lon,
						Distance:  pp.Distance,
						Elevation: ground,
						Clearance: pp.Clearance,
					}
				}
			}
		}
		res.Profile = append(res.Profile, pp)
	}

	res.NoDataFraction = float64(missing) / float64(len(res.Profile))
	res.SuspiciousJumps = suspiciousJumps(res.Profile, p.dist/float64(n))
	res.Confidence = classify(res.NoDataFraction, res.SuspiciousJumps, len(res.Profile))

	if missing == len(res.Profile) {
		res.Confidence = ConfidenceLow
		return res
	}
	res.HasData = true
	res.Clear = boolPtr(visible)
	if rf {
		res.FresnelClear = boolPtr(fresnelClear && visible)
	}
	if !math.IsInf(minClearance, 1) {
		res.MinClearance = minClearance
	}
	return res
}

// suspiciousJumps counts elevation steps between consecutive valid samples
// larger than 500 m per 30 m of spacing.
func suspiciousJumps(profile []ProfilePoint, spacing float64) int {
	limit := 500 * (spacing / 30)
	jumps := 0
	var prev *ProfilePoint
	for i := range profile {
		if !profile[i].HasData {
			continue
		}
		if prev != nil && math.Abs(profile[i].Elevation-prev.Elevation) > limit {
			jumps++
		}
		prev = &profile[i]
	}
	return jumps
}

func classify(noData float64, jumps, samples int) Confidence {
	jumpShare := 0.0
	if samples > 0 {
		jumpShare = float64(jumps) / float64(samples)
	}
	switch {
	case noData < 0.05 && jumps == 0:
		return ConfidenceHigh
	case noData < 0.15 && jumpShare < 0.02:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
