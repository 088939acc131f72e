package terrain

import (
	"math"

	"sightline/pkg/config"
	"sightline/pkg/geo"
)

// Options controls path sampling and clearance rules.
type Options struct {
	SampleStep     float64 // meters between samples
	MinSamples     int
	MaxSamples     int // single pair cap, 0 = unlimited
	BatchSamples   int // cap for area scans
	KFactor        float64
	FresnelPercent float64
}

// DefaultOptions mirrors the default los config section.
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig().LOS)
}

// OptionsFromConfig maps the los config section.
func OptionsFromConfig(c config.LOSConfig) Options {
	return Options{
		SampleStep:     c.SampleStep.Meters(),
		MinSamples:     c.MinSamples,
		MaxSamples:     c.MaxSamples,
		BatchSamples:   c.BatchSamples,
		KFactor:        c.KFactor,
		FresnelPercent: c.FresnelPercent,
	}
}

// Cell is the result for one scan target. Clear is nil when no sample along
// the path had elevation data, which is distinct from blocked.
type Cell struct {
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	Distance     float64 `json:"distance"`
	Clear        *bool   `json:"clear"`
	FresnelClear *bool   `json:"fresnelClear"`
	HasData      bool    `json:"hasData"`
}

// Evaluator runs line-of-sight checks against an elevation source.
// It holds no state besides its options and is safe for concurrent use.
type Evaluator struct {
	opts Options
}

// NewEvaluator creates an evaluator. Zero option fields fall back to defaults.
func NewEvaluator(o Options) *Evaluator {
	d := DefaultOptions()
	if o.SampleStep <= 0 {
		o.SampleStep = d.SampleStep
	}
	if o.MinSamples <= 0 {
		o.MinSamples = d.MinSamples
	}
	if o.BatchSamples <= 0 {
		o.BatchSamples = d.BatchSamples
	}
	if o.KFactor <= 0 {
		o.KFactor = geo.StandardK
	}
	if o.FresnelPercent < 0 {
		o.FresnelPercent = 0
	}
	return &Evaluator{opts: o}
}

// Options returns the evaluator's effective options.
func (e *Evaluator) Options() Options {
	return e.opts
}

// sampleCount returns clamp(ceil(dist/step), minSamples, maxSamples). maxSamples <= 0 means no cap.
func (e *Evaluator) sampleCount(dist float64, maxSamples int) int {
	n := int(math.Ceil(dist / e.opts.SampleStep))
	if n < e.opts.MinSamples {
		n = e.opts.MinSamples
	}
	if maxSamples > 0 && n > maxSamples {
		n = maxSamples
	}
	if n < 2 {
		n = 2
	}
	return n
}

// path carries the per-pair geometry shared by both evaluation modes.
type path struct {
	dist         float64
	startH, endH float64 // ground + antenna height, meters
}

// losHeight returns the curvature corrected ray height at fraction f.
func (e *Evaluator) losHeight(p *path, f float64) float64 {
	d1 := f * p.dist
	return p.startH + (p.endH-p.startH)*f - geo.CurvatureDrop(d1, p.dist-d1, e.opts.KFactor)
}

// requiredClearance returns the Fresnel clearance needed at fraction f.
func (e *Evaluator) requiredClearance(p *path, f, freqMHz float64) float64 {
	d1 := f * p.dist
	return geo.FresnelRadius(d1, p.dist-d1, freqMHz) * e.opts.FresnelPercent / 100
}

func newPath(src ElevationSource, origin, target geo.Station) (p *path, anyData bool) {
	p = &path{dist: geo.Distance(origin.Point, target.Point)}
	g0, ok0 := src.Elevation(origin.Point)
	g1, ok1 := src.Elevation(target.Point)
	// Missing endpoint ground is taken as sea level
	p.startH = g0 + origin.Height
	p.endH = g1 + target.Height
	return p, ok0 || ok1
}

func boolPtr(b bool) *bool { return &b }

// Check evaluates one scan target with the batch sample cap, stopping at the first
// blocking sample. freqMHz <= 0 skips the Fresnel test.
func (e *Evaluator) Check(src ElevationSource, origin, target geo.Station, freqMHz float64) Cell {
	cell := Cell{Lat: target.Lat, Lon: target.Lon}
	rf := freqMHz > 0

	p, anyData := newPath(src, origin, target)
	cell.Distance = p.dist

	if p.dist < 1 {
		cell.Clear = boolPtr(true)
		if rf {
			cell.FresnelClear = boolPtr(true)
		}
		cell.HasData = true
		return cell
	}

	n := e.sampleCount(p.dist, e.opts.BatchSamples)
	visible, fresnelClear := true, true

	for i := 1; i < n; i++ {
		f := float64(i) / float64(n)
		ground, ok := src.Elevation(geo.Interpolate(origin.Point, target.Point, f))
		if !ok {
			continue
		}
		anyData = true

		clearance := e.losHeight(p, f) - ground
		if clearance < 0 {
			visible, fresnelClear = false, false
			break
		}
		if rf && fresnelClear && clearance < e.requiredClearance(p, f, freqMHz) {
			fresnelClear = false
		}
	}

	if !anyData {
		return cell
	}
	cell.HasData = true
	cell.Clear = boolPtr(visible)
	if rf {
		cell.FresnelClear = boolPtr(fresnelClear)
	}
	return cell
}
