// Package raster paints scan cells into a georeferenced image, one pixel per
// grid cell, so very large scans never turn into per-cell geometry.
package raster

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/paulmach/orb"

	"sightline/pkg/geo"
	"sightline/pkg/terrain"
)

// DefaultMaxDimension caps the output width and height.
const DefaultMaxDimension = 4096

var (
	// ErrNoCells is returned when there is nothing to place an image around.
	ErrNoCells = errors.New("no cells with data")
	// ErrInvalidStep is returned for non-positive cell sizes.
	ErrInvalidStep = errors.New("cell size must be positive")
)

// Cell colors.
var (
	ColorClear       = color.NRGBA{R: 46, G: 204, B: 64, A: 170}
	ColorBlocked     = color.NRGBA{R: 220, G: 50, B: 47, A: 170}
	ColorFresnelOnly = color.NRGBA{R: 255, G: 193, B: 7, A: 170}
	ColorNoData      = color.NRGBA{R: 128, G: 128, B: 128, A: 90}
)

// Result is an encoded image and the coordinates to place it.
// Corners are NW, NE, SE, SW as [lon, lat].
type Result struct {
	PNG     []byte        `json:"-"`
	Width   int           `json:"width"`
	Height  int           `json:"height"`
	Bounds  geo.Bounds    `json:"bounds"`
	Corners [4][2]float64 `json:"corners"`
	Painted int64         `json:"painted"`
}

// DataURL returns the image as a base64 data URL.
func (r *Result) DataURL() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(r.PNG)
}

// Corners returns NW, NE, SE, SW as [lon, lat] pairs.
func Corners(b geo.Bounds) [4][2]float64 {
	return [4][2]float64{
		{b.West, b.North},
		{b.East, b.North},
		{b.East, b.South},
		{b.West, b.South},
	}
}

// Renderer keeps a persistent pixel buffer that batches of cells are painted
// into. Paint and Snapshot are safe for concurrent use; a snapshot copies the
// buffer and encodes outside the lock.
type Renderer struct {
	bounds  geo.Bounds
	latStep float64
	lonStep float64
	scaleX  float64 // output pixels per cell
	scaleY  float64

	mu      sync.Mutex
	img     *image.NRGBA
	painted int64
}

// NewRenderer creates a renderer covering b, where each cell spans latStep by
// lonStep degrees. When the native size exceeds maxDim pixels on either side
// the cells are mapped proportionally into a smaller image. maxDim <= 0 uses
// DefaultMaxDimension.
func NewRenderer(b geo.Bounds, latStep, lonStep float64, maxDim int) (*Renderer, error) {
	if latStep <= 0 || lonStep <= 0 {
		return nil, ErrInvalidStep
	}
	if b.North <= b.South || b.East <= b.West {
		return nil, fmt.Errorf("empty bounds %+v", b)
	}
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}

	cols := math.Max(1, math.Ceil((b.East-b.West)/lonStep))
	rows := math.Max(1, math.Ceil((b.North-b.South)/latStep))
	scale := 1.0
	if largest := math.Max(cols, rows); largest > float64(maxDim) {
		scale = float64(maxDim) / largest
	}
	w := max(1, int(math.Ceil(cols*scale)))
	h := max(1, int(math.Ceil(rows*scale)))

	return &Renderer{
		bounds:  b,
		latStep: latStep,
		lonStep: lonStep,
		scaleX:  scale,
		scaleY:  scale,
		img:     image.NewNRGBA(image.Rect(0, 0, w, h)),
	}, nil
}

// Size returns the output image dimensions.
func (r *Renderer) Size() (w, h int) {
	s := r.img.Bounds().Size()
	return s.X, s.Y
}

// pixel maps a coordinate to its image position. Row 0 is north.
func (r *Renderer) pixel(lat, lon float64) (x, y int, ok bool) {
	if !r.bounds.Contains(geo.Point{Lat: lat, Lon: lon}) {
		return 0, 0, false
	}
	w, h := r.Size()
	x = int(math.Floor((lon - r.bounds.West) / r.lonStep * r.scaleX))
	y = int(math.Floor((r.bounds.North - lat) / r.latStep * r.scaleY))
	return min(max(x, 0), w-1), min(max(y, 0), h-1), true
}

// cellColor picks the pixel color for a cell.
func cellColor(c terrain.Cell) color.NRGBA {
	switch {
	case c.Clear == nil:
		return ColorNoData
	case !*c.Clear:
		return ColorBlocked
	case c.FresnelClear != nil && !*c.FresnelClear:
		return ColorFresnelOnly
	default:
		return ColorClear
	}
}

// Paint draws cells into the buffer. Later cells overwrite earlier ones that
// land on the same pixel. It returns the number of cells painted.
func (r *Renderer) Paint(cells []terrain.Cell) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range cells {
		x, y, ok := r.pixel(c.Lat, c.Lon)
		if !ok {
			continue
		}
		r.img.SetNRGBA(x, y, cellColor(c))
		n++
	}
	r.painted += int64(n)
	return n
}

// Painted returns the total number of cells painted so far.
func (r *Renderer) Painted() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.painted
}

// Snapshot encodes the current buffer. Each result is independent of the renderer.
func (r *Renderer) Snapshot() (*Result, error) {
	r.mu.Lock()
	img := &image.NRGBA{
		Pix:    append([]uint8(nil), r.img.Pix...),
		Stride: r.img.Stride,
		Rect:   r.img.Rect,
	}
	painted := r.painted
	r.mu.Unlock()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode raster: %w", err)
	}
	return &Result{
		PNG:     buf.Bytes(),
		Width:   img.Rect.Dx(),
		Height:  img.Rect.Dy(),
		Bounds:  r.bounds,
		Corners: Corners(r.bounds),
		Painted: painted,
	}, nil
}

// CellBounds returns the bounds of the cells that have a result, padded by half
// a cell. No-data cells do not widen the bounds.
func CellBounds(cells []terrain.Cell, latStep, lonStep float64) (geo.Bounds, error) {
	var (
		b     orb.Bound
		found bool
	)
	for _, c := range cells {
		if c.Clear == nil {
			continue
		}
		pt := orb.Point{c.Lon, c.Lat}
		if !found {
			b = pt.Bound()
			found = true
			continue
		}
		b = b.Extend(pt)
	}
	if !found {
		return geo.Bounds{}, ErrNoCells
	}
	return geo.Bounds{
		West:  b.Min.Lon() - lonStep/2,
		South: b.Min.Lat() - latStep/2,
		East:  b.Max.Lon() + lonStep/2,
		North: b.Max.Lat() + latStep/2,
	}, nil
}

// Render paints a finished result set in one go.
func Render(cells []terrain.Cell, latStep, lonStep float64, maxDim int) (*Result, error) {
	if latStep <= 0 || lonStep <= 0 {
		return nil, ErrInvalidStep
	}
	b, err := CellBounds(cells, latStep, lonStep)
	if err != nil {
		return nil, err
	}
	r, err := NewRenderer(b, latStep, lonStep, maxDim)
	if err != nil {
		return nil, err
	}
	r.Paint(cells)
	return r.Snapshot()
}
