package tile

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
)

// Valid elevation range in meters. Decoded values outside it are treated as no-data.
const (
	MinElevation = -500.0
	MaxElevation = 9000.0
)

// Raster is a square grid of elevations in meters, row-major from the north-west corner.
// NaN marks no-data. A Raster is never mutated once it is cached.
type Raster struct {
	Size int
	Data []float32
}

// NewRaster returns a raster where every sample is no-data.
func NewRaster(size int) *Raster {
	r := &Raster{Size: size, Data: make([]float32, size*size)}
	nan := float32(math.NaN())
	for i := range r.Data {
		r.Data[i] = nan
	}
	return r
}

// At returns the elevation at pixel (x, y).
func (r *Raster) At(x, y int) (float64, bool) {
	if x < 0 || y < 0 || x >= r.Size || y >= r.Size {
		return 0, false
	}
	v := r.Data[y*r.Size+x]
	if math.IsNaN(float64(v)) {
		return 0, false
	}
	return float64(v), true
}

// Set writes one sample. Only used while building a raster.
func (r *Raster) Set(x, y int, elev float64) {
	r.Data[y*r.Size+x] = float32(elev)
}

// Clone returns a deep copy.
func (r *Raster) Clone() *Raster {
	c := &Raster{Size: r.Size, Data: make([]float32, len(r.Data))}
	copy(c.Data, r.Data)
	return c
}

// Sample returns the elevation at a fractional pixel position. It interpolates bilinearly
// when all four neighbours have data and falls back to the nearest pixel otherwise.
func (r *Raster) Sample(px, py float64) (float64, bool) {
	// Pixel centers sit at +0.5
	fx := px - 0.5
	fy := py - 0.5
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	tx := fx - float64(x0)
	ty := fy - float64(y0)

	x0c, x1c := clampPix(x0, r.Size), clampPix(x0+1, r.Size)
	y0c, y1c := clampPix(y0, r.Size), clampPix(y0+1, r.Size)

	v00, ok00 := r.At(x0c, y0c)
	v10, ok10 := r.At(x1c, y0c)
	v01, ok01 := r.At(x0c, y1c)
	v11, ok11 := r.At(x1c, y1c)
	if ok00 && ok10 && ok01 && ok11 {
		top := v00 + (v10-v00)*tx
		bottom := v01 + (v11-v01)*tx
		return top + (bottom-top)*ty, true
	}

	return r.At(clampPix(int(math.Floor(px)), r.Size), clampPix(int(math.Floor(py)), r.Size))
}

func clampPix(i, size int) int {
	if i < 0 {
		return 0
	}
	if i >= size {
		return size - 1
	}
	return i
}

// ElevationFromRGB decodes the terrarium packing: r*256 + g + b/256 - 32768.
func ElevationFromRGB(r, g, b uint8) float64 {
	return float64(r)*256 + float64(g) + float64(b)/256 - 32768
}

// RGBFromElevation is the inverse of ElevationFromRGB.
func RGBFromElevation(elev float64) (r, g, b uint8) {
	v := elev + 32768
	if v < 0 {
		v = 0
	}
	if v > 65535.99 {
		v = 65535.99
	}
	whole := math.Floor(v)
	r = uint8(int(whole) / 256)
	g = uint8(int(whole) % 256)
	b = uint8(math.Min(255, math.Round((v-whole)*256)))
	return r, g, b
}

func validElevation(e float64) bool {
	return e >= MinElevation && e <= MaxElevation
}

// Decode turns an encoded terrarium PNG into a Raster.
// Transparent pixels and out-of-range values become no-data.
func Decode(data []byte) (*Raster, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile image: %w", err)
	}

	b := img.Bounds()
	if b.Dx() != b.Dy() {
		return nil, fmt.Errorf("tile image is not square: %dx%d", b.Dx(), b.Dy())
	}
	size := b.Dx()
	r := NewRaster(size)

	put := func(x, y int, cr, cg, cb, ca uint8) {
		if ca == 0 {
			return
		}
		if e := ElevationFromRGB(cr, cg, cb); validElevation(e) {
			r.Set(x, y, e)
		}
	}

	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < size; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+size*4]
			for x := 0; x < size; x++ {
				p := row[x*4 : x*4+4]
				put(x, y, p[0], p[1], p[2], p[3])
			}
		}
	case *image.RGBA:
		for y := 0; y < size; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+size*4]
			for x := 0; x < size; x++ {
				p := row[x*4 : x*4+4]
				if p[3] == 255 || p[3] == 0 {
					put(x, y, p[0], p[1], p[2], p[3])
					continue
				}
				c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				put(x, y, c.R, c.G, c.B, c.A)
			}
		}
	default:
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				put(x, y, c.R, c.G, c.B, c.A)
			}
		}
	}

	return r, nil
}

// Encode writes a Raster as a terrarium PNG. No-data pixels are fully transparent.
func Encode(r *Raster) ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, r.Size, r.Size))
	for y := 0; y < r.Size; y++ {
		for x := 0; x < r.Size; x++ {
			e, ok := r.At(x, y)
			if !ok {
				continue
			}
			cr, cg, cb := RGBFromElevation(e)
			img.SetNRGBA(x, y, color.NRGBA{R: cr, G: cg, B: cb, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Flat returns a raster with every sample set to elev.
func Flat(size int, elev float64) *Raster {
	r := &Raster{Size: size, Data: make([]float32, size*size)}
	for i := range r.Data {
		r.Data[i] = float32(elev)
	}
	return r
}
