// Package img contains routines for converting sample arrays to images and composing image grids.
package img

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/palette/moreland"
)

var GrayModel = color.ModelFunc(grayModel)

// Gray color stored a float in range 0-1
type Gray struct {
	Y float32
}

func (c Gray) RGBA() (r, g, b, a uint32) {
	y := clampu(c.Y, 0, 1)
	return y, y, y, 0xffff
}

func grayModel(c color.Color) color.Color {
	if _, ok := c.(Gray); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return Gray{Y: 0.299*float32(r)/0xffff + 0.587*float32(g)/0xffff + 0.114*float32(b)/0xffff}
}

// GrayImage type stores the image data as float32 values in row major order.
type GrayImage struct {
	Pix    []float32
	Height int
	Width  int
}

func NewGray(width, height int) *GrayImage {
	return &GrayImage{Pix: make([]float32, height*width), Height: height, Width: width}
}

// FromArray creates an image from row major pixel data, values in the range lo to hi are mapped to black to white.
func FromArray(pix []float32, width, height int, lo, hi float32) *GrayImage {
	m := NewGray(width, height)
	scale := 1 / (hi - lo)
	for i, v := range pix[:width*height] {
		m.Pix[i] = clamp((v-lo)*scale, 0, 1)
	}
	return m
}

func (m *GrayImage) ColorModel() color.Model {
	return GrayModel
}

func (m *GrayImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *GrayImage) GrayAt(x, y int) Gray {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return Gray{}
	}
	return Gray{Y: m.Pix[y*m.Width+x]}
}

func (m *GrayImage) At(x, y int) color.Color {
	return m.GrayAt(x, y)
}

func (m *GrayImage) Set(x, y int, c color.Color) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return
	}
	m.Pix[y*m.Width+x] = grayModel(c).(Gray).Y
}

// HeatMap returns the colour map used for attribution images, low values are black and high values white via red and yellow.
func HeatMap() palette.ColorMap {
	return moreland.BlackBody()
}

// Heat renders row major values as a heat map image scaled between the minimum and maximum value.
func Heat(values []float32, width, height int) *image.RGBA {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values[:width*height] {
		lo = math.Min(lo, float64(v))
		hi = math.Max(hi, float64(v))
	}
	if !(hi > lo) {
		hi = lo + 1
	}
	cmap := HeatMap()
	cmap.SetMin(lo)
	cmap.SetMax(hi)
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := math.Max(lo, math.Min(hi, float64(values[y*width+x])))
			col, err := cmap.At(v)
			if err != nil {
				col = color.Black
			}
			dst.Set(x, y, col)
		}
	}
	return dst
}

// Scale image by an integer factor without smoothing.
func Scale(src image.Image, factor int) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// Grid composes rows of equally sized images into a single image with a border around each cell.
// Nil entries are left blank.
func Grid(rows [][]image.Image, border int, background color.Color) *image.RGBA {
	var cw, ch, ncols int
	for _, row := range rows {
		ncols = max(ncols, len(row))
		for _, m := range row {
			if m != nil {
				cw = max(cw, m.Bounds().Dx())
				ch = max(ch, m.Bounds().Dy())
			}
		}
	}
	w := ncols*(cw+border) + border
	h := len(rows)*(ch+border) + border
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)
	for r, row := range rows {
		for c, m := range row {
			if m == nil {
				continue
			}
			at := image.Pt(border+c*(cw+border), border+r*(ch+border))
			draw.Draw(dst, m.Bounds().Sub(m.Bounds().Min).Add(at), m, m.Bounds().Min, draw.Src)
		}
	}
	return dst
}

func clamp(x, x0, x1 float32) float32 {
	if x < x0 {
		return x0
	}
	if x > x1 {
		return x1
	}
	return x
}

func clampu(x, x0, x1 float32) uint32 {
	return uint32(clamp(x, x0, x1) * 0xffff)
}
