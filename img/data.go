package img

import (
	"encoding/gob"
	"image"
	"log/slog"
	"strconv"

	"github.com/jnb666/deepanomaly/stats"
)

func init() {
	gob.Register(&Data{})
}

// Image data set which implements the nnet.Data interface. Each sample is a single channel
// image stored in row major order with pixel values scaled to the range -1 to 1.
type Data struct {
	Class  []string
	Height int
	Width  int
	Labels []int32
	Pix    []float32
}

// Create a new image set from labels and pixel data.
func NewData(nclasses, height, width int, labels []int32, pix []float32) *Data {
	classes := make([]string, nclasses)
	for i := range classes {
		classes[i] = strconv.Itoa(i)
	}
	return &Data{Class: classes, Height: height, Width: width, Labels: labels, Pix: pix}
}

// Len function returns number of images
func (d *Data) Len() int { return len(d.Labels) }

// Classes functions number of differerent label values
func (d *Data) Classes() []string { return d.Class }

// Shape returns channels, height, width
func (d *Data) Shape() []int { return []int{1, d.Height, d.Width} }

// Label returns classification for given images
func (d *Data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

// Input returns scaled input data in buf array
func (d *Data) Input(index []int, buf []float32) {
	nfeat := d.Height * d.Width
	for i, ix := range index {
		copy(buf[i*nfeat:(i+1)*nfeat], d.Pix[ix*nfeat:(ix+1)*nfeat])
	}
}

// Image returns given image number
func (d *Data) Image(ix int) image.Image {
	nfeat := d.Height * d.Width
	return FromArray(d.Pix[ix*nfeat:(ix+1)*nfeat], d.Width, d.Height, -1, 1)
}

// Slice returns images from start to end
func (d *Data) Slice(start, end int) *Data {
	nfeat := d.Height * d.Width
	data := *d
	data.Labels = append([]int32{}, d.Labels[start:end]...)
	data.Pix = append([]float32{}, d.Pix[start*nfeat:end*nfeat]...)
	return &data
}

// Calculate mean and stddev of the pixel values
func (d *Data) Stats() (mean, std float32) {
	var s stats.Average
	for _, val := range d.Pix {
		s.Add(float64(val))
	}
	slog.Debug("pixel stats", "mean", s.String(), "samples", d.Len())
	return float32(s.Mean), float32(s.StdDev)
}
