// Package report renders the results of an anomaly detection run as images, plots and tables.
package report

import (
	"image"
	"image/color"
	"image/png"
	"io"

	"github.com/pkg/errors"

	"github.com/jnb666/deepanomaly/anomaly"
	"github.com/jnb666/deepanomaly/img"
)

const (
	panelScale  = 4
	panelBorder = 2
)

// ErrTooFewSamples is returned if there are not enough evaluation samples to fill the panels
var ErrTooFewSamples = errors.New("too few samples")

var panelBackground = color.RGBA{R: 64, G: 64, B: 64, A: 255}

// SampleImage converts the input or reconstruction of a sample to a gray scale image.
func SampleImage(rep *anomaly.Report, s anomaly.Sample, output bool) image.Image {
	h, w := rep.Shape[len(rep.Shape)-2], rep.Shape[len(rep.Shape)-1]
	if output {
		return img.FromArray(s.Output, w, h, -1, 1)
	}
	return img.FromArray(s.Input, w, h, -1, 1)
}

// Panels returns a grid with n columns, the rows are the normal inputs, their reconstructions, the
// abnormal inputs and their reconstructions.
func Panels(rep *anomaly.Report, n int) (*image.RGBA, error) {
	if n <= 0 || n > len(rep.Normal) || n > len(rep.Abnormal) {
		return nil, errors.Wrapf(ErrTooFewSamples, "%d panels requested with %d normal and %d abnormal samples",
			n, len(rep.Normal), len(rep.Abnormal))
	}
	rows := make([][]image.Image, 4)
	for i := 0; i < n; i++ {
		rows[0] = append(rows[0], img.Scale(SampleImage(rep, rep.Normal[i], false), panelScale))
		rows[1] = append(rows[1], img.Scale(SampleImage(rep, rep.Normal[i], true), panelScale))
		rows[2] = append(rows[2], img.Scale(SampleImage(rep, rep.Abnormal[i], false), panelScale))
		rows[3] = append(rows[3], img.Scale(SampleImage(rep, rep.Abnormal[i], true), panelScale))
	}
	return img.Grid(rows, panelBorder, panelBackground), nil
}

// WritePanels encodes the reconstruction panels as a PNG image.
func WritePanels(w io.Writer, rep *anomaly.Report, n int) error {
	m, err := Panels(rep, n)
	if err != nil {
		return err
	}
	return errors.Wrap(png.Encode(w, m), "encode panels")
}

// SaliencyImages returns the original, reconstruction and heat map for the sensitivity map sample.
func SaliencyImages(rep *anomaly.Report) []image.Image {
	s := rep.Saliency
	h, w := rep.Shape[len(rep.Shape)-2], rep.Shape[len(rep.Shape)-1]
	return []image.Image{
		SampleImage(rep, s.Sample, false),
		SampleImage(rep, s.Sample, true),
		img.Heat(s.Grad, w, h),
	}
}
