package report

import (
	"fmt"
	"image/color"
	"io"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
	"gonum.org/v1/plot/vg/vgsvg"

	"github.com/jnb666/deepanomaly/anomaly"
	"github.com/jnb666/deepanomaly/img"
	"github.com/jnb666/deepanomaly/nnet"
)

const histBins = 20

// Plot sizes in points
var (
	PlotWidth  = vg.Points(480)
	PlotHeight = vg.Points(360)
)

func newPlot(title, xlabel, ylabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xlabel
	p.Y.Label.Text = ylabel
	p.X.Tick.Label.Font.Size = vg.Points(10)
	p.Y.Tick.Label.Font.Size = vg.Points(10)
	p.Legend.Top = true
	p.Legend.TextStyle.Font.Size = vg.Points(12)
	p.Add(plotter.NewGrid())
	return p
}

func classNames(rep *anomaly.Report) (normal, abnormal string) {
	return fmt.Sprintf("normal (%d)", rep.Config.Normal), "abnormal"
}

// LatentPlot is a scatter plot of the projected latent vectors with one series per class.
func LatentPlot(rep *anomaly.Report) (*plot.Plot, error) {
	if rep.Projection == nil {
		return nil, errors.New("no latent projection")
	}
	var pts [2]plotter.XYs
	for i, normal := range rep.Flags {
		ix := 1
		if normal {
			ix = 0
		}
		pts[ix] = append(pts[ix], plotter.XY{X: rep.Projection.At(i, 0), Y: rep.Projection.At(i, 1)})
	}
	p := newPlot("Latent space", "", "")
	normName, abnormName := classNames(rep)
	if err := plotutil.AddScatters(p, normName, pts[0], abnormName, pts[1]); err != nil {
		return nil, errors.Wrap(err, "latent plot")
	}
	return p, nil
}

// ErrorPlot shows a histogram of the reconstruction errors for the normal and abnormal samples.
func ErrorPlot(rep *anomaly.Report) (*plot.Plot, error) {
	p := newPlot(fmt.Sprintf("Reconstruction error (AUC %.3f)", rep.AUC), "mean squared error", "samples")
	normName, abnormName := classNames(rep)
	for i, set := range []struct {
		name    string
		samples []anomaly.Sample
	}{{normName, rep.Normal}, {abnormName, rep.Abnormal}} {
		if len(set.samples) == 0 {
			continue
		}
		h, err := plotter.NewHist(plotter.Values(anomaly.Errors(set.samples)), histBins)
		if err != nil {
			return nil, errors.Wrap(err, "error histogram")
		}
		r, g, b, _ := plotutil.Color(i).RGBA()
		h.FillColor = color.NRGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: 128}
		h.LineStyle.Color = plotutil.Color(i)
		p.Add(h)
		p.Legend.Add(set.name, h)
	}
	return p, nil
}

// LossPlot shows the training loss and the smoothed loss for each epoch.
func LossPlot(history []nnet.Stats) (*plot.Plot, error) {
	if len(history) == 0 {
		return nil, errors.New("no training stats")
	}
	loss := make(plotter.XYs, len(history))
	smooth := make(plotter.XYs, len(history))
	for i, s := range history {
		loss[i] = plotter.XY{X: float64(s.Epoch), Y: s.Loss}
		smooth[i] = plotter.XY{X: float64(s.Epoch), Y: s.Smooth}
	}
	p := newPlot("Training loss", "epoch", "loss")
	for i, series := range []struct {
		name string
		xys  plotter.XYs
	}{{"loss", loss}, {"smoothed", smooth}} {
		line, err := plotter.NewLine(series.xys)
		if err != nil {
			return nil, errors.Wrap(err, "loss plot")
		}
		line.Width = vg.Points(2)
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(series.name, line)
	}
	p.Y.Min = 0
	return p, nil
}

// SaliencyPlots returns plots of the original sample, its reconstruction and the sensitivity heat map.
func SaliencyPlots(rep *anomaly.Report) []*plot.Plot {
	titles := []string{
		fmt.Sprintf("Original (%d)", rep.Saliency.Label),
		fmt.Sprintf("Reconstruction (%.4f)", rep.Saliency.Error),
		"Sensitivity",
	}
	h, w := rep.Shape[len(rep.Shape)-2], rep.Shape[len(rep.Shape)-1]
	var plots []*plot.Plot
	for i, m := range SaliencyImages(rep) {
		p := plot.New()
		p.Title.Text = titles[i]
		p.HideAxes()
		p.Add(plotter.NewImage(m, 0, 0, float64(w), float64(h)))
		plots = append(plots, p)
	}
	heat := &plotter.ColorBar{ColorMap: img.HeatMap(), Vertical: false}
	heat.ColorMap.SetMin(0)
	heat.ColorMap.SetMax(max(rep.Saliency.MaxValue(), 1e-12))
	bar := plot.New()
	bar.HideY()
	bar.X.Tick.Label.Font.Size = vg.Points(8)
	bar.Add(heat)
	return append(plots, bar)
}

// canvas which can be encoded as png or svg
type canvas interface {
	vg.CanvasSizer
	io.WriterTo
}

func newCanvas(format string, w, h vg.Length) (canvas, error) {
	switch strings.ToLower(format) {
	case "png":
		return vgimg.PngCanvas{Canvas: vgimg.New(w, h)}, nil
	case "svg":
		return vgsvg.New(w, h), nil
	default:
		return nil, errors.Errorf("unsupported plot format %q", format)
	}
}

// WritePlot renders the plot in png or svg format.
func WritePlot(w io.Writer, p *plot.Plot, format string, width, height vg.Length) error {
	c, err := newCanvas(format, width, height)
	if err != nil {
		return err
	}
	p.Draw(draw.New(c))
	_, err = c.WriteTo(w)
	return errors.Wrap(err, "write plot")
}

// WriteSaliency renders the saliency plots in a row with the colour bar underneath.
func WriteSaliency(w io.Writer, rep *anomaly.Report, format string) error {
	plots := SaliencyPlots(rep)
	c, err := newCanvas(format, 3*PlotHeight, PlotHeight)
	if err != nil {
		return err
	}
	dc := draw.New(c)
	bar := dc
	bar.Max.Y = dc.Min.Y + PlotHeight/6
	top := dc
	top.Min.Y = bar.Max.Y
	tiles := draw.Tiles{Rows: 1, Cols: 3, PadX: vg.Points(8), PadY: vg.Points(8), PadTop: vg.Points(4)}
	canvases := plot.Align([][]*plot.Plot{plots[:3]}, tiles, top)
	for i, p := range plots[:3] {
		p.Draw(canvases[0][i])
	}
	bar.Min.X += 2 * PlotHeight / 3
	bar.Max.X -= 2 * PlotHeight / 3
	plots[3].Draw(bar)
	_, err = c.WriteTo(w)
	return errors.Wrap(err, "write saliency")
}
