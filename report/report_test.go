package report

import (
	"bytes"
	"image"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/jnb666/deepanomaly/anomaly"
	"github.com/jnb666/deepanomaly/nnet"
	"github.com/jnb666/deepanomaly/stats"
)

const side = 4

func testSamples(n int, label int32, noise float64, rng *rand.Rand) []anomaly.Sample {
	samples := make([]anomaly.Sample, n)
	for i := range samples {
		s := anomaly.Sample{Index: i, Label: label, Input: make([]float32, side*side), Output: make([]float32, side*side)}
		for j := range s.Input {
			s.Input[j] = float32(2*rng.Float64() - 1)
			s.Output[j] = s.Input[j] + float32(noise*rng.NormFloat64())
		}
		s.Error = noise * noise * (0.5 + rng.Float64())
		samples[i] = s
	}
	return samples
}

func testReport() *anomaly.Report {
	rng := rand.New(rand.NewSource(1))
	rep := &anomaly.Report{
		ID:       uuid.New(),
		Config:   nnet.DefaultConfig(),
		Shape:    []int{1, side, side},
		Normal:   testSamples(5, 7, 0.1, rng),
		Abnormal: testSamples(5, 3, 0.5, rng),
	}
	rep.Config.Panels = 3
	rep.NormalSummary = stats.Summarise(anomaly.Errors(rep.Normal))
	rep.AbnormalSummary = stats.Summarise(anomaly.Errors(rep.Abnormal))
	rep.AUC = stats.AUC(anomaly.Errors(rep.Normal), anomaly.Errors(rep.Abnormal))
	rep.Projection = mat.NewDense(10, 2, nil)
	rep.Flags = make([]bool, 10)
	for i := 0; i < 10; i++ {
		rep.Projection.Set(i, 0, rng.NormFloat64())
		rep.Projection.Set(i, 1, rng.NormFloat64())
		rep.Flags[i] = i < 5
	}
	rep.Saliency = anomaly.SensitivityMap{Sample: rep.Abnormal[1], Grad: make([]float32, side*side)}
	for i := range rep.Saliency.Grad {
		rep.Saliency.Grad[i] = float32(i) / 10
	}
	for epoch := 1; epoch <= 3; epoch++ {
		rep.Stats = append(rep.Stats, nnet.Stats{Epoch: epoch, Loss: 1 / float64(epoch), Smooth: 1.2 / float64(epoch)})
	}
	return rep
}

func TestPanels(t *testing.T) {
	rep := testReport()
	m, err := Panels(rep, 3)
	require.NoError(t, err)
	cell := side*panelScale + panelBorder
	assert.Equal(t, image.Rect(0, 0, 3*cell+panelBorder, 4*cell+panelBorder), m.Bounds())
	assert.Equal(t, panelBackground, m.RGBAAt(0, 0))

	_, err = Panels(rep, 6)
	assert.True(t, errors.Is(err, ErrTooFewSamples))
	_, err = Panels(rep, 0)
	assert.True(t, errors.Is(err, ErrTooFewSamples))

	rep.Abnormal = rep.Abnormal[:2]
	var buf bytes.Buffer
	assert.True(t, errors.Is(WritePanels(&buf, rep, 3), ErrTooFewSamples))
	assert.Zero(t, buf.Len(), "nothing rendered")
}

func TestSaliencyImages(t *testing.T) {
	rep := testReport()
	images := SaliencyImages(rep)
	require.Len(t, images, 3)
	for _, m := range images {
		assert.Equal(t, image.Rect(0, 0, side, side), m.Bounds())
	}
	assert.Len(t, SaliencyPlots(rep), 4)
}

func TestWriteAll(t *testing.T) {
	rep := testReport()
	dir := t.TempDir()
	files, err := WriteAll(dir, rep, "png")
	require.NoError(t, err)
	assert.Len(t, files, 6)
	for _, name := range []string{"panels.png", "latent.png", "errors.png", "loss.png", "saliency.png"} {
		f, err := os.Open(filepath.Join(dir, name))
		require.NoError(t, err)
		_, err = png.Decode(f)
		f.Close()
		assert.NoError(t, err, name)
	}
	summary, err := os.ReadFile(filepath.Join(dir, "summary.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), rep.ID.String())

	rep.Stats = nil
	files, err = WriteAll(t.TempDir(), rep, "svg")
	require.NoError(t, err)
	assert.Len(t, files, 5)
	b, err := os.ReadFile(files[1])
	require.NoError(t, err)
	assert.Contains(t, string(b), "<svg")
}

func TestRenderErrors(t *testing.T) {
	rep := testReport()
	var buf bytes.Buffer
	assert.Error(t, Render(&buf, rep, "nosuchplot", "png"))
	assert.Error(t, Render(&buf, rep, "latent", "gif"))
	_, err := LossPlot(nil)
	assert.Error(t, err)
	rep.Projection = nil
	assert.Error(t, Render(&buf, rep, "latent", "svg"))
}

func TestWriteTable(t *testing.T) {
	rep := testReport()
	var buf bytes.Buffer
	WriteTable(&buf, rep)
	out := buf.String()
	t.Log("\n" + out)
	assert.Contains(t, out, "normal (7)")
	assert.Contains(t, out, "abnormal")
	assert.Contains(t, out, "AUC")
	assert.Contains(t, out, "MEDIAN")
}
