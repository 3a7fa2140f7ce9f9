package anomaly

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/jnb666/deepanomaly/nnet"
	"github.com/jnb666/deepanomaly/num"
	"github.com/jnb666/deepanomaly/tsne"
)

// Sample is one evaluation sample and its reconstruction. Pixel data is in row major order
// with the sample shape, Error is the mean squared difference between Input and Output.
type Sample struct {
	Index  int
	Label  int32
	Input  []float32
	Output []float32
	Error  float64
}

// SensitivityMap is the absolute gradient of the reconstruction error with respect to each input
// value for a single sample.
type SensitivityMap struct {
	Sample
	Grad []float32
}

// Evaluator runs a trained network over the evaluation sets. The network weights are never updated.
type Evaluator struct {
	Net   *nnet.Network
	Batch int
	proj  *tsne.TSNE
}

// NewEvaluator creates an evaluator using the configured batch size and t-SNE settings.
func NewEvaluator(net *nnet.Network, proj *tsne.TSNE) *Evaluator {
	return &Evaluator{Net: net, Batch: net.EvalBatch, proj: proj}
}

// run fn on each batch of the data in index order, with the batch offset
func (e *Evaluator) batches(d nnet.Data, fn func(start int, x num.Array, y []int32)) {
	q := e.Net.Queue()
	dset := nnet.NewDataset(q.Dev(), d, e.Batch, nil)
	defer dset.Release()
	dset.Rewind()
	start := 0
	for b := 0; b < dset.Batches; b++ {
		x, y := dset.NextBatch()
		fn(start, x, y)
		start += len(y)
	}
}

// Reconstruct passes each sample through the autoencoder and returns the reconstruction and error.
func (e *Evaluator) Reconstruct(d nnet.Data) []Sample {
	q := e.Net.Queue()
	nfeat := num.Prod(d.Shape())
	samples := make([]Sample, d.Len())
	e.batches(d, func(start int, x num.Array, y []int32) {
		n := len(y)
		in := make([]float32, n*nfeat)
		out := make([]float32, n*nfeat)
		yPred := e.Net.Fprop(x)
		q.Call(num.Read(x, in), num.Read(yPred, out)).Finish()
		for i := 0; i < n; i++ {
			s := Sample{
				Index:  start + i,
				Label:  y[i],
				Input:  in[i*nfeat : (i+1)*nfeat],
				Output: out[i*nfeat : (i+1)*nfeat],
			}
			s.Error = squaredError(s.Input, s.Output)
			samples[start+i] = s
		}
	})
	return samples
}

func squaredError(x, y []float32) float64 {
	var sum float64
	for i, v := range x {
		d := float64(y[i] - v)
		sum += d * d
	}
	return sum / float64(len(x))
}

// Latents returns the flattened encoding of every normal sample followed by every abnormal sample,
// one row per sample, along with a flag which is true for the rows from the normal set.
func (e *Evaluator) Latents(normal, abnormal nnet.Data) (*mat.Dense, []bool) {
	q := e.Net.Queue()
	nlat := num.Prod(e.Net.LatentShape())
	rows := normal.Len() + abnormal.Len()
	latents := mat.NewDense(rows, nlat, nil)
	flags := make([]bool, rows)
	offset := 0
	for _, set := range []struct {
		data   nnet.Data
		normal bool
	}{{normal, true}, {abnormal, false}} {
		e.batches(set.data, func(start int, x num.Array, y []int32) {
			n := len(y)
			buf := make([]float32, n*nlat)
			q.Call(num.Read(e.Net.Encode(x), buf)).Finish()
			for i := 0; i < n; i++ {
				row := latents.RawRowView(offset + start + i)
				for j, v := range buf[i*nlat : (i+1)*nlat] {
					row[j] = float64(v)
				}
				flags[offset+start+i] = set.normal
			}
		})
		offset += set.data.Len()
	}
	return latents, flags
}

// Project maps the latent vectors to two dimensions.
func (e *Evaluator) Project(latents *mat.Dense) (*mat.Dense, error) {
	if e.proj == nil {
		return nil, errors.New("projection not configured")
	}
	return e.proj.Embed(latents)
}

// Saliency computes the sensitivity of the reconstruction error to each input value of sample i.
// The parameter gradients are cleared before and after and the weights are left untouched.
func (e *Evaluator) Saliency(d nnet.Data, i int) (SensitivityMap, error) {
	if i < 0 || i >= d.Len() {
		return SensitivityMap{}, errors.Errorf("saliency sample %d out of range [0,%d)", i, d.Len())
	}
	q := e.Net.Queue()
	shape := d.Shape()
	nfeat := num.Prod(shape)
	m := SensitivityMap{
		Sample: Sample{Index: i, Input: make([]float32, nfeat), Output: make([]float32, nfeat)},
		Grad:   make([]float32, nfeat),
	}
	label := []int32{0}
	d.Label([]int{i}, label)
	m.Label = label[0]
	d.Input([]int{i}, m.Input)

	x := q.NewArray(append([]int{1}, shape...)...)
	defer x.Release()
	q.Call(num.Write(x, m.Input))
	grad := e.Net.InputGrad(x)
	defer grad.Release()
	q.Call(num.Abs(grad, grad), num.Read(grad, m.Grad))
	q.Call(num.Read(e.Net.Fprop(x), m.Output)).Finish()
	m.Error = squaredError(m.Input, m.Output)
	return m, nil
}

// Errors returns the reconstruction error of each sample.
func Errors(samples []Sample) []float64 {
	errs := make([]float64, len(samples))
	for i, s := range samples {
		errs[i] = s.Error
	}
	return errs
}

// MaxValue returns the largest absolute value in the map.
func (m SensitivityMap) MaxValue() float64 {
	var vmax float64
	for _, v := range m.Grad {
		vmax = math.Max(vmax, math.Abs(float64(v)))
	}
	return vmax
}
