// Package tsne embeds high dimensional points in two dimensions with exact t-distributed
// stochastic neighbour embedding.
package tsne

import (
	"log/slog"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	outDims        = 2
	exaggeration   = 12.0
	exaggerateIter = 250
	initMomentum   = 0.5
	finalMomentum  = 0.8
	minGain        = 0.01
	searchTol      = 1e-5
	searchSteps    = 50
)

// TSNE holds the embedding settings.
type TSNE struct {
	Perplexity float64
	Iter       int
	Rng        *rand.Rand
}

// New returns an embedder with the given perplexity and iteration count.
func New(perplexity float64, iter int, rng *rand.Rand) *TSNE {
	return &TSNE{Perplexity: perplexity, Iter: iter, Rng: rng}
}

// Embed maps each row of x to a point in the plane. Rows which are close in the input space
// tend to be close in the output. The number of rows must exceed the perplexity.
func (t *TSNE) Embed(x *mat.Dense) (*mat.Dense, error) {
	n, _ := x.Dims()
	if n < 2 {
		return nil, errors.Errorf("tsne: need at least 2 points, got %d", n)
	}
	if t.Perplexity <= 0 || t.Perplexity >= float64(n) {
		return nil, errors.Errorf("tsne: perplexity %g must be in range (0, %d)", t.Perplexity, n)
	}
	if t.Iter <= 0 {
		return nil, errors.Errorf("tsne: iteration count must be positive")
	}
	p := jointProbs(distances(x), t.Perplexity)
	y := t.optimise(p, n)
	return mat.NewDense(n, outDims, y), nil
}

// squared euclidean distance between each pair of rows
func distances(x *mat.Dense) []float64 {
	n, _ := x.Dims()
	d := make([]float64, n*n)
	for i := 0; i < n; i++ {
		ri := x.RawRowView(i)
		for j := i + 1; j < n; j++ {
			dist := floats.Distance(ri, x.RawRowView(j), 2)
			d[i*n+j] = dist * dist
			d[j*n+i] = dist * dist
		}
	}
	return d
}

// symmetrised input affinities with each conditional distribution calibrated to the perplexity
func jointProbs(d []float64, perplexity float64) []float64 {
	n := int(math.Sqrt(float64(len(d))))
	cond := make([]float64, n*n)
	target := math.Log(perplexity)
	for i := 0; i < n; i++ {
		row := cond[i*n : (i+1)*n]
		beta, lo, hi := 1.0, math.Inf(-1), math.Inf(1)
		for step := 0; step < searchSteps; step++ {
			h := entropy(d[i*n:(i+1)*n], i, beta, row)
			diff := h - target
			if math.Abs(diff) < searchTol {
				break
			}
			if diff > 0 {
				lo = beta
				if math.IsInf(hi, 1) {
					beta *= 2
				} else {
					beta = (beta + hi) / 2
				}
			} else {
				hi = beta
				if math.IsInf(lo, -1) {
					beta /= 2
				} else {
					beta = (beta + lo) / 2
				}
			}
		}
	}
	p := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			p[i*n+j] = math.Max((cond[i*n+j]+cond[j*n+i])/float64(2*n), 1e-12)
		}
	}
	return p
}

// sets row to the conditional distribution for point i at precision beta and returns its entropy
func entropy(dist []float64, i int, beta float64, row []float64) float64 {
	var sum, dsum float64
	for j, dj := range dist {
		if j == i {
			row[j] = 0
			continue
		}
		row[j] = math.Exp(-dj * beta)
		sum += row[j]
		dsum += dj * row[j]
	}
	if sum == 0 {
		for j := range row {
			if j != i {
				row[j] = 1 / float64(len(row)-1)
			}
		}
		return math.Log(float64(len(row) - 1))
	}
	floats.Scale(1/sum, row)
	return math.Log(sum) + beta*dsum/sum
}

func (t *TSNE) optimise(p []float64, n int) []float64 {
	rng := t.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}
	y := make([]float64, n*outDims)
	for i := range y {
		y[i] = 1e-4 * rng.NormFloat64()
	}
	eta := math.Max(float64(n)/exaggeration/4, 50)
	update := make([]float64, len(y))
	gains := make([]float64, len(y))
	grad := make([]float64, len(y))
	for i := range gains {
		gains[i] = 1
	}
	num := make([]float64, n*n)
	for iter := 0; iter < t.Iter; iter++ {
		exag, momentum := 1.0, finalMomentum
		if iter < exaggerateIter {
			exag, momentum = exaggeration, initMomentum
		}
		kl := gradient(p, y, num, grad, exag)
		for i := range y {
			if (grad[i] > 0) != (update[i] > 0) {
				gains[i] += 0.2
			} else {
				gains[i] = math.Max(gains[i]*0.8, minGain)
			}
			update[i] = momentum*update[i] - eta*gains[i]*grad[i]
			y[i] += update[i]
		}
		centre(y, n)
		if (iter+1)%100 == 0 {
			slog.Debug("tsne", "iter", iter+1, "kl", kl)
		}
	}
	return y
}

// computes the gradient of the KL divergence with respect to the embedding and returns the divergence
func gradient(p, y, num, grad []float64, exag float64) float64 {
	n := len(y) / outDims
	var sum float64
	for i := 0; i < n; i++ {
		num[i*n+i] = 0
		for j := i + 1; j < n; j++ {
			dx, dy := y[i*2]-y[j*2], y[i*2+1]-y[j*2+1]
			q := 1 / (1 + dx*dx + dy*dy)
			num[i*n+j], num[j*n+i] = q, q
			sum += 2 * q
		}
	}
	for i := range grad {
		grad[i] = 0
	}
	var kl float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			pij := exag * p[i*n+j]
			qij := math.Max(num[i*n+j]/sum, 1e-12)
			m := 4 * (pij - qij) * num[i*n+j]
			grad[i*2] += m * (y[i*2] - y[j*2])
			grad[i*2+1] += m * (y[i*2+1] - y[j*2+1])
			kl += p[i*n+j] * math.Log(p[i*n+j]/qij)
		}
	}
	return kl
}

func centre(y []float64, n int) {
	for d := 0; d < outDims; d++ {
		var mean float64
		for i := 0; i < n; i++ {
			mean += y[i*outDims+d]
		}
		mean /= float64(n)
		for i := 0; i < n; i++ {
			y[i*outDims+d] -= mean
		}
	}
}
