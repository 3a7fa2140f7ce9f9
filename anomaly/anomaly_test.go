package anomaly

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnb666/deepanomaly/nnet"
	"github.com/jnb666/deepanomaly/num"
)

const (
	size     = 28
	perClass = 110
)

// digits are drawn as a bright disc whose position depends on the class
func testCorpus(rng *rand.Rand) nnet.Data {
	n := 10 * perClass
	labels := make([]int32, n)
	pix := make([]float32, n*size*size)
	for i := range labels {
		class := i % 10
		labels[i] = int32(class)
		cx := 6 + float64(class%5)*4
		cy := 8 + float64(class/5)*10
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				d2 := (float64(x)-cx)*(float64(x)-cx) + (float64(y)-cy)*(float64(y)-cy)
				v := math.Exp(-d2/18) + 0.02*rng.NormFloat64()
				pix[i*size*size+y*size+x] = float32(math.Max(-1, math.Min(1, 2*v-1)))
			}
		}
	}
	return nnet.NewData(10, []int{1, size, size}, labels, pix)
}

func testConfig() nnet.Config {
	c := nnet.DefaultConfig()
	c.MaxEpoch = 2
	c.TrainBatch = 32
	c.ProjectIter = 300
	c.UseAccel = false
	return c
}

func params(net *nnet.Network) [][]float32 {
	var res [][]float32
	for _, p := range net.Params() {
		res = append(res, append([]float32{}, p.W.Data()...))
	}
	return res
}

func TestRun(t *testing.T) {
	d := testCorpus(rand.New(rand.NewSource(1)))
	conf := testConfig()
	p, err := NewPipeline(num.NewCPUDevice(), conf, d.Shape())
	require.NoError(t, err)
	defer p.Release()

	test := nnet.NewTestBase()
	rep, err := p.Run(d, test)
	require.NoError(t, err)

	assert.Equal(t, perClass, rep.TrainSamples)
	assert.Len(t, rep.Stats, conf.MaxEpoch)
	require.Len(t, rep.Normal, 100)
	require.Len(t, rep.Abnormal, 100)
	for i, s := range rep.Normal {
		assert.Equal(t, int32(7), s.Label)
		assert.Equal(t, i, s.Index)
		assert.Len(t, s.Output, size*size)
		assert.False(t, math.IsNaN(s.Error))
	}
	for _, s := range rep.Abnormal {
		assert.NotEqual(t, int32(7), s.Label)
	}
	assert.Equal(t, 100, rep.NormalSummary.Count)
	assert.Equal(t, 100, rep.AbnormalSummary.Count)
	assert.GreaterOrEqual(t, rep.AUC, 0.0)
	assert.LessOrEqual(t, rep.AUC, 1.0)

	r, c := rep.Projection.Dims()
	assert.Equal(t, 200, r)
	assert.Equal(t, 2, c)
	require.Len(t, rep.Flags, 200)
	for i, flag := range rep.Flags {
		assert.Equal(t, i < 100, flag)
	}

	sal := rep.Saliency
	assert.Equal(t, []int{1, size, size}, rep.Shape)
	assert.Len(t, sal.Grad, size*size)
	assert.Equal(t, conf.SaliencySample, sal.Index)
	assert.Equal(t, rep.Abnormal[conf.SaliencySample].Label, sal.Label)
	assert.Greater(t, sal.MaxValue(), 0.0)
	for _, v := range sal.Grad {
		assert.GreaterOrEqual(t, v, float32(0))
	}
}

func TestConfigErrorBeforeTraining(t *testing.T) {
	d := testCorpus(rand.New(rand.NewSource(2)))
	conf := testConfig()
	conf.Normal = 12
	p, err := NewPipeline(num.NewCPUDevice(), conf, d.Shape())
	require.NoError(t, err)
	defer p.Release()
	test := nnet.NewTestBase()
	_, err = p.Run(d, test)
	assert.True(t, errors.Is(err, nnet.ErrInvalidClass))
	assert.Empty(t, test.Stats)

	conf = testConfig()
	conf.EvalAbnormal = 2000
	conf.SaliencySample = 0
	p2, err := NewPipeline(num.NewCPUDevice(), conf, d.Shape())
	require.NoError(t, err)
	defer p2.Release()
	_, err = p2.Run(d, test)
	assert.True(t, errors.Is(err, nnet.ErrInsufficientSamples))
	assert.Empty(t, test.Stats)
}

func TestEvaluator(t *testing.T) {
	d := testCorpus(rand.New(rand.NewSource(3)))
	conf := testConfig()
	conf.EvalBatch = 7
	p, err := NewPipeline(num.NewCPUDevice(), conf, d.Shape())
	require.NoError(t, err)
	defer p.Release()
	v, err := p.Partition(d)
	require.NoError(t, err)
	ev := NewEvaluator(p.Net, nil)

	normal := nnet.Subset(v.Normal, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	abnormal := nnet.Subset(v.Abnormal, []int{0, 1, 2})
	samples := ev.Reconstruct(normal)
	require.Len(t, samples, 10)
	buf := make([]float32, size*size)
	normal.Input([]int{9}, buf)
	assert.Equal(t, buf, samples[9].Input)

	latents, flags := ev.Latents(normal, abnormal)
	r, c := latents.Dims()
	assert.Equal(t, 13, r)
	assert.Equal(t, num.Prod(p.Net.LatentShape()), c)
	assert.Equal(t, []bool{true, true, true, true, true, true, true, true, true, true, false, false, false}, flags)

	// encoding one batch at a time must give the same rows as a single large batch
	ev.Batch = 100
	latents2, _ := ev.Latents(normal, abnormal)
	approx := cmpopts.EquateApprox(0, 1e-4)
	assert.Empty(t, cmp.Diff(latents.RawMatrix().Data, latents2.RawMatrix().Data, approx))

	_, err = ev.Project(latents)
	assert.Error(t, err)

	before := params(p.Net)
	sal, err := ev.Saliency(abnormal, 2)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(before, params(p.Net)), "weights changed")
	for _, g := range p.Net.Params() {
		for _, v := range g.Grad.Data() {
			require.Zero(t, v)
		}
	}
	assert.Len(t, sal.Grad, size*size)
	assert.InDelta(t, samples[0].Error, ev.Reconstruct(normal)[0].Error, 1e-6)

	_, err = ev.Saliency(abnormal, 3)
	assert.Error(t, err)
}
