package main

import (
	"bytes"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnb666/deepanomaly/nnet"
	"github.com/jnb666/deepanomaly/num"
)

func execute(t *testing.T, args ...string) (string, error) {
	cmd := NewCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInit(t *testing.T) {
	nnet.DataDir = t.TempDir()
	_, err := execute(t, "init")
	require.NoError(t, err)
	conf, err := nnet.LoadConfig(defaultConfig)
	require.NoError(t, err)
	assert.Equal(t, nnet.DefaultConfig().Normal, conf.Normal)

	_, err = execute(t, "init")
	assert.ErrorContains(t, err, "already exists")
	_, err = execute(t, "init", "--force")
	assert.NoError(t, err)
}

func TestInvalidSet(t *testing.T) {
	nnet.DataDir = t.TempDir()
	_, err := execute(t, "run", "--set", "MaxEpoch")
	assert.ErrorContains(t, err, "key=value")
	_, err = execute(t, "run", "--set", "NoSuchField=1")
	assert.Error(t, err)
	_, err = execute(t, "run", "--set", "Normal=-1")
	assert.ErrorIs(t, err, nnet.ErrInvalidClass)
	_, err = execute(t, "run", "--set", "DataSet=missing")
	assert.Error(t, err)
}

func smallCorpus() nnet.Data {
	const size = 8
	rng := rand.New(rand.NewSource(1))
	labels := make([]int32, 100)
	inputs := make([]float32, len(labels)*size*size)
	for i := range labels {
		labels[i] = int32(i % 5)
		cx := float64(1 + i%5)
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				d2 := (float64(x)-cx)*(float64(x)-cx) + (float64(y)-3)*(float64(y)-3)
				inputs[i*size*size+y*size+x] = float32(2*math.Exp(-d2/4) - 1 + 0.05*rng.NormFloat64())
			}
		}
	}
	return nnet.NewData(5, []int{1, size, size}, labels, inputs)
}

func TestRunAndEval(t *testing.T) {
	nnet.DataDir = t.TempDir()
	require.NoError(t, nnet.SaveDataFile(smallCorpus(), "small"))
	c := nnet.DefaultConfig()
	c.DataSet = "small"
	c.Normal = 2
	c.Encoder, c.Decoder = nil, nil
	c.TrainBatch, c.MaxEpoch = 10, 2
	c.EvalNormal, c.EvalAbnormal = 8, 8
	c.Panels, c.SaliencySample = 4, 3
	c.Perplexity, c.ProjectIter = 4, 50
	c.UseAccel = false
	c = c.AddEncoder(
		nnet.Conv{Nfeats: 4, Size: 3, Stride: 2, Pad: 1},
		nnet.Activation{Atype: "relu"},
		nnet.Conv{Nfeats: 8, Size: 4},
	).AddDecoder(
		nnet.Deconv{Nfeats: 4, Size: 4},
		nnet.Activation{Atype: "relu"},
		nnet.Deconv{Nfeats: 1, Size: 3, Stride: 2, Pad: 1, OutPad: 1},
		nnet.Activation{Atype: "tanh"},
	)
	require.NoError(t, c.Save("small.json"))

	dir := filepath.Join(t.TempDir(), "out")
	out, err := execute(t, "run", "-c", "small.json", "-o", dir, "--format", "svg")
	require.NoError(t, err)
	assert.Contains(t, out, "AUC")
	for _, name := range []string{"panels.png", "latent.svg", "errors.svg", "loss.svg", "saliency.svg", "summary.txt", "params.pb"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	evalDir := filepath.Join(t.TempDir(), "eval")
	_, err = execute(t, "eval", filepath.Join(dir, "params.pb"), "-c", "small.json", "-o", evalDir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(evalDir, "latent.png"))
	assert.NoFileExists(t, filepath.Join(evalDir, "loss.png"))

	run, err := os.ReadFile(filepath.Join(dir, "summary.txt"))
	require.NoError(t, err)
	eval, err := os.ReadFile(filepath.Join(evalDir, "summary.txt"))
	require.NoError(t, err)
	// same weights give the same error statistics
	assert.Equal(t, tableRow(run, "abnormal"), tableRow(eval, "abnormal"))
	assert.NotEmpty(t, tableRow(run, "abnormal"))
}

func tableRow(table []byte, prefix string) string {
	for _, line := range strings.Split(string(table), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), prefix) {
			return line
		}
	}
	return ""
}

func TestSaveCheckpoint(t *testing.T) {
	conf := nnet.DefaultConfig()
	net, err := nnet.New(num.NewCPUDevice().NewQueue(), conf, []int{1, 28, 28})
	require.NoError(t, err)
	net.InitWeights(rand.New(rand.NewSource(1)))

	path := filepath.Join(t.TempDir(), "params.pb")
	require.NoError(t, saveCheckpoint(path, net))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	net2, err := nnet.New(num.NewCPUDevice().NewQueue(), conf, []int{1, 28, 28})
	require.NoError(t, err)
	require.NoError(t, nnet.LoadParams(f, net2))
	assert.Equal(t, net.Params()[0].W.Data(), net2.Params()[0].W.Data())

	err = saveCheckpoint(filepath.Join(t.TempDir(), "missing", "params.pb"), net)
	assert.ErrorContains(t, err, "save checkpoint")
}
