// Package anomaly runs the train and evaluate pipeline for detecting samples which do not belong to
// the class an autoencoder was trained on.
package anomaly

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/jnb666/deepanomaly/nnet"
	"github.com/jnb666/deepanomaly/num"
	"github.com/jnb666/deepanomaly/stats"
	"github.com/jnb666/deepanomaly/tsne"
)

// Report holds the results of a run.
type Report struct {
	ID              uuid.UUID
	Created         time.Time
	Config          nnet.Config
	Shape           []int
	TrainSamples    int
	Stats           []nnet.Stats
	Normal          []Sample
	Abnormal        []Sample
	NormalSummary   stats.Summary
	AbnormalSummary stats.Summary
	AUC             float64
	Projection      *mat.Dense
	Flags           []bool
	Saliency        SensitivityMap
}

// Pipeline holds the state shared by the partition, train and evaluate stages.
type Pipeline struct {
	Conf  nnet.Config
	Queue num.Queue
	Net   *nnet.Network
	Rng   *rand.Rand
}

// historian is implemented by testers which record the per epoch stats
type historian interface {
	History() []nnet.Stats
}

// NewPipeline creates the network for samples of the given shape and initialises the weights.
// The configuration is validated before anything is allocated.
func NewPipeline(dev num.Device, conf nnet.Config, inShape []int) (*Pipeline, error) {
	q := dev.NewQueue()
	net, err := nnet.New(q, conf, inShape)
	if err != nil {
		q.Shutdown()
		return nil, err
	}
	q.Profiling(conf.Profile)
	p := &Pipeline{Conf: conf, Queue: q, Net: net, Rng: nnet.SetSeed(conf.RandSeed)}
	net.InitWeights(p.Rng)
	slog.Debug("network", "layers", net.String())
	return p, nil
}

// Partition splits the corpus into the training set and the normal and abnormal evaluation sets.
func (p *Pipeline) Partition(d nnet.Data) (nnet.Views, error) {
	split, err := nnet.Partition(d, p.Conf.Normal)
	if err != nil {
		return nnet.Views{}, err
	}
	v, err := split.Views(d, p.Conf.EvalNormal, p.Conf.EvalAbnormal, p.Conf.HoldOut)
	if err != nil {
		return nnet.Views{}, err
	}
	slog.Info("partition", "normal", len(split.Normal), "abnormal", len(split.Abnormal),
		"train", v.Train.Len(), "eval_normal", v.Normal.Len(), "eval_abnormal", v.Abnormal.Len())
	return v, nil
}

// Train fits the autoencoder to the training set for the configured number of epochs.
func (p *Pipeline) Train(train nnet.Data, test nnet.Tester) ([]nnet.Stats, error) {
	opt, err := nnet.NewOptimizer(p.Conf)
	if err != nil {
		return nil, err
	}
	dset := nnet.NewDataset(p.Queue.Dev(), train, p.Conf.TrainBatch, p.Rng)
	defer dset.Release()
	slog.Info("train", "samples", dset.Samples, "batch", dset.BatchSize, "batches", dset.Batches, "optimizer", opt)
	nnet.Train(p.Net, opt, dset, test)
	if h, ok := test.(historian); ok {
		return h.History(), nil
	}
	return nil, nil
}

// Evaluate computes the reconstruction errors, latent projection and sensitivity map for the
// evaluation sets.
func (p *Pipeline) Evaluate(v nnet.Views) (*Report, error) {
	ev := NewEvaluator(p.Net, tsne.New(p.Conf.Perplexity, p.Conf.ProjectIter, p.Rng))
	rep := &Report{
		ID:           uuid.New(),
		Created:      time.Now(),
		Config:       p.Conf,
		Shape:        p.Net.InShape(),
		TrainSamples: v.Train.Len(),
	}
	rep.Normal = ev.Reconstruct(v.Normal)
	rep.Abnormal = ev.Reconstruct(v.Abnormal)
	normErr, abnormErr := Errors(rep.Normal), Errors(rep.Abnormal)
	rep.NormalSummary = stats.Summarise(normErr)
	rep.AbnormalSummary = stats.Summarise(abnormErr)
	rep.AUC = stats.AUC(normErr, abnormErr)
	slog.Info("reconstruction error", "normal", rep.NormalSummary.Mean, "abnormal", rep.AbnormalSummary.Mean, "auc", rep.AUC)

	latents, flags := ev.Latents(v.Normal, v.Abnormal)
	proj, err := ev.Project(latents)
	if err != nil {
		return nil, errors.Wrap(err, "project latents")
	}
	rep.Projection, rep.Flags = proj, flags

	if rep.Saliency, err = ev.Saliency(v.Abnormal, p.Conf.SaliencySample); err != nil {
		return nil, err
	}
	slog.Info("saliency", "sample", p.Conf.SaliencySample, "label", rep.Saliency.Label, "max", rep.Saliency.MaxValue())
	return rep, nil
}

// Run executes the partition, train and evaluate stages in order. Configuration errors are returned
// before training starts.
func (p *Pipeline) Run(d nnet.Data, test nnet.Tester) (*Report, error) {
	v, err := p.Partition(d)
	if err != nil {
		return nil, err
	}
	history, err := p.Train(v.Train, test)
	if err != nil {
		return nil, err
	}
	rep, err := p.Evaluate(v)
	if err != nil {
		return nil, err
	}
	rep.Stats = history
	if p.Conf.Profile {
		slog.Info("profile\n" + p.Queue.Profile())
	}
	return rep, nil
}

// Release frees the network queue.
func (p *Pipeline) Release() {
	p.Queue.Shutdown()
}
