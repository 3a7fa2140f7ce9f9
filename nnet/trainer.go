package nnet

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jnb666/deepanomaly/stats"
)

// number of epochs used for the smoothed loss
const emaN = 3

// Training statistics
type Stats struct {
	Epoch   int
	Loss    float64
	Smooth  float64
	Elapsed time.Duration
}

func StatsHeaders() []string {
	return []string{"epoch", "loss", "smoothed", "elapsed"}
}

func (s Stats) Format() []string {
	return []string{
		fmt.Sprint(s.Epoch),
		fmt.Sprintf("%.5f", s.Loss),
		fmt.Sprintf("%.5f", s.Smooth),
		s.Elapsed.Round(10 * time.Millisecond).String(),
	}
}

// Tester interface is called after each epoch, Test method returns true if training should stop.
type Tester interface {
	Test(net *Network, epoch int, loss float64, start time.Time) bool
}

// Tester which records the loss for each epoch and stops after MaxEpoch.
type TestBase struct {
	Stats []Stats
	stop  atomic.Bool
}

// Create a new base class which implements the Tester interface.
func NewTestBase() *TestBase {
	return &TestBase{Stats: []Stats{}}
}

// Reset stats prior to new run
func (t *TestBase) Reset() {
	t.Stats = t.Stats[:0]
	t.stop.Store(false)
}

// History returns a copy of the stats recorded so far
func (t *TestBase) History() []Stats {
	return append([]Stats{}, t.Stats...)
}

// Stop requests that training ends after the current epoch, it may be called from another goroutine
func (t *TestBase) Stop() {
	t.stop.Store(true)
}

// Test is called from the Train function on completion of each epoch.
func (t *TestBase) Test(net *Network, epoch int, loss float64, start time.Time) bool {
	s := Stats{Epoch: epoch, Loss: loss, Elapsed: time.Since(start)}
	var prev float64
	if n := len(t.Stats); n > 0 {
		prev = t.Stats[n-1].Smooth
	}
	s.Smooth = stats.EMA(prev).Add(loss, emaN)
	t.Stats = append(t.Stats, s)
	return epoch >= net.MaxEpoch || t.stop.Load()
}

type testLogger struct {
	*TestBase
}

// Create a new tester which logs stats.
func NewTestLogger() Tester {
	return testLogger{TestBase: NewTestBase()}
}

func (t testLogger) Test(net *Network, epoch int, loss float64, start time.Time) bool {
	done := t.TestBase.Test(net, epoch, loss, start)
	s := t.Stats[len(t.Stats)-1]
	if done || net.LogEvery <= 0 || epoch%net.LogEvery == 0 {
		slog.Info("train", "epoch", epoch, "loss", fmt.Sprintf("%.5f", s.Loss), "smoothed", fmt.Sprintf("%.5f", s.Smooth))
	}
	if done {
		slog.Info("run time", "elapsed", s.Elapsed.Round(10*time.Millisecond))
	}
	return done
}

// Train the network on the given training set by updating the weights
func Train(net *Network, opt Optimizer, dset *Dataset, test Tester) {
	done := net.MaxEpoch <= 0
	start := time.Now()
	for epoch := 1; !done; epoch++ {
		loss := TrainEpoch(net, opt, dset)
		done = test.Test(net, epoch, loss, start)
	}
}

// Perform one training epoch on the reshuffled dataset, returns the mean loss over all samples.
// The queue is flushed after each batch update.
func TrainEpoch(net *Network, opt Optimizer, dset *Dataset) float64 {
	dset.NextEpoch()
	net.ZeroGrads()
	total := 0.0
	for batch := 0; batch < dset.Batches; batch++ {
		if net.DebugLevel >= 2 || (net.DebugLevel == 1 && batch == 0) {
			slog.Debug("train batch", "batch", batch)
		}
		x, _ := dset.NextBatch()
		yPred := net.Fprop(x)
		loss := net.mse(yPred, x)
		total += loss * float64(x.Dims()[0])
		if net.DebugLevel >= 2 {
			fmt.Printf("yPred:\n%s", yPred.String(net.queue))
		}
		net.Bprop(net.outGrad)
		net.Update(opt)
		net.ZeroGrads()
		// queued ops refer to this batch, they must run before the layers are pointed at the next one
		net.queue.Finish()
	}
	return total / float64(dset.Samples)
}
