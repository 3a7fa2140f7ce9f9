// Package web has a web based interface to start a run, follow the training progress and view the report.
package web

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/jnb666/deepanomaly/anomaly"
	"github.com/jnb666/deepanomaly/nnet"
	"github.com/jnb666/deepanomaly/num"
)

// Runner executes the pipeline in the background and holds the latest report.
type Runner struct {
	Conf       nnet.Config
	ConfigFile string
	Epoch      int
	data       nnet.Data
	dev        num.Device
	test       *nnet.TestBase
	report     *anomaly.Report
	err        error
	running    bool
	conns      map[*websocket.Conn]bool
	done       sync.WaitGroup
	sync.Mutex
}

// NewRunner returns a runner for the corpus. The config is saved to configFile under nnet.DataDir
// when it is updated from the web page, unless configFile is empty.
func NewRunner(dev num.Device, conf nnet.Config, data nnet.Data, configFile string) *Runner {
	return &Runner{
		Conf:       conf,
		ConfigFile: configFile,
		data:       data,
		dev:        dev,
		test:       nnet.NewTestBase(),
		conns:      map[*websocket.Conn]bool{},
	}
}

// Start a new run in the background, returns an error if one is in progress or the config is invalid.
func (r *Runner) Start() error {
	r.Lock()
	defer r.Unlock()
	if r.running {
		return errors.New("run already in progress")
	}
	p, err := anomaly.NewPipeline(r.dev, r.Conf, r.data.Shape())
	if err != nil {
		return err
	}
	r.test.Reset()
	r.running, r.Epoch, r.err = true, 0, nil
	r.done.Add(1)
	go func() {
		defer r.done.Done()
		defer p.Release()
		rep, err := p.Run(r.data, notifier{r})
		r.Lock()
		r.running = false
		if err != nil {
			slog.Error("run failed", "error", err)
			r.err = err
		} else {
			r.report = rep
		}
		r.broadcast("done")
		r.Unlock()
	}()
	return nil
}

// Stop requests that training ends after the current epoch, the evaluation still runs.
func (r *Runner) Stop() {
	r.test.Stop()
}

// Wait for the current run to finish
func (r *Runner) Wait() {
	r.done.Wait()
}

// Report returns the report from the last completed run or nil
func (r *Runner) Report() *anomaly.Report {
	r.Lock()
	defer r.Unlock()
	return r.report
}

// Status returns if a run is in progress and the error from the last run
func (r *Runner) Status() (running bool, err error) {
	r.Lock()
	defer r.Unlock()
	return r.running, r.err
}

// History returns the stats for the epochs completed so far
func (r *Runner) History() []nnet.Stats {
	r.Lock()
	defer r.Unlock()
	return r.test.History()
}

// Add a websocket connection to be notified at the end of each epoch
func (r *Runner) AddConn(c *websocket.Conn) {
	r.Lock()
	r.conns[c] = true
	r.Unlock()
}

// send message to all listeners, must be called with the lock held
func (r *Runner) broadcast(msg string) {
	for c := range r.conns {
		if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			slog.Debug("websocket closed", "error", err)
			c.Close()
			delete(r.conns, c)
		}
	}
}

// notifier records the stats and notifies listeners after each epoch
type notifier struct {
	r *Runner
}

func (n notifier) Test(net *nnet.Network, epoch int, loss float64, start time.Time) bool {
	n.r.Lock()
	defer n.r.Unlock()
	done := n.r.test.Test(net, epoch, loss, start)
	n.r.Epoch = epoch
	slog.Info("train", "epoch", epoch, "loss", fmt.Sprintf("%.5f", loss))
	n.r.broadcast(fmt.Sprintf("%d:%.5f", epoch, loss))
	return done
}

func (n notifier) History() []nnet.Stats {
	n.r.Lock()
	defer n.r.Unlock()
	return n.r.test.History()
}
