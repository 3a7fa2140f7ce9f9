package web

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/jnb666/deepanomaly/nnet"
	"github.com/jnb666/deepanomaly/report"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type TrainPage struct {
	*Templates
	Error string
	run   *Runner
	sync.Mutex
}

// Base data for handler functions to start and stop training and display the stats
func NewTrainPage(t *Templates, run *Runner) *TrainPage {
	p := &TrainPage{run: run}
	p.Templates = t.Select("/train")
	p.AddOption(Link{Name: "start", Url: "/train/start"})
	p.AddOption(Link{Name: "stop", Url: "/train/stop"})
	return p
}

// Handler function for the train template
func (p *TrainPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Lock()
		defer p.Unlock()
		switch mux.Vars(r)["cmd"] {
		case "start":
			if err := p.run.Start(); err != nil {
				slog.Warn("start", "error", err)
				p.Error = err.Error()
			} else {
				p.Error = ""
			}
			http.Redirect(w, r, "/train", http.StatusFound)
		case "stop":
			p.run.Stop()
			http.Redirect(w, r, "/train", http.StatusFound)
		default:
			p.Heading = p.heading()
			p.Exec(w, "train", p)
		}
	}
}

// Handler function for websocket connection
func (p *TrainPage) Websocket() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("websocket upgrade", "error", err)
			return
		}
		p.run.AddConn(conn)
	}
}

func (p *TrainPage) heading() template.HTML {
	p.run.Lock()
	defer p.run.Unlock()
	status := "idle"
	if p.run.running {
		status = "running"
	}
	s := fmt.Sprintf(`%s normal=%d: epoch <span id="epoch">%d</span> of %d [%s]`,
		template.HTMLEscapeString(p.run.Conf.DataSet), p.run.Conf.Normal, p.run.Epoch, p.run.Conf.MaxEpoch, status)
	return template.HTML(s)
}

func (p *TrainPage) Headers() []string {
	return nnet.StatsHeaders()
}

// LatestStats returns up to n stats rows, most recent first
func (p *TrainPage) LatestStats(n int) [][]string {
	stats := p.run.History()
	var res [][]string
	for i := len(stats) - 1; i >= 0 && i >= len(stats)-n; i-- {
		res = append(res, stats[i].Format())
	}
	return res
}

func (p *TrainPage) RunTime() string {
	stats := p.run.History()
	if len(stats) == 0 {
		return ""
	}
	return fmt.Sprintf("run time: %s", stats[len(stats)-1].Elapsed.Round(10*time.Millisecond))
}

// LossPlot returns the loss curve as inline svg
func (p *TrainPage) LossPlot() template.HTML {
	plt, err := report.LossPlot(p.run.History())
	if err != nil {
		return ""
	}
	var buf bytes.Buffer
	if err := report.WritePlot(&buf, plt, "svg", report.PlotWidth, report.PlotHeight); err != nil {
		slog.Error("loss plot", "error", err)
		return ""
	}
	return template.HTML(buf.String())
}
