package web

import (
	"bytes"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"

	"github.com/jnb666/deepanomaly/anomaly"
	"github.com/jnb666/deepanomaly/img"
	"github.com/jnb666/deepanomaly/report"
)

const imageScale = 4

type ReportPage struct {
	*Templates
	Report  *anomaly.Report
	Table   string
	Panels  []int
	Plots   []string
	Running bool
	Error   string
	run     *Runner
	sync.Mutex
}

// Base data for handler functions to view the report from the last run
func NewReportPage(t *Templates, run *Runner) *ReportPage {
	p := &ReportPage{run: run, Plots: report.PlotNames}
	p.Templates = t.Select("/report")
	return p
}

// Handler function for the report template
func (p *ReportPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.Lock()
		defer p.Unlock()
		p.Report = p.run.Report()
		running, err := p.run.Status()
		p.Running, p.Error = running, ""
		if err != nil {
			p.Error = err.Error()
		}
		p.Table, p.Panels = "", nil
		if p.Report != nil {
			var buf bytes.Buffer
			report.WriteTable(&buf, p.Report)
			p.Table = buf.String()
			p.Panels = seq(min(p.Report.Config.Panels, len(p.Report.Normal), len(p.Report.Abnormal)))
		}
		p.Exec(w, "report", p)
	}
}

// Handler function to generate the image for a sample: set is normal, abnormal or saliency and
// kind is input, output or heat.
func (p *ReportPage) Image() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := p.run.Report()
		vars := mux.Vars(r)
		id, _ := strconv.Atoi(vars["id"])
		m := sampleImage(rep, vars["set"], vars["kind"], id)
		if m == nil {
			slog.Debug("image not found", "set", vars["set"], "kind", vars["kind"], "id", id)
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		if err := png.Encode(w, img.Scale(m, imageScale)); err != nil {
			slog.Error("encode image", "error", err)
		}
	}
}

func sampleImage(rep *anomaly.Report, set, kind string, id int) image.Image {
	if rep == nil {
		return nil
	}
	var s anomaly.Sample
	switch {
	case set == "normal" && id >= 0 && id < len(rep.Normal):
		s = rep.Normal[id]
	case set == "abnormal" && id >= 0 && id < len(rep.Abnormal):
		s = rep.Abnormal[id]
	case set == "saliency":
		images := report.SaliencyImages(rep)
		switch kind {
		case "input":
			return images[0]
		case "output":
			return images[1]
		case "heat":
			return images[2]
		}
		return nil
	default:
		return nil
	}
	switch kind {
	case "input":
		return report.SampleImage(rep, s, false)
	case "output":
		return report.SampleImage(rep, s, true)
	}
	return nil
}

// Handler function to render one of the report plots as svg
func (p *ReportPage) Plot() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := p.run.Report()
		if rep == nil {
			http.NotFound(w, r)
			return
		}
		var buf bytes.Buffer
		if err := report.Render(&buf, rep, mux.Vars(r)["name"], "svg"); err != nil {
			slog.Debug("plot", "error", err)
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Write(buf.Bytes())
	}
}

func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}
