package report

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"

	"github.com/jnb666/deepanomaly/anomaly"
	"github.com/jnb666/deepanomaly/stats"
)

// Names of the plots written by WriteAll and served by the web viewer
var PlotNames = []string{"latent", "errors", "loss", "saliency"}

// WriteTable prints the error summary for each evaluation set and the AUC.
func WriteTable(w io.Writer, rep *anomaly.Report) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(append([]string{"set"}, stats.SummaryHeaders()...))
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	table.SetBorder(false)
	normName, abnormName := classNames(rep)
	table.Append(append([]string{normName}, rep.NormalSummary.Format()...))
	table.Append(append([]string{abnormName}, rep.AbnormalSummary.Format()...))
	table.Render()
	fmt.Fprintf(w, "run %s: trained on %d samples, AUC %.4f\n", rep.ID, rep.TrainSamples, rep.AUC)
}

// Plot returns the named plot for the report
func Plot(rep *anomaly.Report, name string) (*plot.Plot, error) {
	switch name {
	case "latent":
		return LatentPlot(rep)
	case "errors":
		return ErrorPlot(rep)
	case "loss":
		return LossPlot(rep.Stats)
	default:
		return nil, errors.Errorf("unknown plot %q", name)
	}
}

// Render writes the named plot in the given format.
func Render(w io.Writer, rep *anomaly.Report, name, format string) error {
	if name == "saliency" {
		return WriteSaliency(w, rep, format)
	}
	p, err := Plot(rep, name)
	if err != nil {
		return err
	}
	return WritePlot(w, p, format, PlotWidth, PlotHeight)
}

// WriteAll saves the panels, each of the plots and the summary table to dir and returns the file paths.
// Plots are written in png or svg format. The loss plot is skipped if there are no training stats.
func WriteAll(dir string, rep *anomaly.Report, format string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "write report")
	}
	var files []string
	save := func(name string, fn func(w io.Writer) error) error {
		var buf bytes.Buffer
		if err := fn(&buf); err != nil {
			return err
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
			return errors.Wrap(err, "write report")
		}
		files = append(files, path)
		return nil
	}
	err := save("panels.png", func(w io.Writer) error { return WritePanels(w, rep, rep.Config.Panels) })
	if err != nil {
		return files, err
	}
	for _, name := range PlotNames {
		if name == "loss" && len(rep.Stats) == 0 {
			continue
		}
		err := save(name+"."+format, func(w io.Writer) error { return Render(w, rep, name, format) })
		if err != nil {
			return files, err
		}
	}
	err = save("summary.txt", func(w io.Writer) error {
		WriteTable(w, rep)
		return nil
	})
	slog.Info("saved report", "dir", dir, "files", len(files))
	return files, err
}
