// Package stats contains running averages and summary statistics for reconstruction errors.
package stats

import (
	"fmt"
	"html/template"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// Calc exponentional moving average
type EMA float64

func (e EMA) Add(val, n float64) float64 {
	if e == 0 {
		return val
	}
	k := 2.0 / (n + 1.0)
	return val*k + float64(e)*(1-k)
}

// Running mean and stddev as per http://www.johndcook.com/blog/standard_deviation/
type Average struct {
	Count, Mean float64
	Var, StdDev float64
	oldM, oldV  float64
}

func (s *Average) Add(x float64) {
	s.Count++
	if s.Count == 1 {
		s.oldM, s.Mean = x, x
		s.oldV = 0
	} else {
		s.Mean = s.oldM + (x-s.oldM)/s.Count
		s.Var = s.oldV + (x-s.oldM)*(x-s.Mean)
		s.oldM, s.oldV = s.Mean, s.Var
		if s.Count > 1 {
			s.StdDev = math.Sqrt(s.Var / (s.Count - 1))
		}
	}
}

func (s *Average) HTML() template.HTML {
	return template.HTML(format(s.Mean, s.StdDev, "&PlusMinus;"))
}

func (s *Average) String() string {
	return format(s.Mean, s.StdDev, "±")
}

func format(mean, stddev float64, sep string) string {
	switch {
	case mean > 10 && stddev < 0.1:
		return fmt.Sprintf("%.1f", mean)
	case mean > 10:
		return fmt.Sprintf("%.1f%s%.1f", mean, sep, stddev)
	case stddev < 1e-4:
		return fmt.Sprintf("%.4g", mean)
	default:
		return fmt.Sprintf("%.4g%s%.2g", mean, sep, stddev)
	}
}

// Summary of the distribution of a set of values
type Summary struct {
	Count  int
	Mean   float64
	StdDev float64
	Min    float64
	Median float64
	P95    float64
	Max    float64
}

// Summarise calculates the summary statistics for the values, which are not modified.
func Summarise(values []float64) Summary {
	s := Summary{Count: len(values)}
	if len(values) == 0 {
		return s
	}
	x := append([]float64{}, values...)
	sort.Float64s(x)
	s.Mean, s.StdDev = stat.MeanStdDev(x, nil)
	if len(x) == 1 {
		s.StdDev = 0
	}
	s.Min, s.Max = floats.Min(x), floats.Max(x)
	s.Median = stat.Quantile(0.5, stat.Empirical, x, nil)
	s.P95 = stat.Quantile(0.95, stat.Empirical, x, nil)
	return s
}

// Headers for the Format columns
func SummaryHeaders() []string {
	return []string{"count", "mean", "stddev", "min", "median", "p95", "max"}
}

func (s Summary) Format() []string {
	return []string{
		fmt.Sprint(s.Count),
		fmt.Sprintf("%.5f", s.Mean),
		fmt.Sprintf("%.5f", s.StdDev),
		fmt.Sprintf("%.5f", s.Min),
		fmt.Sprintf("%.5f", s.Median),
		fmt.Sprintf("%.5f", s.P95),
		fmt.Sprintf("%.5f", s.Max),
	}
}

// AUC returns the area under the ROC curve when the reconstruction error is used as a score to
// separate abnormal samples (positive) from normal samples (negative). 1 is perfect separation and
// 0.5 is no better than chance. Returns NaN if either set is empty.
func AUC(normal, abnormal []float64) float64 {
	if len(normal) == 0 || len(abnormal) == 0 {
		return math.NaN()
	}
	scores := append(append([]float64{}, normal...), abnormal...)
	classes := make([]bool, len(scores))
	for i := len(normal); i < len(scores); i++ {
		classes[i] = true
	}
	stat.SortWeightedLabeled(scores, classes, nil)
	tpr, fpr, _ := stat.ROC(nil, scores, classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}
