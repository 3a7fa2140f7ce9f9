package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAverage(t *testing.T) {
	var avg Average
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		avg.Add(x)
	}
	assert.Equal(t, 8.0, avg.Count)
	assert.InDelta(t, 5.0, avg.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(32.0/7), avg.StdDev, 1e-12)
	t.Log(avg.String(), avg.HTML())
}

func TestEMA(t *testing.T) {
	e := EMA(0).Add(1, 3)
	assert.Equal(t, 1.0, e)
	assert.Equal(t, 1.5, EMA(e).Add(2, 3))
}

func TestSummarise(t *testing.T) {
	values := []float64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
	s := Summarise(values)
	assert.Equal(t, 10, s.Count)
	assert.Equal(t, 5.5, s.Mean)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 10.0, s.Max)
	assert.Equal(t, 5.0, s.Median)
	assert.Equal(t, 10.0, s.P95)
	assert.Equal(t, 10.0, values[0], "input must not be reordered")
	assert.Len(t, s.Format(), len(SummaryHeaders()))

	assert.Equal(t, Summary{}, Summarise(nil))
	assert.Equal(t, Summary{Count: 1, Mean: 3, Min: 3, Median: 3, P95: 3, Max: 3}, Summarise([]float64{3}))
}

func TestAUC(t *testing.T) {
	assert.InDelta(t, 1.0, AUC([]float64{1, 2}, []float64{3, 4}), 1e-12)
	assert.InDelta(t, 0.0, AUC([]float64{3, 4}, []float64{1, 2}), 1e-12)
	assert.InDelta(t, 0.75, AUC([]float64{1, 3}, []float64{2, 4}), 1e-12)
	assert.True(t, math.IsNaN(AUC(nil, []float64{1})))
}
