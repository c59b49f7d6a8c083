package metrics

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Window accumulates timing stats across multiple iterations.
type Window struct {
	samples  int
	elapsed  time.Duration
	steps    int
	lastLoss float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(batchSize int, elapsed time.Duration, loss float64) {
	w.samples += batchSize
	w.elapsed += elapsed
	w.steps++
	w.lastLoss = loss
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	if w.elapsed > 0 {
		snap.SamplesPerSec = float64(w.samples) / w.elapsed.Seconds()
	}
	if w.steps > 0 {
		snap.AvgIterMS = (w.elapsed.Seconds() * 1000) / float64(w.steps)
	}
	snap.LastLoss = w.lastLoss

	w.samples = 0
	w.elapsed = 0
	w.steps = 0
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	SamplesPerSec float64
	AvgIterMS     float64
	LastLoss      float64
}

// Summary describes a latency distribution in milliseconds.
type Summary struct {
	Iterations int
	MeanMS     float64
	MedianMS   float64
	P95MS      float64
	StdDevMS   float64
	MinMS      float64
	MaxMS      float64
}

// Summarize computes the latency distribution of the given iterations. An
// empty input yields the zero Summary.
func Summarize(latencies []time.Duration) Summary {
	if len(latencies) == 0 {
		return Summary{}
	}
	ms := make([]float64, len(latencies))
	for i, d := range latencies {
		ms[i] = d.Seconds() * 1000
	}
	sort.Float64s(ms)

	s := Summary{
		Iterations: len(ms),
		MeanMS:     stat.Mean(ms, nil),
		MedianMS:   stat.Quantile(0.5, stat.Empirical, ms, nil),
		P95MS:      stat.Quantile(0.95, stat.Empirical, ms, nil),
		MinMS:      ms[0],
		MaxMS:      ms[len(ms)-1],
	}
	if len(ms) > 1 {
		s.StdDevMS = stat.StdDev(ms, nil)
	}
	return s
}
