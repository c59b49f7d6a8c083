// Package runner times repeated Train or Eval calls of one benchmark.
package runner

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/rs/xid"

	"modelbench/internal/bench"
	"modelbench/internal/metrics"
	"modelbench/internal/model"
)

const defaultLogEvery = 10

// RunConfig captures the knobs required by the benchmark loop.
type RunConfig struct {
	Model string
	Bench bench.Config
	// Iterations is the number of timed calls; Warmup calls run first and
	// are not timed.
	Iterations int
	Warmup     int
	// NIter is passed to every Train or Eval call.
	NIter    int
	LogEvery int
}

// Result is the outcome of one run.
type Result struct {
	RunID     string
	Model     string
	Test      string
	Device    string
	BatchSize int
	NIter     int
	Latencies []time.Duration
	Summary   metrics.Summary
	LastLoss  float64

	// FlopsPerSample is the forward cost of one sample of the timed test.
	FlopsPerSample float64
}

// Run builds the benchmark named by cfg.Model and times it.
func Run(ctx context.Context, reg *model.Registry, cfg RunConfig) (*Result, error) {
	if cfg.Iterations <= 0 {
		return nil, errors.New("runner: iterations must be > 0")
	}
	if cfg.Warmup < 0 {
		return nil, errors.New("runner: warmup must be >= 0")
	}
	if cfg.NIter <= 0 {
		cfg.NIter = 1
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = defaultLogEvery
	}

	runID := xid.New().String()
	m, err := bench.NewByName(reg, cfg.Model, cfg.Bench)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	resolved := m.Config()
	flops, _, err := m.GetFlops(resolved.Test)
	if err != nil {
		return nil, err
	}
	log.Printf("run=%s model=%s test=%s device=%s batch_size=%d compile=%t niter=%d flops_per_sample=%.3g",
		runID, cfg.Model, resolved.Test, resolved.Device, m.BatchSize(), resolved.Compile, cfg.NIter, flops)

	call := m.Eval
	if resolved.Test == bench.TestTrain {
		call = m.Train
	}

	for i := 0; i < cfg.Warmup; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := call(cfg.NIter); err != nil {
			return nil, err
		}
	}

	res := &Result{
		RunID:     runID,
		Model:     cfg.Model,
		Test:      resolved.Test,
		Device:    resolved.Device,
		BatchSize: m.BatchSize(),
		NIter:     cfg.NIter,
		Latencies: make([]time.Duration, 0, cfg.Iterations),

		FlopsPerSample: flops,
	}
	var window metrics.Window
	samples := m.BatchSize() * cfg.NIter

	for step := 1; step <= cfg.Iterations; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		if err := call(cfg.NIter); err != nil {
			return nil, err
		}
		elapsed := time.Since(start)
		res.Latencies = append(res.Latencies, elapsed)
		window.Record(samples, elapsed, m.LastLoss())

		if step%cfg.LogEvery == 0 {
			snap := window.Snapshot()
			log.Printf("run=%s iter=%d samples_per_sec=%.1f iter_ms=%.2f loss=%.4f",
				runID,
				step,
				snap.SamplesPerSec,
				snap.AvgIterMS,
				snap.LastLoss,
			)
		}
	}

	res.Summary = metrics.Summarize(res.Latencies)
	res.LastLoss = m.LastLoss()
	return res, nil
}
