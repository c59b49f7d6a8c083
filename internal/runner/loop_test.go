package runner

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"modelbench/internal/bench"
	"modelbench/internal/layers"
	"modelbench/internal/model"
)

func tinyRegistry(t *testing.T) *model.Registry {
	t.Helper()
	reg := model.NewRegistry()
	err := reg.Register(model.Architecture{
		Name:              "tiny",
		Task:              model.TaskImageClassification,
		InputShape:        []int{8},
		NumClasses:        3,
		DefaultTrainBatch: 4,
		DefaultEvalBatch:  2,
		Build: func(rng *rand.Rand, _ model.Options) (*layers.Module, error) {
			return layers.NewModule(layers.NewLinear(rng, 8, 6, true), layers.NewReLU(), layers.NewLinear(rng, 6, 3, true))
		},
		NewLoss: func() layers.Loss { return layers.SoftTargetCrossEntropy{} },
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func TestRunTrain(t *testing.T) {
	res, err := Run(context.Background(), tinyRegistry(t), RunConfig{
		Model:      "tiny",
		Bench:      bench.Config{Test: bench.TestTrain},
		Iterations: 5,
		Warmup:     2,
		NIter:      2,
		LogEvery:   2,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.RunID == "" {
		t.Fatalf("expected a run id")
	}
	if len(res.Latencies) != 5 || res.Summary.Iterations != 5 {
		t.Fatalf("expected 5 timed iterations, got %d/%d", len(res.Latencies), res.Summary.Iterations)
	}
	if res.BatchSize != 4 || res.Test != bench.TestTrain || res.Device != "cpu" {
		t.Fatalf("unexpected result header %+v", res)
	}
	if res.LastLoss <= 0 {
		t.Fatalf("expected a positive training loss, got %f", res.LastLoss)
	}
	// 8x6 and 6x3 products, two flops each.
	if res.FlopsPerSample != 2*(8*6+6*3) {
		t.Fatalf("unexpected flops per sample %.1f", res.FlopsPerSample)
	}
}

func TestRunEval(t *testing.T) {
	res, err := Run(context.Background(), tinyRegistry(t), RunConfig{
		Model:      "tiny",
		Bench:      bench.Config{Test: bench.TestEval},
		Iterations: 3,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.BatchSize != 2 || res.NIter != 1 {
		t.Fatalf("unexpected defaults batch=%d niter=%d", res.BatchSize, res.NIter)
	}
	if res.LastLoss != 0 {
		t.Fatalf("eval should not record a loss, got %f", res.LastLoss)
	}
}

func TestRunPropagatesBenchErrors(t *testing.T) {
	_, err := Run(context.Background(), tinyRegistry(t), RunConfig{
		Model:      "missing",
		Bench:      bench.Config{Test: bench.TestEval},
		Iterations: 1,
	})
	if !errors.Is(err, bench.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if !errors.Is(err, model.ErrUnknownArchitecture) {
		t.Fatalf("expected ErrUnknownArchitecture in chain, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, tinyRegistry(t), RunConfig{
		Model:      "tiny",
		Bench:      bench.Config{Test: bench.TestTrain},
		Iterations: 10,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunRejectsBadLoopConfig(t *testing.T) {
	reg := tinyRegistry(t)
	if _, err := Run(context.Background(), reg, RunConfig{Model: "tiny", Bench: bench.Config{Test: bench.TestEval}}); err == nil {
		t.Fatalf("expected error for zero iterations")
	}
	if _, err := Run(context.Background(), reg, RunConfig{Model: "tiny", Bench: bench.Config{Test: bench.TestEval}, Iterations: 1, Warmup: -1}); err == nil {
		t.Fatalf("expected error for negative warmup")
	}
}
