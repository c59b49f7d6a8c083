package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/tebeka/atexit"

	"modelbench/internal/config"
	"modelbench/internal/model"
	"modelbench/internal/runner"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config")
	modelName := flag.String("model", "", "Architecture to benchmark")
	test := flag.String("test", "", "Benchmark mode: train or eval")
	device := flag.String("device", "", "Device to run on")
	compile := flag.Bool("compile", false, "Compile the model before benchmarking")
	trainBS := flag.Int("train-bs", 0, "Training batch size")
	evalBS := flag.Int("eval-bs", 0, "Eval batch size")
	iterations := flag.Int("iterations", 0, "Number of timed iterations")
	warmup := flag.Int("warmup", 0, "Number of untimed warmup iterations")
	niter := flag.Int("niter", 0, "Train or eval calls per iteration")
	seed := flag.Int64("seed", 0, "PRNG seed")
	logEvery := flag.Int("log-every", 0, "Log every N iterations")
	extraArgs := flag.String("extra-args", "", "Space separated architecture specific arguments")
	ignoreUnknown := flag.Bool("ignore-unknown-args", false, "Drop extra arguments the architecture does not recognize")
	list := flag.Bool("list", false, "List the available architectures and exit")
	cpuProfile := flag.String("cpuprofile", "", "Write a CPU profile to this file")

	flag.Parse()

	reg := model.Default()
	if *list {
		printRegistry(os.Stdout, reg)
		return
	}

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			atexit.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}

	overrides := config.Overrides{
		Model:          *modelName,
		Test:           *test,
		Device:         *device,
		TrainBatchSize: *trainBS,
		EvalBatchSize:  *evalBS,
		Iterations:     *iterations,
		NIter:          *niter,
		Seed:           *seed,
		LogEvery:       *logEvery,
		ExtraArgs:      strings.Fields(*extraArgs),
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "compile":
			overrides.Compile = compile
		case "warmup":
			overrides.Warmup = warmup
		case "ignore-unknown-args":
			overrides.IgnoreUnknownArgs = ignoreUnknown
		}
	})
	cfg.ApplyOverrides(overrides)

	if err := cfg.Validate(); err != nil {
		atexit.Fatalf("invalid config: %v", err)
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			atexit.Fatalf("create cpu profile: %v", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			atexit.Fatalf("start cpu profile: %v", err)
		}
		atexit.Register(func() {
			pprof.StopCPUProfile()
			f.Close()
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := runner.Run(ctx, reg, cfg.RunConfig())
	if err != nil {
		atexit.Fatalf("benchmark failed: %v", err)
	}
	printResult(res)
	atexit.Exit(0)
}

func printRegistry(w io.Writer, reg *model.Registry) {
	for _, name := range reg.Names() {
		arch, err := reg.Lookup(name)
		if err != nil {
			atexit.Fatalf("lookup %s: %v", name, err)
		}
		args := make([]string, 0, len(arch.Args))
		for _, a := range arch.Args {
			args = append(args, "--"+string(a))
		}
		// Pad before coloring; escape codes would count toward the width.
		fmt.Fprintf(w, "%s %-32s train_bs=%-3d eval_bs=%-3d compile=%-5t args=%s\n",
			color.CyanString("%-14s", name), arch.Task, arch.DefaultTrainBatch, arch.DefaultEvalBatch,
			arch.Capabilities.Compile, strings.Join(args, ","))
	}
}

func printResult(res *runner.Result) {
	bold := color.New(color.Bold)
	bold.Printf("%s %s on %s", res.Model, res.Test, res.Device)
	fmt.Printf(" (run %s, batch %d, niter %d)\n", res.RunID, res.BatchSize, res.NIter)
	s := res.Summary
	fmt.Printf("  iterations  %d\n", s.Iterations)
	color.Green("  mean        %.2f ms", s.MeanMS)
	fmt.Printf("  median      %.2f ms\n", s.MedianMS)
	color.Yellow("  p95         %.2f ms", s.P95MS)
	fmt.Printf("  stddev      %.2f ms\n", s.StdDevMS)
	fmt.Printf("  min/max     %.2f / %.2f ms\n", s.MinMS, s.MaxMS)
	fmt.Printf("  flops       %.3g per sample\n", res.FlopsPerSample)
	if res.Test == "train" {
		fmt.Printf("  last loss   %.4f\n", res.LastLoss)
	}
}
