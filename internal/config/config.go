package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"modelbench/internal/bench"
	"modelbench/internal/runner"
)

// Config captures the runtime knobs for a benchmark run.
type Config struct {
	Model             string   `yaml:"model"`
	Test              string   `yaml:"test"`
	Device            string   `yaml:"device"`
	Compile           bool     `yaml:"compile"`
	TrainBatchSize    int      `yaml:"train_batch_size"`
	EvalBatchSize     int      `yaml:"eval_batch_size"`
	Iterations        int      `yaml:"iterations"`
	Warmup            int      `yaml:"warmup"`
	NIter             int      `yaml:"niter"`
	Seed              int64    `yaml:"seed"`
	LogEvery          int      `yaml:"log_every"`
	ExtraArgs         []string `yaml:"extra_args"`
	IgnoreUnknownArgs bool     `yaml:"ignore_unknown_args"`
}

// Overrides captures CLI supplied values. Pointer fields distinguish an
// explicit zero or false from an unset flag.
type Overrides struct {
	Model             string
	Test              string
	Device            string
	Compile           *bool
	TrainBatchSize    int
	EvalBatchSize     int
	Iterations        int
	Warmup            *int
	NIter             int
	Seed              int64
	LogEvery          int
	ExtraArgs         []string
	IgnoreUnknownArgs *bool
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Test:       bench.TestEval,
		Device:     "cpu",
		Iterations: 10,
		Warmup:     1,
		NIter:      1,
		Seed:       bench.DefaultSeed,
		LogEvery:   5,
	}
}

// Load reads and validates a Config from YAML. Keys missing from the file
// keep their Default values.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := parseYAML(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero or non-nil override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Model != "" {
		c.Model = o.Model
	}
	if o.Test != "" {
		c.Test = o.Test
	}
	if o.Device != "" {
		c.Device = o.Device
	}
	if o.Compile != nil {
		c.Compile = *o.Compile
	}
	if o.TrainBatchSize > 0 {
		c.TrainBatchSize = o.TrainBatchSize
	}
	if o.EvalBatchSize > 0 {
		c.EvalBatchSize = o.EvalBatchSize
	}
	if o.Iterations > 0 {
		c.Iterations = o.Iterations
	}
	if o.Warmup != nil {
		c.Warmup = *o.Warmup
	}
	if o.NIter > 0 {
		c.NIter = o.NIter
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if len(o.ExtraArgs) > 0 {
		c.ExtraArgs = append([]string(nil), o.ExtraArgs...)
	}
	if o.IgnoreUnknownArgs != nil {
		c.IgnoreUnknownArgs = *o.IgnoreUnknownArgs
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Model == "" {
		return errors.New("model must be set")
	}
	if c.Test != bench.TestTrain && c.Test != bench.TestEval {
		return fmt.Errorf("test must be %q or %q (got %q)", bench.TestTrain, bench.TestEval, c.Test)
	}
	if c.TrainBatchSize < 0 {
		return fmt.Errorf("train_batch_size must be >= 0 (got %d)", c.TrainBatchSize)
	}
	if c.EvalBatchSize < 0 {
		return fmt.Errorf("eval_batch_size must be >= 0 (got %d)", c.EvalBatchSize)
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("iterations must be > 0 (got %d)", c.Iterations)
	}
	if c.Warmup < 0 {
		return fmt.Errorf("warmup must be >= 0 (got %d)", c.Warmup)
	}
	if c.NIter <= 0 {
		c.NIter = 1
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 5
	}
	return nil
}

// RunConfig converts c into the runner's configuration.
func (c *Config) RunConfig() runner.RunConfig {
	return runner.RunConfig{
		Model: c.Model,
		Bench: bench.Config{
			Test:              c.Test,
			Device:            c.Device,
			Compile:           c.Compile,
			TrainBatchSize:    c.TrainBatchSize,
			EvalBatchSize:     c.EvalBatchSize,
			ExtraArgs:         append([]string(nil), c.ExtraArgs...),
			Seed:              c.Seed,
			IgnoreUnknownArgs: c.IgnoreUnknownArgs,
		},
		Iterations: c.Iterations,
		Warmup:     c.Warmup,
		NIter:      c.NIter,
		LogEvery:   c.LogEvery,
	}
}

func parseYAML(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}
