// Package bench drives one benchmark run of one architecture: it builds the
// training and eval instances, synthesizes a fixed batch, and exposes the
// GetModule, Train and Eval operations timed by the runner.
package bench

import (
	"errors"
	"fmt"
	"math/rand"

	"gorgonia.org/tensor"

	"modelbench/internal/layers"
	"modelbench/internal/model"
)

//go:generate mockgen -destination "mock_gorgonia_test.go" -package $GOPACKAGE gorgonia.org/gorgonia VM,Solver

var (
	// ErrInvalidArgument reports a malformed configuration.
	ErrInvalidArgument = errors.New("bench: invalid argument")
	// ErrNotImplemented reports a capability the architecture lacks in the
	// requested configuration.
	ErrNotImplemented = errors.New("bench: not implemented")
)

const (
	TestTrain = "train"
	TestEval  = "eval"

	// DefaultSeed seeds the weight and batch generator when Config.Seed is 0.
	DefaultSeed = 42
	// DeviceCPU is the only device graphs execute on.
	DeviceCPU = "cpu"
	// FlopsFMA is the number of flops a multiply-accumulate counts for.
	FlopsFMA = 2.0

	defaultLearningRate = 0.001
)

// Config selects how a benchmark is built.
type Config struct {
	Test    string
	Device  string
	Compile bool
	// Batch sizes of 0 select the architecture defaults.
	TrainBatchSize int
	EvalBatchSize  int
	ExtraArgs      []string
	Seed           int64
	// IgnoreUnknownArgs drops unrecognized extra arguments instead of
	// rejecting them.
	IgnoreUnknownArgs bool
}

// Model owns the modules, synthetic batch and execution state of one run.
// The session of the configured test is built eagerly; the other one on
// first use.
type Model struct {
	arch model.Architecture
	cfg  Config
	opts model.Options

	module     *layers.Module
	evalModule *layers.Module

	exampleInputs     *tensor.Dense
	evalExampleInputs *tensor.Dense
	targets           *tensor.Dense

	train  *trainSession
	eval   *evalSession
	replay *Replay
}

// NewByName resolves name in reg and builds the benchmark.
func NewByName(reg *model.Registry, name string, cfg Config) (*Model, error) {
	if err := validateTest(cfg.Test); err != nil {
		return nil, err
	}
	arch, err := reg.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return New(arch, cfg)
}

func validateTest(test string) error {
	if test != TestTrain && test != TestEval {
		return fmt.Errorf("%w: test must be %q or %q, got %q", ErrInvalidArgument, TestTrain, TestEval, test)
	}
	return nil
}

// New builds a benchmark for arch.
func New(arch model.Architecture, cfg Config) (*Model, error) {
	if err := validateTest(cfg.Test); err != nil {
		return nil, err
	}
	if cfg.Device == "" {
		cfg.Device = DeviceCPU
	}
	if cfg.Device != DeviceCPU {
		return nil, fmt.Errorf("%w: unsupported device %q", ErrInvalidArgument, cfg.Device)
	}
	if cfg.TrainBatchSize < 0 || cfg.EvalBatchSize < 0 {
		return nil, fmt.Errorf("%w: batch sizes must be >= 0 (train %d, eval %d)", ErrInvalidArgument, cfg.TrainBatchSize, cfg.EvalBatchSize)
	}
	if cfg.TrainBatchSize == 0 {
		cfg.TrainBatchSize = arch.DefaultTrainBatch
	}
	if cfg.EvalBatchSize == 0 {
		cfg.EvalBatchSize = arch.DefaultEvalBatch
	}
	if cfg.TrainBatchSize <= 0 || cfg.EvalBatchSize <= 0 {
		return nil, fmt.Errorf("%w: %s has no default batch size", ErrInvalidArgument, arch.Name)
	}
	if cfg.Seed == 0 {
		cfg.Seed = DefaultSeed
	}
	cfg.ExtraArgs = append([]string(nil), cfg.ExtraArgs...)

	opts, err := parseArgs(arch, cfg.ExtraArgs, cfg.IgnoreUnknownArgs)
	if err != nil {
		return nil, err
	}
	if opts.GraphReplay && cfg.Compile {
		return nil, fmt.Errorf("%w: graph replay does not work with compile", ErrInvalidArgument)
	}
	if cfg.Compile && !arch.Capabilities.Compile {
		return nil, fmt.Errorf("%w: %s does not support compile", ErrNotImplemented, arch.Name)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &Model{arch: arch, cfg: cfg, opts: opts}
	if m.module, err = arch.Build(rng, opts); err != nil {
		return nil, fmt.Errorf("%w: build %s: %v", ErrInvalidArgument, arch.Name, err)
	}
	if m.evalModule, err = arch.Build(rng, opts); err != nil {
		return nil, fmt.Errorf("%w: build %s: %v", ErrInvalidArgument, arch.Name, err)
	}

	m.exampleInputs = m.synthesize(rng, cfg.TrainBatchSize)
	m.evalExampleInputs = m.synthesize(rng, cfg.EvalBatchSize)
	if arch.Labels {
		m.targets = m.synthesize(rng, cfg.TrainBatchSize)
	} else {
		m.targets = uniform(rng, cfg.TrainBatchSize, arch.NumClasses)
	}

	if cfg.Test == TestEval {
		if _, err := m.evaluator(); err != nil {
			return nil, err
		}
		return m, nil
	}
	s, err := m.trainer()
	if err != nil {
		return nil, err
	}
	if opts.GraphReplay {
		if m.replay, err = Capture(s.inputs(), s.feeds, s.step); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// synthesize draws a (batch, *InputShape) batch: token ids for vocabulary
// inputs, standard normal values otherwise.
func (m *Model) synthesize(rng *rand.Rand, batch int) *tensor.Dense {
	shape := append([]int{batch}, m.arch.InputShape...)
	data := make([]float64, tensor.Shape(shape).TotalSize())
	for i := range data {
		if m.arch.VocabSize > 0 {
			data[i] = float64(rng.Intn(m.arch.VocabSize))
		} else {
			data[i] = rng.NormFloat64()
		}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// uniform draws soft classification targets in [0, 1).
func uniform(rng *rand.Rand, shape ...int) *tensor.Dense {
	data := make([]float64, tensor.Shape(shape).TotalSize())
	for i := range data {
		data[i] = rng.Float64()
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func (m *Model) trainer() (*trainSession, error) {
	if m.train != nil {
		return m.train, nil
	}
	lr := m.arch.LearningRate
	if lr <= 0 {
		lr = defaultLearningRate
	}
	s, err := newTrainSession(m.module, m.arch.NewLoss(), m.exampleInputs, m.targets, lr, m.cfg.Compile)
	if err != nil {
		return nil, fmt.Errorf("bench: %s train graph: %w", m.arch.Name, err)
	}
	m.train = s
	return s, nil
}

func (m *Model) evaluator() (*evalSession, error) {
	if m.eval != nil {
		return m.eval, nil
	}
	s, err := newEvalSession(m.evalModule, m.evalExampleInputs, m.cfg.Compile)
	if err != nil {
		return nil, fmt.Errorf("bench: %s eval graph: %w", m.arch.Name, err)
	}
	m.eval = s
	return s, nil
}

// GetModule returns the module and example inputs of the configured test.
func (m *Model) GetModule() (*layers.Module, []*tensor.Dense, error) {
	if m.cfg.Compile && !m.arch.Capabilities.CompiledIntrospection {
		return nil, nil, fmt.Errorf("%w: %s cannot be inspected once compiled", ErrNotImplemented, m.arch.Name)
	}
	if m.cfg.Test == TestEval {
		return m.evalModule, []*tensor.Dense{m.evalExampleInputs}, nil
	}
	return m.module, []*tensor.Dense{m.exampleInputs}, nil
}

// GetFlops returns the forward flops per sample of the test's graph, with a
// multiply-accumulate counted as FlopsFMA flops, and that test's batch size.
func (m *Model) GetFlops(test string) (float64, int, error) {
	if err := validateTest(test); err != nil {
		return 0, 0, err
	}
	if test == TestEval {
		s, err := m.evaluator()
		if err != nil {
			return 0, 0, err
		}
		return s.net.FlopsPerSample(FlopsFMA), m.cfg.EvalBatchSize, nil
	}
	s, err := m.trainer()
	if err != nil {
		return 0, 0, err
	}
	return s.net.FlopsPerSample(FlopsFMA), m.cfg.TrainBatchSize, nil
}

// Train runs niter optimizer steps over the fixed synthetic batch. Errors
// from the graph or the solver are returned as they are.
func (m *Model) Train(niter int) error {
	if niter < 0 {
		return fmt.Errorf("%w: niter must be >= 0 (got %d)", ErrInvalidArgument, niter)
	}
	s, err := m.trainer()
	if err != nil {
		return err
	}
	for i := 0; i < niter; i++ {
		if m.replay != nil {
			err = m.replay.Replay(s.feeds...)
		} else {
			err = s.step()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Eval runs niter forward passes of the eval graph, which holds no
// gradient nodes.
func (m *Model) Eval(niter int) error {
	if niter < 0 {
		return fmt.Errorf("%w: niter must be >= 0 (got %d)", ErrInvalidArgument, niter)
	}
	if m.opts.GraphReplay {
		return fmt.Errorf("%w: graph replay for inference", ErrNotImplemented)
	}
	s, err := m.evaluator()
	if err != nil {
		return err
	}
	for i := 0; i < niter; i++ {
		if err := s.run(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the graph machines.
func (m *Model) Close() error {
	var errs []error
	if m.train != nil {
		errs = append(errs, m.train.vm.Close())
	}
	if m.eval != nil {
		errs = append(errs, m.eval.vm.Close())
	}
	return errors.Join(errs...)
}

// Architecture returns the benchmarked architecture.
func (m *Model) Architecture() model.Architecture { return m.arch }

// Config returns the resolved configuration.
func (m *Model) Config() Config {
	cfg := m.cfg
	cfg.ExtraArgs = append([]string(nil), m.cfg.ExtraArgs...)
	return cfg
}

// Steps returns the number of completed optimizer steps.
func (m *Model) Steps() int {
	if m.train == nil {
		return 0
	}
	return m.train.steps
}

// LastLoss returns the loss of the most recent training step.
func (m *Model) LastLoss() float64 {
	if m.train == nil {
		return 0
	}
	return m.train.lastLoss
}

// BatchSize returns the batch size of the configured test.
func (m *Model) BatchSize() int {
	if m.cfg.Test == TestEval {
		return m.cfg.EvalBatchSize
	}
	return m.cfg.TrainBatchSize
}
