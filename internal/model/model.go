package model

import (
	"errors"
	"math/rand"

	"modelbench/internal/layers"
)

// Task classifies what an architecture is benchmarked on.
type Task string

const (
	TaskImageClassification Task = "computer_vision.classification"
	TaskLanguageModeling    Task = "nlp.language_modeling"
)

// ErrUnknownArchitecture is returned by Lookup for unregistered names.
var ErrUnknownArchitecture = errors.New("model: unknown architecture")

// Arg names an extra argument an architecture recognizes.
type Arg string

const (
	// ArgGraphReplay captures the training step once and replays it.
	ArgGraphReplay Arg = "graph-replay"
	// ArgChunkLength overrides the local attention window.
	ArgChunkLength Arg = "chunk-length"
)

// Options are the parsed extra arguments handed to Build.
type Options struct {
	GraphReplay bool
	ChunkLength int
}

// Capabilities lists what an architecture supports beyond plain execution.
type Capabilities struct {
	// Compile allows ahead-of-time compilation of the graphs, with batch
	// norms folded into the eval graph.
	Compile bool
	// CompiledIntrospection allows GetModule on a compiled benchmark.
	CompiledIntrospection bool
}

// Architecture binds a name and task to a module factory and its input
// contract.
type Architecture struct {
	Name string
	Task Task
	// InputShape is the per-sample input shape; the batch dimension is
	// prepended by the benchmark.
	InputShape []int
	// VocabSize > 0 marks token-id inputs drawn from [0, VocabSize).
	VocabSize int
	// NumClasses is the width of classification outputs.
	NumClasses int
	// Labels requests a synthetic label tensor shaped like the inputs.
	Labels            bool
	DefaultTrainBatch int
	DefaultEvalBatch  int
	LearningRate      float64
	Capabilities      Capabilities
	Args              []Arg
	DefaultOptions    Options

	Build   func(rng *rand.Rand, opts Options) (*layers.Module, error)
	NewLoss func() layers.Loss
}

// Accepts reports whether a is among the recognized extra arguments.
func (a Architecture) Accepts(arg Arg) bool {
	for _, known := range a.Args {
		if known == arg {
			return true
		}
	}
	return false
}
