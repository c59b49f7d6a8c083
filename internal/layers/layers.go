// Package layers composes gorgonia graph operations into the building blocks
// of the benchmarked architectures. Layers only describe the forward graph;
// gradients, optimization and compilation are left to gorgonia.
package layers

import (
	"errors"
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var (
	// ErrShapeMismatch reports an input whose shape a layer cannot accept.
	ErrShapeMismatch = errors.New("layers: shape mismatch")
	// ErrEmbeddingNotFirst reports an Embedding placed after another layer.
	// Embeddings read one-hot encoded inputs, which only exist at the graph
	// input.
	ErrEmbeddingNotFirst = errors.New("layers: embedding must be the first layer")
	// ErrTokenRange reports a token id outside the vocabulary.
	ErrTokenRange = errors.New("layers: token id out of range")
	// ErrNoTargets reports a label batch in which every position is ignored.
	ErrNoTargets = errors.New("layers: no labels to score")
)

// Dtype is the element type of every graph built by this package.
var Dtype = tensor.Float64

// Mode selects how a graph is built.
type Mode int

const (
	// Train builds learnable parameter nodes and uses batch statistics.
	Train Mode = iota
	// Eval uses running statistics and binds parameters as plain values.
	Eval
	// Inference is Eval with batch norms folded into preceding convolutions.
	Inference
)

func (m Mode) String() string {
	switch m {
	case Train:
		return "train"
	case Eval:
		return "eval"
	case Inference:
		return "inference"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Layer appends its forward computation to the graph held by b.
type Layer interface {
	Apply(b *Builder, x *G.Node) (*G.Node, error)
	Parameters() []*Param
}

// Builder carries the graph under construction together with the
// bookkeeping layers contribute to it.
type Builder struct {
	g     *G.ExprGraph
	mode  Mode
	batch int

	macs       float64
	folded     int
	seq        int
	nodes      map[*Param]*G.Node
	learnables G.Nodes
	hooks      []func() error
}

func newBuilder(mode Mode, batch int) *Builder {
	return &Builder{
		g:     G.NewGraph(),
		mode:  mode,
		batch: batch,
		nodes: make(map[*Param]*G.Node),
	}
}

// Mode returns the build mode.
func (b *Builder) Mode() Mode { return b.mode }

// Batch returns the number of samples flowing through the graph.
func (b *Builder) Batch() int { return b.batch }

// name returns a graph-unique node name; gorgonia merges input nodes that
// share name, type and shape.
func (b *Builder) name(base string) string {
	b.seq++
	return fmt.Sprintf("%s_%d", base, b.seq)
}

// param binds p into the graph once. In Train mode the node is learnable.
func (b *Builder) param(p *Param) *G.Node {
	if n, ok := b.nodes[p]; ok {
		return n
	}
	n := b.value(p.Name, p.Value)
	b.nodes[p] = n
	if b.mode == Train {
		b.learnables = append(b.learnables, n)
	}
	return n
}

// value binds v as a non-learnable node.
func (b *Builder) value(name string, v *tensor.Dense) *G.Node {
	shape := v.Shape().Clone()
	return G.NewTensor(b.g, Dtype, shape.Dims(), G.WithShape(shape...), G.WithName(b.name(name)), G.WithValue(v))
}

// count adds multiply-accumulates to the running tally.
func (b *Builder) count(macs int) { b.macs += float64(macs) }

// afterRun registers fn to run once the graph has been executed.
func (b *Builder) afterRun(fn func() error) { b.hooks = append(b.hooks, fn) }

func shapeErr(layer string, got tensor.Shape, want string) error {
	return fmt.Errorf("%s: %w: input %v, want %s", layer, ErrShapeMismatch, got, want)
}
