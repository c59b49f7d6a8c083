package layers

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Module is an ordered stack of layers together with its parameters. A
// Module holds no graph; Graph builds a fresh one per mode and batch shape.
type Module struct {
	root  *Sequential
	vocab int
}

// NewModule validates the layer order and wraps it. An Embedding is only
// accepted in first position.
func NewModule(children ...Layer) (*Module, error) {
	m := &Module{root: NewSequential(children...)}
	for i, l := range children {
		if e, ok := l.(*Embedding); ok && i == 0 {
			m.vocab = e.vocab
			continue
		}
		if containsEmbedding(l) {
			return nil, fmt.Errorf("%w: found at position %d", ErrEmbeddingNotFirst, i)
		}
	}
	return m, nil
}

func containsEmbedding(l Layer) bool {
	switch v := l.(type) {
	case *Embedding:
		return true
	case *Sequential:
		for _, c := range v.children {
			if containsEmbedding(c) {
				return true
			}
		}
	case *Residual:
		return containsEmbedding(v.body) || (v.shortcut != nil && containsEmbedding(v.shortcut))
	}
	return false
}

// Layers returns the top-level layers.
func (m *Module) Layers() []Layer { return m.root.children }

// Parameters returns every parameter in layer order.
func (m *Module) Parameters() []*Param { return m.root.Parameters() }

// NumParameters counts the scalars held by the module.
func (m *Module) NumParameters() int {
	n := 0
	for _, p := range m.Parameters() {
		n += p.Size()
	}
	return n
}

// Vocab returns the vocabulary size of token inputs, or 0 for dense inputs.
func (m *Module) Vocab() int { return m.vocab }

// Encode converts a raw example batch into the value bound to the graph
// input: one-hot rows for token models, the batch itself otherwise.
func (m *Module) Encode(raw *tensor.Dense) (*tensor.Dense, error) {
	if m.vocab == 0 {
		return raw, nil
	}
	return OneHot(raw, m.vocab)
}

// Graph builds the forward graph for a raw input batch of the given shape.
func (m *Module) Graph(mode Mode, shape ...int) (*Net, error) {
	if len(shape) == 0 || shape[0] <= 0 {
		return nil, fmt.Errorf("%w: input %v has no batch dimension", ErrShapeMismatch, shape)
	}
	in := tensor.Shape(shape).Clone()
	if m.vocab > 0 {
		in = tensor.Shape{tensor.Shape(shape).TotalSize(), m.vocab}
	}
	b := newBuilder(mode, shape[0])
	x := G.NewTensor(b.g, Dtype, in.Dims(), G.WithShape(in...), G.WithName("input"))
	y, err := m.root.Apply(b, x)
	if err != nil {
		return nil, err
	}
	return &Net{
		Graph:      b.g,
		Input:      x,
		Output:     y,
		Mode:       mode,
		batch:      b.batch,
		macs:       b.macs,
		folded:     b.folded,
		learnables: b.learnables,
		hooks:      b.hooks,
	}, nil
}

// Net is a built forward graph.
type Net struct {
	Graph  *G.ExprGraph
	Input  *G.Node
	Output *G.Node
	Mode   Mode

	batch      int
	macs       float64
	folded     int
	learnables G.Nodes
	hooks      []func() error
}

// Learnables returns the parameter nodes of a Train graph, or nil.
func (n *Net) Learnables() G.Nodes { return n.learnables }

// Batch returns the batch size the graph was built for.
func (n *Net) Batch() int { return n.batch }

// MACs returns the multiply-accumulates of one forward pass over the batch.
// Linear, convolution and attention products are counted.
func (n *Net) MACs() float64 { return n.macs }

// FlopsPerSample converts MACs to flops per sample, counting fma flops per
// multiply-accumulate.
func (n *Net) FlopsPerSample(fma float64) float64 {
	return n.macs / float64(n.batch) * fma
}

// Folded returns how many batch norms were folded into convolutions.
func (n *Net) Folded() int { return n.folded }

// AfterRun must be called after each execution of a Train graph; it updates
// batch norm running statistics.
func (n *Net) AfterRun() error {
	for _, fn := range n.hooks {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
