package layers

import (
	"fmt"
	"math/rand"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Embedding maps one-hot token rows [B*T, vocab] to vectors [B*T, dim].
// It must be the first layer of a Module, which encodes token ids for it.
type Embedding struct {
	vocab, dim int
	weight     *Param // [vocab, dim]
}

func NewEmbedding(rng *rand.Rand, vocab, dim int) *Embedding {
	return &Embedding{vocab: vocab, dim: dim, weight: newParam("embedding.weight", randn(rng, 0.02, vocab, dim))}
}

func (e *Embedding) Apply(b *Builder, x *G.Node) (*G.Node, error) {
	shape := x.Shape()
	if shape.Dims() != 2 || shape[1] != e.vocab {
		return nil, shapeErr("embedding", shape, fmt.Sprintf("one-hot [M %d]", e.vocab))
	}
	return G.Mul(x, b.param(e.weight))
}

func (e *Embedding) Parameters() []*Param { return []*Param{e.weight} }

// AxialPositionEmbedding adds factorized position vectors to [B*T, D]
// activations. Position t concatenates row t/cols of the first table with
// row t%cols of the second.
type AxialPositionEmbedding struct {
	shape  [2]int
	dims   [2]int
	first  *Param // [shape[0], dims[0]]
	second *Param // [shape[1], dims[1]]
}

func NewAxialPositionEmbedding(rng *rand.Rand, shape [2]int, dims [2]int) *AxialPositionEmbedding {
	return &AxialPositionEmbedding{
		shape:  shape,
		dims:   dims,
		first:  newParam("axial.weights.0", randn(rng, 1, shape[0], dims[0])),
		second: newParam("axial.weights.1", randn(rng, 1, shape[1], dims[1])),
	}
}

func (a *AxialPositionEmbedding) Apply(b *Builder, x *G.Node) (*G.Node, error) {
	shape := x.Shape()
	dim := a.dims[0] + a.dims[1]
	if shape.Dims() != 2 || shape[1] != dim || b.batch <= 0 || shape[0]%b.batch != 0 {
		return nil, shapeErr("axial", shape, fmt.Sprintf("[B*T %d]", dim))
	}
	seq := shape[0] / b.batch
	if seq > a.shape[0]*a.shape[1] {
		return nil, fmt.Errorf("axial: %w: sequence %d exceeds %dx%d positions", ErrShapeMismatch, seq, a.shape[0], a.shape[1])
	}

	rows, cols := selectors(seq, a.shape)
	p0, err := G.Mul(b.value("axial.rows", rows), b.param(a.first))
	if err != nil {
		return nil, err
	}
	p1, err := G.Mul(b.value("axial.cols", cols), b.param(a.second))
	if err != nil {
		return nil, err
	}
	pos, err := G.Concat(1, p0, p1)
	if err != nil {
		return nil, err
	}
	if pos, err = G.Reshape(pos, tensor.Shape{1, seq * dim}); err != nil {
		return nil, err
	}
	flat, err := G.Reshape(x, tensor.Shape{b.batch, seq * dim})
	if err != nil {
		return nil, err
	}
	if flat, err = G.BroadcastAdd(flat, pos, nil, []byte{0}); err != nil {
		return nil, err
	}
	return G.Reshape(flat, tensor.Shape{shape[0], dim})
}

// selectors returns one-hot [seq, shape[0]] and [seq, shape[1]] matrices
// picking the axial coordinates of every position.
func selectors(seq int, shape [2]int) (rows, cols *tensor.Dense) {
	r := make([]float64, seq*shape[0])
	c := make([]float64, seq*shape[1])
	for t := 0; t < seq; t++ {
		r[t*shape[0]+t/shape[1]] = 1
		c[t*shape[1]+t%shape[1]] = 1
	}
	return tensor.New(tensor.WithShape(seq, shape[0]), tensor.WithBacking(r)),
		tensor.New(tensor.WithShape(seq, shape[1]), tensor.WithBacking(c))
}

func (a *AxialPositionEmbedding) Parameters() []*Param { return []*Param{a.first, a.second} }

// OneHot encodes integer ids in [0, depth) as rows of a [len(ids), depth]
// matrix.
func OneHot(ids *tensor.Dense, depth int) (*tensor.Dense, error) {
	out, _, err := oneHot(ids, depth, 0, false)
	return out, err
}

// oneHot is OneHot that, when skip is set, leaves rows whose id equals
// ignore at zero. It also returns the number of encoded rows.
func oneHot(ids *tensor.Dense, depth, ignore int, skip bool) (*tensor.Dense, int, error) {
	raw, ok := ids.Data().([]float64)
	if !ok {
		return nil, 0, fmt.Errorf("one-hot: unsupported dtype %v", ids.Dtype())
	}
	data := make([]float64, len(raw)*depth)
	encoded := 0
	for i, v := range raw {
		id := int(v)
		if skip && id == ignore {
			continue
		}
		if id < 0 || id >= depth || float64(id) != v {
			return nil, 0, fmt.Errorf("%w: %v at %d, vocabulary %d", ErrTokenRange, v, i, depth)
		}
		data[i*depth+id] = 1
		encoded++
	}
	return tensor.New(tensor.WithShape(len(raw), depth), tensor.WithBacking(data)), encoded, nil
}
