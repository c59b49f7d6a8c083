package layers

import (
	"fmt"
	"math"
	"math/rand"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// LocalSelfAttention is multi-head self-attention restricted to
// non-overlapping chunks of each sequence, as in Reformer's local layers.
// Inputs are [B*T, D] with T a multiple of the chunk length.
type LocalSelfAttention struct {
	dim, heads, chunk int

	query, key, value, output *Linear
}

// NewLocalSelfAttention builds the projections without bias.
func NewLocalSelfAttention(rng *rand.Rand, dim, heads, chunk int) *LocalSelfAttention {
	return &LocalSelfAttention{
		dim:    dim,
		heads:  heads,
		chunk:  chunk,
		query:  NewLinear(rng, dim, dim, false),
		key:    NewLinear(rng, dim, dim, false),
		value:  NewLinear(rng, dim, dim, false),
		output: NewLinear(rng, dim, dim, false),
	}
}

// ChunkLength returns the attention window.
func (a *LocalSelfAttention) ChunkLength() int { return a.chunk }

func (a *LocalSelfAttention) Apply(b *Builder, x *G.Node) (*G.Node, error) {
	shape := x.Shape()
	if shape.Dims() != 2 || shape[1] != a.dim || b.batch <= 0 || shape[0]%b.batch != 0 {
		return nil, shapeErr("attention", shape, fmt.Sprintf("[B*T %d]", a.dim))
	}
	if seq := shape[0] / b.batch; seq%a.chunk != 0 {
		return nil, fmt.Errorf("attention: %w: sequence %d not a multiple of chunk %d", ErrShapeMismatch, seq, a.chunk)
	}
	rows := shape[0]
	chunks := rows / a.chunk
	headDim := a.dim / a.heads
	groups := chunks * a.heads

	proj := make([]*G.Node, 3)
	for i, l := range []*Linear{a.query, a.key, a.value} {
		p, err := l.Apply(b, x)
		if err != nil {
			return nil, err
		}
		if proj[i], err = a.split(p); err != nil {
			return nil, err
		}
	}
	q, k, v := proj[0], proj[1], proj[2]

	scores, err := G.BatchedMatMul(q, k, false, true)
	if err != nil {
		return nil, err
	}
	if scores, err = G.Mul(scores, G.NewConstant(1/math.Sqrt(float64(headDim)))); err != nil {
		return nil, err
	}
	if scores, err = G.Reshape(scores, tensor.Shape{groups * a.chunk, a.chunk}); err != nil {
		return nil, err
	}
	probs, err := G.SoftMax(scores)
	if err != nil {
		return nil, err
	}
	if probs, err = G.Reshape(probs, tensor.Shape{groups, a.chunk, a.chunk}); err != nil {
		return nil, err
	}
	ctx, err := G.BatchedMatMul(probs, v)
	if err != nil {
		return nil, err
	}
	b.count(2 * groups * a.chunk * a.chunk * headDim)

	if ctx, err = a.merge(ctx, chunks); err != nil {
		return nil, err
	}
	return a.output.Apply(b, ctx)
}

// split turns [B*T, D] into [chunks*heads, chunk, D/heads]; head h owns
// columns [h*D/heads, (h+1)*D/heads).
func (a *LocalSelfAttention) split(x *G.Node) (*G.Node, error) {
	chunks, headDim := x.Shape()[0]/a.chunk, a.dim/a.heads
	y, err := G.Reshape(x, tensor.Shape{chunks, a.chunk, a.heads, headDim})
	if err != nil {
		return nil, err
	}
	if y, err = G.Transpose(y, 0, 2, 1, 3); err != nil {
		return nil, err
	}
	return G.Reshape(y, tensor.Shape{chunks * a.heads, a.chunk, headDim})
}

func (a *LocalSelfAttention) merge(x *G.Node, chunks int) (*G.Node, error) {
	headDim := a.dim / a.heads
	y, err := G.Reshape(x, tensor.Shape{chunks, a.heads, a.chunk, headDim})
	if err != nil {
		return nil, err
	}
	if y, err = G.Transpose(y, 0, 2, 1, 3); err != nil {
		return nil, err
	}
	return G.Reshape(y, tensor.Shape{chunks * a.chunk, a.dim})
}

func (a *LocalSelfAttention) Parameters() []*Param {
	return collect(a.query, a.key, a.value, a.output)
}
