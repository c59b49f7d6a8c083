package layers

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ReLU clamps activations at zero and, when Max is positive, at Max.
type ReLU struct {
	Max float64
}

func NewReLU() *ReLU  { return &ReLU{} }
func NewReLU6() *ReLU { return &ReLU{Max: 6} }

func (r *ReLU) Apply(_ *Builder, x *G.Node) (*G.Node, error) {
	y, err := G.Rectify(x)
	if err != nil || r.Max <= 0 {
		return y, err
	}
	// min(relu(x), max) == relu(x) - relu(x - max)
	over, err := G.Sub(x, G.NewConstant(r.Max))
	if err != nil {
		return nil, err
	}
	if over, err = G.Rectify(over); err != nil {
		return nil, err
	}
	return G.Sub(y, over)
}

func (r *ReLU) Parameters() []*Param { return nil }

// Sequential applies its children in order. Under Inference a convolution
// directly followed by a batch norm is applied as one folded convolution.
type Sequential struct {
	children []Layer
}

func NewSequential(children ...Layer) *Sequential {
	return &Sequential{children: children}
}

// Children returns the contained layers.
func (s *Sequential) Children() []Layer { return s.children }

type batchNormFolder interface {
	foldBatchNorm(bn *BatchNorm2D) Layer
}

func (s *Sequential) Apply(b *Builder, x *G.Node) (*G.Node, error) {
	var err error
	for i := 0; i < len(s.children); i++ {
		l := s.children[i]
		if b.mode == Inference && i+1 < len(s.children) {
			f, canFold := l.(batchNormFolder)
			bn, isBN := s.children[i+1].(*BatchNorm2D)
			if canFold && isBN {
				l = f.foldBatchNorm(bn)
				b.folded++
				i++
			}
		}
		if x, err = l.Apply(b, x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (s *Sequential) Parameters() []*Param { return collect(s.children...) }

// Residual computes body(x) + shortcut(x), where a nil shortcut is identity.
type Residual struct {
	body     Layer
	shortcut Layer
}

func NewResidual(body, shortcut Layer) *Residual {
	return &Residual{body: body, shortcut: shortcut}
}

func (r *Residual) Apply(b *Builder, x *G.Node) (*G.Node, error) {
	y, err := r.body.Apply(b, x)
	if err != nil {
		return nil, err
	}
	skip := x
	if r.shortcut != nil {
		if skip, err = r.shortcut.Apply(b, x); err != nil {
			return nil, err
		}
	}
	if !y.Shape().Eq(skip.Shape()) {
		return nil, fmt.Errorf("residual: %w: body %v, shortcut %v", ErrShapeMismatch, y.Shape(), skip.Shape())
	}
	return G.Add(y, skip)
}

func (r *Residual) Parameters() []*Param { return collect(r.body, r.shortcut) }

// GlobalAvgPool averages NCHW activations over H and W.
type GlobalAvgPool struct{}

func (GlobalAvgPool) Apply(_ *Builder, x *G.Node) (*G.Node, error) {
	shape := x.Shape()
	if shape.Dims() != 4 {
		return nil, shapeErr("avgpool", shape, "[N C H W]")
	}
	flat, err := G.Reshape(x, tensor.Shape{shape[0], shape[1], shape[2] * shape[3]})
	if err != nil {
		return nil, err
	}
	return G.Mean(flat, 2)
}

func (GlobalAvgPool) Parameters() []*Param { return nil }
