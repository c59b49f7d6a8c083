package layers

import (
	"fmt"
	"math"
	"math/rand"

	G "gorgonia.org/gorgonia"
)

// Linear maps [M, in] rows to [M, out].
type Linear struct {
	weight *Param // [in, out]
	bias   *Param // [1, out]
	in     int
	out    int
}

// NewLinear builds a Kaiming-initialized fully connected layer.
func NewLinear(rng *rand.Rand, in, out int, useBias bool) *Linear {
	l := &Linear{
		weight: newParam("linear.weight", randn(rng, math.Sqrt(2.0/float64(in)), in, out)),
		in:     in,
		out:    out,
	}
	if useBias {
		l.bias = newParam("linear.bias", filled(0, 1, out))
	}
	return l
}

func (l *Linear) Apply(b *Builder, x *G.Node) (*G.Node, error) {
	shape := x.Shape()
	if shape.Dims() != 2 || shape[1] != l.in {
		return nil, shapeErr("linear", shape, fmt.Sprintf("[M %d]", l.in))
	}
	y, err := G.Mul(x, b.param(l.weight))
	if err != nil {
		return nil, err
	}
	b.count(shape[0] * l.in * l.out)
	if l.bias == nil {
		return y, nil
	}
	return G.BroadcastAdd(y, b.param(l.bias), nil, []byte{0})
}

func (l *Linear) Parameters() []*Param {
	if l.bias == nil {
		return []*Param{l.weight}
	}
	return []*Param{l.weight, l.bias}
}
