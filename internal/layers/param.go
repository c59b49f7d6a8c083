package layers

import (
	"math/rand"

	"gorgonia.org/tensor"
)

// Param is a named parameter value. Graphs bind the value directly, so
// optimizer updates land in it.
type Param struct {
	Name  string
	Value *tensor.Dense
}

// Size returns the number of scalars held by p.
func (p *Param) Size() int { return p.Value.Shape().TotalSize() }

// Data returns the backing slice of p.
func (p *Param) Data() []float64 { return p.Value.Data().([]float64) }

func filled(v float64, shape ...int) *tensor.Dense {
	data := make([]float64, tensor.Shape(shape).TotalSize())
	for i := range data {
		data[i] = v
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func randn(rng *rand.Rand, std float64, shape ...int) *tensor.Dense {
	data := make([]float64, tensor.Shape(shape).TotalSize())
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func newParam(name string, value *tensor.Dense) *Param {
	return &Param{Name: name, Value: value}
}

func collect(layers ...Layer) []*Param {
	var params []*Param
	for _, l := range layers {
		if l != nil {
			params = append(params, l.Parameters()...)
		}
	}
	return params
}
