package layers

import (
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const normEps = 1e-5

// BatchNorm2D normalizes NCHW activations per channel. Train graphs use
// batch statistics and fold them into running estimates after every run;
// other graphs use the running estimates.
type BatchNorm2D struct {
	channels    int
	momentum    float64
	gamma       *Param // [1, C, 1]
	beta        *Param // [1, C, 1]
	runningMean []float64
	runningVar  []float64
}

// NewBatchNorm2D builds a batch norm with unit scale and zero shift.
func NewBatchNorm2D(channels int) *BatchNorm2D {
	runningVar := make([]float64, channels)
	for i := range runningVar {
		runningVar[i] = 1
	}
	return &BatchNorm2D{
		channels:    channels,
		momentum:    0.1,
		gamma:       newParam("bn.weight", filled(1, 1, channels, 1)),
		beta:        newParam("bn.bias", filled(0, 1, channels, 1)),
		runningMean: make([]float64, channels),
		runningVar:  runningVar,
	}
}

// RunningStats returns copies of the running mean and variance.
func (bn *BatchNorm2D) RunningStats() (mean, variance []float64) {
	return append([]float64(nil), bn.runningMean...), append([]float64(nil), bn.runningVar...)
}

func (bn *BatchNorm2D) Apply(b *Builder, x *G.Node) (*G.Node, error) {
	shape := x.Shape().Clone()
	if shape.Dims() != 4 || shape[1] != bn.channels {
		return nil, shapeErr("batchnorm", shape, fmt.Sprintf("[N %d H W]", bn.channels))
	}
	n, plane := shape[0], shape[2]*shape[3]
	x3, err := G.Reshape(x, tensor.Shape{n, bn.channels, plane})
	if err != nil {
		return nil, err
	}

	var y *G.Node
	if b.mode == Train {
		y, err = bn.applyBatch(b, x3, n*plane)
	} else {
		y, err = bn.applyRunning(b, x3)
	}
	if err != nil {
		return nil, fmt.Errorf("batchnorm: %w", err)
	}
	return G.Reshape(y, shape)
}

type batchStats struct {
	mean, variance G.Value
}

func (bn *BatchNorm2D) applyBatch(b *Builder, x3 *G.Node, count int) (*G.Node, error) {
	stat := tensor.Shape{1, bn.channels, 1}
	mean, err := channelMean(x3)
	if err != nil {
		return nil, err
	}
	mean3, err := G.Reshape(mean, stat)
	if err != nil {
		return nil, err
	}
	xc, err := G.BroadcastSub(x3, mean3, nil, []byte{0, 2})
	if err != nil {
		return nil, err
	}
	sq, err := G.Square(xc)
	if err != nil {
		return nil, err
	}
	variance, err := channelMean(sq)
	if err != nil {
		return nil, err
	}
	var3, err := G.Reshape(variance, stat)
	if err != nil {
		return nil, err
	}
	shifted, err := G.Add(var3, G.NewConstant(normEps))
	if err != nil {
		return nil, err
	}
	std, err := G.Sqrt(shifted)
	if err != nil {
		return nil, err
	}
	xn, err := G.BroadcastHadamardDiv(xc, std, nil, []byte{0, 2})
	if err != nil {
		return nil, err
	}

	stats := new(batchStats)
	G.Read(mean, &stats.mean)
	G.Read(variance, &stats.variance)
	b.afterRun(func() error { return bn.track(stats, count) })

	if xn, err = G.BroadcastHadamardProd(xn, b.param(bn.gamma), nil, []byte{0, 2}); err != nil {
		return nil, err
	}
	return G.BroadcastAdd(xn, b.param(bn.beta), nil, []byte{0, 2})
}

// applyRunning uses the running estimates as a fixed per-channel affine map.
func (bn *BatchNorm2D) applyRunning(b *Builder, x3 *G.Node) (*G.Node, error) {
	scale, shift := bn.affine()
	s := b.value("bn.scale", tensor.New(tensor.WithShape(1, bn.channels, 1), tensor.WithBacking(scale)))
	t := b.value("bn.shift", tensor.New(tensor.WithShape(1, bn.channels, 1), tensor.WithBacking(shift)))
	y, err := G.BroadcastHadamardProd(x3, s, nil, []byte{0, 2})
	if err != nil {
		return nil, err
	}
	return G.BroadcastAdd(y, t, nil, []byte{0, 2})
}

// affine returns the per-channel scale and shift equivalent to the layer
// under its running statistics.
func (bn *BatchNorm2D) affine() (scale, shift []float64) {
	g, be := bn.gamma.Data(), bn.beta.Data()
	scale = make([]float64, bn.channels)
	shift = make([]float64, bn.channels)
	for c := range scale {
		scale[c] = g[c] / math.Sqrt(bn.runningVar[c]+normEps)
		shift[c] = be[c] - bn.runningMean[c]*scale[c]
	}
	return scale, shift
}

func (bn *BatchNorm2D) track(stats *batchStats, count int) error {
	if stats.mean == nil || stats.variance == nil {
		return fmt.Errorf("batchnorm: statistics were not computed")
	}
	mean, ok := stats.mean.Data().([]float64)
	if !ok || len(mean) != bn.channels {
		return fmt.Errorf("batchnorm: unexpected mean %v", stats.mean.Shape())
	}
	variance, ok := stats.variance.Data().([]float64)
	if !ok || len(variance) != bn.channels {
		return fmt.Errorf("batchnorm: unexpected variance %v", stats.variance.Shape())
	}
	correction := 1.0
	if count > 1 {
		correction = float64(count) / float64(count-1)
	}
	for c := 0; c < bn.channels; c++ {
		bn.runningMean[c] = (1-bn.momentum)*bn.runningMean[c] + bn.momentum*mean[c]
		bn.runningVar[c] = (1-bn.momentum)*bn.runningVar[c] + bn.momentum*variance[c]*correction
	}
	return nil
}

func (bn *BatchNorm2D) Parameters() []*Param { return []*Param{bn.gamma, bn.beta} }

// channelMean reduces [N, C, P] to the per-channel mean [C].
func channelMean(x3 *G.Node) (*G.Node, error) {
	m, err := G.Mean(x3, 2)
	if err != nil {
		return nil, err
	}
	return G.Mean(m, 0)
}

// LayerNorm normalizes the last dimension of [M, D] rows.
type LayerNorm struct {
	dim   int
	gamma *Param // [1, D]
	beta  *Param // [1, D]
}

// NewLayerNorm builds a layer norm with unit scale and zero shift.
func NewLayerNorm(dim int) *LayerNorm {
	return &LayerNorm{
		dim:   dim,
		gamma: newParam("ln.weight", filled(1, 1, dim)),
		beta:  newParam("ln.bias", filled(0, 1, dim)),
	}
}

func (l *LayerNorm) Apply(b *Builder, x *G.Node) (*G.Node, error) {
	shape := x.Shape()
	if shape.Dims() != 2 || shape[1] != l.dim {
		return nil, shapeErr("layernorm", shape, fmt.Sprintf("[M %d]", l.dim))
	}
	rows := tensor.Shape{shape[0], 1}
	mean, err := G.Mean(x, 1)
	if err != nil {
		return nil, err
	}
	if mean, err = G.Reshape(mean, rows); err != nil {
		return nil, err
	}
	xc, err := G.BroadcastSub(x, mean, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	sq, err := G.Square(xc)
	if err != nil {
		return nil, err
	}
	variance, err := G.Mean(sq, 1)
	if err != nil {
		return nil, err
	}
	if variance, err = G.Reshape(variance, rows); err != nil {
		return nil, err
	}
	shifted, err := G.Add(variance, G.NewConstant(normEps))
	if err != nil {
		return nil, err
	}
	std, err := G.Sqrt(shifted)
	if err != nil {
		return nil, err
	}
	xn, err := G.BroadcastHadamardDiv(xc, std, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	if xn, err = G.BroadcastHadamardProd(xn, b.param(l.gamma), nil, []byte{0}); err != nil {
		return nil, err
	}
	return G.BroadcastAdd(xn, b.param(l.beta), nil, []byte{0})
}

func (l *LayerNorm) Parameters() []*Param { return []*Param{l.gamma, l.beta} }
