package layers

import (
	"fmt"
	"math"
	"math/rand"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ConvSpec describes a square 2D convolution.
type ConvSpec struct {
	In, Out int
	Kernel  int
	Stride  int
	Padding int
}

// Conv2D is a dense NCHW convolution without bias. A bias only appears when
// a following batch norm is folded in.
type Conv2D struct {
	spec   ConvSpec
	weight *Param // [out, in, k, k]
	bias   *Param // [1, out, 1]
}

// NewConv2D builds a Kaiming-initialized convolution.
func NewConv2D(rng *rand.Rand, spec ConvSpec) *Conv2D {
	if spec.Stride <= 0 {
		spec.Stride = 1
	}
	fanIn := spec.In * spec.Kernel * spec.Kernel
	return &Conv2D{
		spec:   spec,
		weight: newParam("conv.weight", randn(rng, math.Sqrt(2.0/float64(fanIn)), spec.Out, spec.In, spec.Kernel, spec.Kernel)),
	}
}

func (c *Conv2D) Apply(b *Builder, x *G.Node) (*G.Node, error) {
	shape := x.Shape()
	if shape.Dims() != 4 || shape[1] != c.spec.In {
		return nil, shapeErr("conv2d", shape, fmt.Sprintf("[N %d H W]", c.spec.In))
	}
	s := c.spec
	y, err := G.Conv2d(x, b.param(c.weight), tensor.Shape{s.Kernel, s.Kernel},
		[]int{s.Padding, s.Padding}, []int{s.Stride, s.Stride}, []int{1, 1})
	if err != nil {
		return nil, fmt.Errorf("conv2d: %w", err)
	}
	out := y.Shape()
	b.count(out[0] * out[2] * out[3] * s.Out * s.In * s.Kernel * s.Kernel)
	if c.bias == nil {
		return y, nil
	}
	return addChannelBias(b, y, c.bias)
}

func (c *Conv2D) Parameters() []*Param {
	if c.bias == nil {
		return []*Param{c.weight}
	}
	return []*Param{c.weight, c.bias}
}

// foldBatchNorm returns a copy of c whose output equals bn(c(x)) under the
// running statistics of bn.
func (c *Conv2D) foldBatchNorm(bn *BatchNorm2D) Layer {
	scale, shift := bn.affine()
	w := c.weight.Value.Clone().(*tensor.Dense)
	data := w.Data().([]float64)
	per := len(data) / c.spec.Out
	for o := 0; o < c.spec.Out; o++ {
		for i := o * per; i < (o+1)*per; i++ {
			data[i] *= scale[o]
		}
	}
	return &Conv2D{
		spec:   c.spec,
		weight: newParam("conv.folded_weight", w),
		bias:   newParam("conv.folded_bias", tensor.New(tensor.WithShape(1, c.spec.Out, 1), tensor.WithBacking(shift))),
	}
}

// DepthwiseConv2D filters each channel with its own k x k kernel. It is
// expressed as an im2col gather followed by a per-channel weighted sum.
type DepthwiseConv2D struct {
	channels int
	kernel   int
	stride   int
	weight   *Param // [1, C, k*k]
	bias     *Param // [1, C, 1]
}

// NewDepthwiseConv2D builds a same-padded depthwise convolution.
func NewDepthwiseConv2D(rng *rand.Rand, channels, kernel, stride int) *DepthwiseConv2D {
	if stride <= 0 {
		stride = 1
	}
	return &DepthwiseConv2D{
		channels: channels,
		kernel:   kernel,
		stride:   stride,
		weight:   newParam("dwconv.weight", randn(rng, math.Sqrt(2.0/float64(kernel*kernel)), 1, channels, kernel*kernel)),
	}
}

func (d *DepthwiseConv2D) Apply(b *Builder, x *G.Node) (*G.Node, error) {
	shape := x.Shape()
	if shape.Dims() != 4 || shape[1] != d.channels {
		return nil, shapeErr("depthwise", shape, fmt.Sprintf("[N %d H W]", d.channels))
	}
	k, pad := d.kernel, d.kernel/2
	cols, err := G.Im2Col(x, tensor.Shape{k, k}, tensor.Shape{pad, pad}, tensor.Shape{d.stride, d.stride}, tensor.Shape{1, 1})
	if err != nil {
		return nil, fmt.Errorf("depthwise: %w", err)
	}
	// cols is [N, OH, OW, C*k*k] with the channel as the outer index.
	cs := cols.Shape()
	n, oh, ow := cs[0], cs[1], cs[2]
	if cols, err = G.Reshape(cols, tensor.Shape{n * oh * ow, d.channels, k * k}); err != nil {
		return nil, err
	}
	prod, err := G.BroadcastHadamardProd(cols, b.param(d.weight), nil, []byte{0})
	if err != nil {
		return nil, err
	}
	y, err := G.Sum(prod, 2)
	if err != nil {
		return nil, err
	}
	if y, err = G.Reshape(y, tensor.Shape{n, oh, ow, d.channels}); err != nil {
		return nil, err
	}
	if y, err = G.Transpose(y, 0, 3, 1, 2); err != nil {
		return nil, err
	}
	b.count(n * oh * ow * d.channels * k * k)
	if d.bias == nil {
		return y, nil
	}
	return addChannelBias(b, y, d.bias)
}

func (d *DepthwiseConv2D) Parameters() []*Param {
	if d.bias == nil {
		return []*Param{d.weight}
	}
	return []*Param{d.weight, d.bias}
}

func (d *DepthwiseConv2D) foldBatchNorm(bn *BatchNorm2D) Layer {
	scale, shift := bn.affine()
	w := d.weight.Value.Clone().(*tensor.Dense)
	data := w.Data().([]float64)
	per := d.kernel * d.kernel
	for c := 0; c < d.channels; c++ {
		for i := c * per; i < (c+1)*per; i++ {
			data[i] *= scale[c]
		}
	}
	return &DepthwiseConv2D{
		channels: d.channels,
		kernel:   d.kernel,
		stride:   d.stride,
		weight:   newParam("dwconv.folded_weight", w),
		bias:     newParam("dwconv.folded_bias", tensor.New(tensor.WithShape(1, d.channels, 1), tensor.WithBacking(shift))),
	}
}

// addChannelBias adds a [1, C, 1] bias to NCHW activations.
func addChannelBias(b *Builder, y *G.Node, bias *Param) (*G.Node, error) {
	s := y.Shape().Clone()
	flat, err := G.Reshape(y, tensor.Shape{s[0], s[1], s[2] * s[3]})
	if err != nil {
		return nil, err
	}
	if flat, err = G.BroadcastAdd(flat, b.param(bias), nil, []byte{0, 2}); err != nil {
		return nil, err
	}
	return G.Reshape(flat, s)
}
