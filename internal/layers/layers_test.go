package layers

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func dense(shape []int, data ...float64) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// run executes net on x and returns the output values.
func run(t *testing.T, net *Net, x *tensor.Dense) []float64 {
	t.Helper()
	var out G.Value
	G.Read(net.Output, &out)
	vm := G.NewTapeMachine(net.Graph)
	defer vm.Close()
	require.NoError(t, G.Let(net.Input, x))
	require.NoError(t, vm.RunAll())
	require.NotNil(t, out)
	switch v := out.Data().(type) {
	case []float64:
		return append([]float64(nil), v...)
	case float64:
		return []float64{v}
	}
	t.Fatalf("unexpected output %T", out.Data())
	return nil
}

func TestModuleRejectsLateEmbedding(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	_, err := NewModule(NewLinear(rng, 4, 4, false), NewEmbedding(rng, 8, 4))
	require.ErrorIs(t, err, ErrEmbeddingNotFirst)

	_, err = NewModule(NewEmbedding(rng, 8, 4), NewResidual(NewSequential(NewEmbedding(rng, 8, 4)), nil))
	require.ErrorIs(t, err, ErrEmbeddingNotFirst)

	m, err := NewModule(NewEmbedding(rng, 8, 4), NewLayerNorm(4))
	require.NoError(t, err)
	require.Equal(t, 8, m.Vocab())
}

func TestEncodeTokens(t *testing.T) {
	m, err := NewModule(NewEmbedding(rand.New(rand.NewSource(2)), 4, 2))
	require.NoError(t, err)
	enc, err := m.Encode(dense([]int{1, 3}, 2, 0, 3))
	require.NoError(t, err)
	require.Equal(t, []int{3, 4}, []int(enc.Shape()))
	require.Equal(t, []float64{0, 0, 1, 0, 1, 0, 0, 0, 0, 0, 0, 1}, enc.Data())

	_, err = m.Encode(dense([]int{1, 2}, 1, 4))
	require.ErrorIs(t, err, ErrTokenRange)

	net, err := m.Graph(Eval, 1, 3)
	require.NoError(t, err)
	require.Equal(t, []int{3, 2}, []int(net.Output.Shape()))
	require.Nil(t, net.Learnables())
}

func TestMACs(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	cases := map[string]struct {
		layers []Layer
		input  []int
		out    []int
		macs   float64
	}{
		"linear":    {[]Layer{NewLinear(rng, 4, 3, true)}, []int{2, 4}, []int{2, 3}, 2 * 4 * 3},
		"conv":      {[]Layer{NewConv2D(rng, ConvSpec{In: 3, Out: 4, Kernel: 3, Padding: 1})}, []int{2, 3, 8, 8}, []int{2, 4, 8, 8}, 2 * 64 * 4 * 3 * 9},
		"strided":   {[]Layer{NewConv2D(rng, ConvSpec{In: 3, Out: 2, Kernel: 4, Stride: 4})}, []int{1, 3, 8, 8}, []int{1, 2, 2, 2}, 4 * 2 * 3 * 16},
		"depthwise": {[]Layer{NewDepthwiseConv2D(rng, 3, 3, 1)}, []int{1, 3, 5, 5}, []int{1, 3, 5, 5}, 25 * 3 * 9},
		// Two sequences of 4 tokens: four projections plus two chunked
		// products for each of 4 chunks and 2 heads. Lookups are free.
		"attention": {[]Layer{NewEmbedding(rng, 5, 4), NewLocalSelfAttention(rng, 4, 2, 2)}, []int{2, 4}, []int{8, 4}, 4*8*4*4 + 2*(4*2)*2*2*2},
	}
	for name, tc := range cases {
		m, err := NewModule(tc.layers...)
		require.NoError(t, err, name)
		net, err := m.Graph(Eval, tc.input...)
		require.NoError(t, err, name)
		require.Equal(t, tc.out, []int(net.Output.Shape()), name)
		require.Equal(t, tc.macs, net.MACs(), name)
		require.Equal(t, 2*tc.macs/float64(tc.input[0]), net.FlopsPerSample(2), name)
	}
}

func TestShapeErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	cases := map[string]struct {
		layers []Layer
		input  []int
	}{
		"conv channels":   {[]Layer{NewConv2D(rng, ConvSpec{In: 3, Out: 4, Kernel: 1})}, []int{1, 1, 4, 4}},
		"linear width":    {[]Layer{NewLinear(rng, 4, 2, false)}, []int{1, 5}},
		"batchnorm":       {[]Layer{NewBatchNorm2D(3)}, []int{1, 2, 4, 4}},
		"attention chunk": {[]Layer{NewEmbedding(rng, 5, 4), NewLocalSelfAttention(rng, 4, 2, 3)}, []int{1, 4}},
		"pool rank":       {[]Layer{GlobalAvgPool{}}, []int{2, 3}},
	}
	for name, tc := range cases {
		m, err := NewModule(tc.layers...)
		require.NoError(t, err, name)
		_, err = m.Graph(Eval, tc.input...)
		require.ErrorIs(t, err, ErrShapeMismatch, name)
	}
}

func TestReLU6(t *testing.T) {
	m, err := NewModule(NewReLU6())
	require.NoError(t, err)
	net, err := m.Graph(Eval, 1, 4)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 3, 6, 6}, run(t, net, dense([]int{1, 4}, -1, 3, 7, 6)))
}

func TestTrainGraphTracksRunningStats(t *testing.T) {
	bn := NewBatchNorm2D(2)
	m, err := NewModule(bn)
	require.NoError(t, err)
	net, err := m.Graph(Train, 2, 2, 1, 2)
	require.NoError(t, err)
	require.Len(t, net.Learnables(), 2)

	// Channel 0 holds {1, 3, 5, 7}, channel 1 holds {2, 2, 2, 2}.
	x := dense([]int{2, 2, 1, 2}, 1, 3, 2, 2, 5, 7, 2, 2)
	out := run(t, net, x)
	require.InDelta(t, 0, out[2], 1e-9)
	require.NoError(t, net.AfterRun())

	mean, variance := bn.RunningStats()
	require.InDeltaSlice(t, []float64{0.4, 0.2}, mean, 1e-9)
	// Unbiased batch variance 20/3 for channel 0, 0 for channel 1.
	require.InDeltaSlice(t, []float64{0.9 + 0.1*20.0/3, 0.9}, variance, 1e-9)
}

func TestInferenceFoldsBatchNorm(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	bn := NewBatchNorm2D(3)
	copy(bn.runningMean, []float64{0.5, -1, 2})
	copy(bn.runningVar, []float64{4, 0.25, 1})
	copy(bn.gamma.Data(), []float64{1.5, 0.5, -1})
	copy(bn.beta.Data(), []float64{0, 1, 0.25})
	m, err := NewModule(NewConv2D(rng, ConvSpec{In: 2, Out: 3, Kernel: 3, Padding: 1}), bn, NewDepthwiseConv2D(rng, 3, 3, 1), NewBatchNorm2D(3))
	require.NoError(t, err)

	x := randn(rng, 1, 2, 2, 4, 4)
	eval, err := m.Graph(Eval, 2, 2, 4, 4)
	require.NoError(t, err)
	folded, err := m.Graph(Inference, 2, 2, 4, 4)
	require.NoError(t, err)
	require.Zero(t, eval.Folded())
	require.Equal(t, 2, folded.Folded())
	require.Equal(t, eval.MACs(), folded.MACs())
	require.InDeltaSlice(t, run(t, eval, x), run(t, folded, x), 1e-9)
}

func TestSoftTargetCrossEntropy(t *testing.T) {
	g := G.NewGraph()
	logits := G.NewTensor(g, Dtype, 2, G.WithShape(2, 2), G.WithName("logits"), G.WithValue(dense([]int{2, 2}, 0, 0, 1, 1)))
	target := G.NewTensor(g, Dtype, 2, G.WithShape(2, 2), G.WithName("target"), G.WithValue(dense([]int{2, 2}, 1, 0, 0.5, 0.5)))
	cost, err := SoftTargetCrossEntropy{}.Cost(logits, target)
	require.NoError(t, err)
	var v G.Value
	G.Read(cost, &v)
	vm := G.NewTapeMachine(g)
	defer vm.Close()
	require.NoError(t, vm.RunAll())
	require.InDelta(t, math.Ln2, v.Data().(float64), 1e-9)
}

func TestMaskedLMTarget(t *testing.T) {
	loss := MaskedLMCrossEntropy{Vocab: 3, IgnoreIndex: -100}
	target, err := loss.Target(dense([]int{1, 3}, 2, -100, 0))
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0, 1, 0, 0, 0, 1, 0, 0}, target.Data())

	_, err = loss.Target(dense([]int{1, 2}, -100, -100))
	require.ErrorIs(t, err, ErrNoTargets)
	_, err = loss.Target(dense([]int{1, 1}, 3))
	require.ErrorIs(t, err, ErrTokenRange)

	g := G.NewGraph()
	logits := G.NewTensor(g, Dtype, 2, G.WithShape(3, 3), G.WithName("logits"), G.WithValue(tensor.New(tensor.WithShape(3, 3), tensor.WithBacking(make([]float64, 9)))))
	labels := G.NewTensor(g, Dtype, 2, G.WithShape(3, 3), G.WithName("labels"), G.WithValue(target))
	cost, err := loss.Cost(logits, labels)
	require.NoError(t, err)
	var v G.Value
	G.Read(cost, &v)
	vm := G.NewTapeMachine(g)
	defer vm.Close()
	require.NoError(t, vm.RunAll())
	require.InDelta(t, math.Log(3), v.Data().(float64), 1e-9)
}

func TestAxialPositionSelectors(t *testing.T) {
	rows, cols := selectors(5, [2]int{3, 2})
	require.Equal(t, []float64{
		1, 0, 0,
		1, 0, 0,
		0, 1, 0,
		0, 1, 0,
		0, 0, 1,
	}, rows.Data())
	require.Equal(t, []float64{1, 0, 0, 1, 1, 0, 0, 1, 1, 0}, cols.Data())

	m, err := NewModule(NewEmbedding(rand.New(rand.NewSource(6)), 4, 5), NewAxialPositionEmbedding(rand.New(rand.NewSource(7)), [2]int{3, 2}, [2]int{2, 3}))
	require.NoError(t, err)
	_, err = m.Graph(Eval, 1, 7)
	require.ErrorIs(t, err, ErrShapeMismatch)
}
