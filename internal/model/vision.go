package model

import (
	"math/rand"

	"modelbench/internal/layers"
)

const imageNetClasses = 1000

var imageShape = []int{3, 224, 224}

// MobileNetV2 is a narrow MobileNetV2: a patchifying stem followed by
// inverted residual blocks with depthwise convolutions.
func MobileNetV2() Architecture {
	return Architecture{
		Name:              "mobilenet_v2",
		Task:              TaskImageClassification,
		InputShape:        imageShape,
		NumClasses:        imageNetClasses,
		DefaultTrainBatch: 96,
		DefaultEvalBatch:  16,
		LearningRate:      0.001,
		Capabilities:      Capabilities{Compile: true, CompiledIntrospection: true},
		Args:              []Arg{ArgGraphReplay},
		Build:             buildMobileNetV2,
		NewLoss:           func() layers.Loss { return layers.SoftTargetCrossEntropy{} },
	}
}

func buildMobileNetV2(rng *rand.Rand, _ Options) (*layers.Module, error) {
	stack := []layers.Layer{
		layers.NewConv2D(rng, layers.ConvSpec{In: 3, Out: 16, Kernel: 16, Stride: 16}),
		layers.NewBatchNorm2D(16),
		layers.NewReLU6(),
	}
	in := 16
	for _, block := range []struct{ out, expand int }{{16, 4}, {24, 4}, {24, 4}} {
		stack = append(stack, invertedResidual(rng, in, block.out, block.expand))
		in = block.out
	}
	stack = append(stack,
		layers.NewConv2D(rng, layers.ConvSpec{In: in, Out: 64, Kernel: 1, Stride: 1}),
		layers.NewBatchNorm2D(64),
		layers.NewReLU6(),
		layers.GlobalAvgPool{},
		layers.NewLinear(rng, 64, imageNetClasses, true),
	)
	return layers.NewModule(stack...)
}

// invertedResidual expands with a pointwise conv, filters depthwise and
// projects back; the skip is used only when the shape is preserved.
func invertedResidual(rng *rand.Rand, in, out, expand int) layers.Layer {
	hidden := in * expand
	body := layers.NewSequential(
		layers.NewConv2D(rng, layers.ConvSpec{In: in, Out: hidden, Kernel: 1, Stride: 1}),
		layers.NewBatchNorm2D(hidden),
		layers.NewReLU6(),
		layers.NewDepthwiseConv2D(rng, hidden, 3, 1),
		layers.NewBatchNorm2D(hidden),
		layers.NewReLU6(),
		layers.NewConv2D(rng, layers.ConvSpec{In: hidden, Out: out, Kernel: 1, Stride: 1}),
		layers.NewBatchNorm2D(out),
	)
	if in != out {
		return body
	}
	return layers.NewResidual(body, nil)
}

// ResNet18 is a narrow ResNet: strided stem, two basic blocks, a
// downsampling block and a classifier.
func ResNet18() Architecture {
	return Architecture{
		Name:              "resnet18",
		Task:              TaskImageClassification,
		InputShape:        imageShape,
		NumClasses:        imageNetClasses,
		DefaultTrainBatch: 32,
		DefaultEvalBatch:  32,
		LearningRate:      0.001,
		Capabilities:      Capabilities{Compile: true, CompiledIntrospection: true},
		Args:              []Arg{ArgGraphReplay},
		Build:             buildResNet18,
		NewLoss:           func() layers.Loss { return layers.SoftTargetCrossEntropy{} },
	}
}

func buildResNet18(rng *rand.Rand, _ Options) (*layers.Module, error) {
	return layers.NewModule(
		layers.NewConv2D(rng, layers.ConvSpec{In: 3, Out: 16, Kernel: 8, Stride: 8}),
		layers.NewBatchNorm2D(16),
		layers.NewReLU(),
		basicBlock(rng, 16, 16, 1),
		basicBlock(rng, 16, 16, 1),
		basicBlock(rng, 16, 32, 2),
		layers.GlobalAvgPool{},
		layers.NewLinear(rng, 32, imageNetClasses, true),
	)
}

func basicBlock(rng *rand.Rand, in, out, stride int) layers.Layer {
	body := layers.NewSequential(
		layers.NewConv2D(rng, layers.ConvSpec{In: in, Out: out, Kernel: 3, Stride: stride, Padding: 1}),
		layers.NewBatchNorm2D(out),
		layers.NewReLU(),
		layers.NewConv2D(rng, layers.ConvSpec{In: out, Out: out, Kernel: 3, Stride: 1, Padding: 1}),
		layers.NewBatchNorm2D(out),
	)
	var shortcut layers.Layer
	if in != out || stride != 1 {
		shortcut = layers.NewSequential(
			layers.NewConv2D(rng, layers.ConvSpec{In: in, Out: out, Kernel: 1, Stride: stride}),
			layers.NewBatchNorm2D(out),
		)
	}
	return layers.NewSequential(layers.NewResidual(body, shortcut), layers.NewReLU())
}
