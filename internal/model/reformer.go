package model

import (
	"fmt"
	"math/rand"

	"modelbench/internal/layers"
)

const (
	reformerVocab   = 320
	reformerSeqLen  = 4096
	reformerHidden  = 32
	reformerHeads   = 2
	reformerFeedFwd = 64
	reformerLayers  = 2
	reformerChunk   = 64
	ignoreLabel     = -100
)

var (
	reformerAxialShape = [2]int{64, 64}
	reformerAxialDims  = [2]int{8, 24}
)

// Reformer is a masked language model over 4096-token sequences using axial
// position embeddings and chunked local self-attention.
func Reformer() Architecture {
	return Architecture{
		Name:              "hf_Reformer",
		Task:              TaskLanguageModeling,
		InputShape:        []int{reformerSeqLen},
		VocabSize:         reformerVocab,
		Labels:            true,
		DefaultTrainBatch: 8,
		DefaultEvalBatch:  1,
		LearningRate:      0.001,
		Capabilities:      Capabilities{},
		Args:              []Arg{ArgChunkLength},
		DefaultOptions:    Options{ChunkLength: reformerChunk},
		Build:             buildReformer,
		NewLoss:           func() layers.Loss {
			return layers.MaskedLMCrossEntropy{Vocab: reformerVocab, IgnoreIndex: ignoreLabel}
		},
	}
}

func buildReformer(rng *rand.Rand, opts Options) (*layers.Module, error) {
	chunk := opts.ChunkLength
	if chunk <= 0 {
		chunk = reformerChunk
	}
	if reformerSeqLen%chunk != 0 {
		return nil, fmt.Errorf("reformer: chunk length %d does not divide sequence length %d", chunk, reformerSeqLen)
	}
	stack := []layers.Layer{
		layers.NewEmbedding(rng, reformerVocab, reformerHidden),
		layers.NewAxialPositionEmbedding(rng, reformerAxialShape, reformerAxialDims),
	}
	for i := 0; i < reformerLayers; i++ {
		stack = append(stack,
			layers.NewResidual(layers.NewSequential(
				layers.NewLayerNorm(reformerHidden),
				layers.NewLocalSelfAttention(rng, reformerHidden, reformerHeads, chunk),
			), nil),
			layers.NewResidual(layers.NewSequential(
				layers.NewLayerNorm(reformerHidden),
				layers.NewLinear(rng, reformerHidden, reformerFeedFwd, true),
				layers.NewReLU(),
				layers.NewLinear(rng, reformerFeedFwd, reformerHidden, true),
			), nil),
		)
	}
	stack = append(stack,
		layers.NewLayerNorm(reformerHidden),
		layers.NewLinear(rng, reformerHidden, reformerVocab, true),
	)
	return layers.NewModule(stack...)
}
