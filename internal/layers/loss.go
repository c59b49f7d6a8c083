package layers

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Loss reduces logits and targets to a scalar cost node.
type Loss interface {
	// Target converts raw synthetic targets into the form Cost consumes.
	Target(raw *tensor.Dense) (*tensor.Dense, error)
	Cost(logits, target *G.Node) (*G.Node, error)
}

// SoftTargetCrossEntropy is the batch mean of -sum(t * log softmax(x)) over
// [N, K] logits and soft targets.
type SoftTargetCrossEntropy struct{}

func (SoftTargetCrossEntropy) Target(raw *tensor.Dense) (*tensor.Dense, error) {
	if raw.Dims() != 2 {
		return nil, fmt.Errorf("cross entropy: %w: target %v, want [N K]", ErrShapeMismatch, raw.Shape())
	}
	return raw, nil
}

func (SoftTargetCrossEntropy) Cost(logits, target *G.Node) (*G.Node, error) {
	if !logits.Shape().Eq(target.Shape()) {
		return nil, fmt.Errorf("cross entropy: %w: logits %v, target %v", ErrShapeMismatch, logits.Shape(), target.Shape())
	}
	score, err := scoreRows(logits, target)
	if err != nil {
		return nil, err
	}
	mean, err := G.Mean(score)
	if err != nil {
		return nil, err
	}
	return G.Neg(mean)
}

// MaskedLMCrossEntropy is the token cross entropy of [B*T, Vocab] logits
// against integer labels, averaged over labels not equal to IgnoreIndex.
type MaskedLMCrossEntropy struct {
	Vocab       int
	IgnoreIndex int
}

// Target one-hot encodes labels; ignored positions become zero rows.
func (l MaskedLMCrossEntropy) Target(raw *tensor.Dense) (*tensor.Dense, error) {
	out, n, err := oneHot(raw, l.Vocab, l.IgnoreIndex, true)
	if err != nil {
		return nil, fmt.Errorf("masked lm: %w", err)
	}
	if n == 0 {
		return nil, ErrNoTargets
	}
	return out, nil
}

func (MaskedLMCrossEntropy) Cost(logits, target *G.Node) (*G.Node, error) {
	if !logits.Shape().Eq(target.Shape()) {
		return nil, fmt.Errorf("masked lm: %w: logits %v, target %v", ErrShapeMismatch, logits.Shape(), target.Shape())
	}
	score, err := scoreRows(logits, target)
	if err != nil {
		return nil, err
	}
	total, err := G.Sum(score)
	if err != nil {
		return nil, err
	}
	// Zero rows contribute neither score nor count.
	counted, err := G.Sum(target)
	if err != nil {
		return nil, err
	}
	mean, err := G.HadamardDiv(total, counted)
	if err != nil {
		return nil, err
	}
	return G.Neg(mean)
}

// scoreRows returns sum_k t[n,k] * log softmax(x)[n,k] for every row n.
func scoreRows(logits, target *G.Node) (*G.Node, error) {
	probs, err := G.SoftMax(logits)
	if err != nil {
		return nil, err
	}
	logp, err := G.Log(probs)
	if err != nil {
		return nil, err
	}
	prod, err := G.HadamardProd(target, logp)
	if err != nil {
		return nil, err
	}
	return G.Sum(prod, 1)
}
