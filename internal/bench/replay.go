package bench

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"modelbench/internal/layers"
)

// Replay re-executes a captured step against static input buffers. Capture
// allocates the buffers once and binds them to the graph; every Replay
// copies fresh inputs into them before running.
type Replay struct {
	static []*tensor.Dense
	run    func() error
	count  int
}

// Capture allocates one static buffer per node, shaped like the matching
// example, and binds it to that node.
func Capture(nodes []*G.Node, examples []*tensor.Dense, run func() error) (*Replay, error) {
	if len(nodes) != len(examples) {
		return nil, fmt.Errorf("%w: capture %d nodes with %d examples", ErrInvalidArgument, len(nodes), len(examples))
	}
	r := &Replay{run: run}
	for i, n := range nodes {
		buf := tensor.New(tensor.Of(layers.Dtype), tensor.WithShape(examples[i].Shape().Clone()...))
		if err := G.Let(n, buf); err != nil {
			return nil, fmt.Errorf("capture %s: %w", n.Name(), err)
		}
		r.static = append(r.static, buf)
	}
	return r, nil
}

// Replay copies inputs into the static buffers and runs the captured step.
func (r *Replay) Replay(inputs ...*tensor.Dense) error {
	if len(inputs) != len(r.static) {
		return fmt.Errorf("%w: replay expects %d inputs, got %d", ErrInvalidArgument, len(r.static), len(inputs))
	}
	for i, in := range inputs {
		if !in.Shape().Eq(r.static[i].Shape()) {
			return fmt.Errorf("%w: replay input %d is %v, captured %v", ErrInvalidArgument, i, in.Shape(), r.static[i].Shape())
		}
		if err := tensor.Copy(r.static[i], in); err != nil {
			return err
		}
	}
	r.count++
	return r.run()
}

// Buffers returns the static buffers bound to the graph.
func (r *Replay) Buffers() []*tensor.Dense { return r.static }

// Count returns the number of replays.
func (r *Replay) Count() int { return r.count }
