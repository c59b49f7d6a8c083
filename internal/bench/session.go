package bench

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"modelbench/internal/layers"
)

// trainSession is a Train graph extended with the loss and its symbolic
// gradients, executed by one tape machine and updated by Adam.
type trainSession struct {
	net      *layers.Net
	target   *G.Node
	cost     *G.Node
	compiled bool

	// feeds holds the encoded input and target values, in inputs() order.
	feeds []*tensor.Dense
	loss  G.Value

	vm     G.VM
	solver G.Solver

	steps    int
	lastLoss float64
}

func newTrainSession(module *layers.Module, loss layers.Loss, raw, target *tensor.Dense, lr float64, compiled bool) (*trainSession, error) {
	net, err := module.Graph(layers.Train, raw.Shape()...)
	if err != nil {
		return nil, err
	}
	input, err := module.Encode(raw)
	if err != nil {
		return nil, err
	}
	labels, err := loss.Target(target)
	if err != nil {
		return nil, err
	}

	s := &trainSession{net: net, compiled: compiled, feeds: []*tensor.Dense{input, labels}}
	shape := labels.Shape().Clone()
	s.target = G.NewTensor(net.Graph, layers.Dtype, shape.Dims(), G.WithShape(shape...), G.WithName("target"))
	if s.cost, err = loss.Cost(net.Output, s.target); err != nil {
		return nil, err
	}
	G.Read(s.cost, &s.loss)
	if _, err := G.Grad(s.cost, net.Learnables()...); err != nil {
		return nil, fmt.Errorf("gradients: %w", err)
	}
	if s.vm, err = newMachine(net.Graph, compiled, G.BindDualValues(net.Learnables()...)); err != nil {
		return nil, err
	}
	s.solver = G.NewAdamSolver(G.WithLearnRate(lr))

	for i, n := range s.inputs() {
		if err := G.Let(n, s.feeds[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// inputs returns the graph nodes fed from outside.
func (s *trainSession) inputs() []*G.Node { return []*G.Node{s.net.Input, s.target} }

func (s *trainSession) step() error {
	defer s.vm.Reset()
	if err := s.vm.RunAll(); err != nil {
		return err
	}
	if err := s.solver.Step(G.NodesToValueGrads(s.net.Learnables())); err != nil {
		return err
	}
	if err := s.net.AfterRun(); err != nil {
		return err
	}
	loss, err := scalar(s.loss)
	if err != nil {
		return err
	}
	s.lastLoss = loss
	s.steps++
	return nil
}

// evalSession is an Eval or Inference graph without loss or gradients.
type evalSession struct {
	net      *layers.Net
	compiled bool
	vm       G.VM
}

func newEvalSession(module *layers.Module, raw *tensor.Dense, compiled bool) (*evalSession, error) {
	mode := layers.Eval
	if compiled {
		mode = layers.Inference
	}
	net, err := module.Graph(mode, raw.Shape()...)
	if err != nil {
		return nil, err
	}
	input, err := module.Encode(raw)
	if err != nil {
		return nil, err
	}
	if err := G.Let(net.Input, input); err != nil {
		return nil, err
	}
	vm, err := newMachine(net.Graph, compiled)
	if err != nil {
		return nil, err
	}
	return &evalSession{net: net, compiled: compiled, vm: vm}, nil
}

func (s *evalSession) run() error {
	defer s.vm.Reset()
	return s.vm.RunAll()
}

// newMachine returns a tape machine for g. Compiled machines are built from
// a program compiled ahead of time rather than on construction.
func newMachine(g *G.ExprGraph, compiled bool, opts ...G.VMOpt) (G.VM, error) {
	if !compiled {
		return G.NewTapeMachine(g, opts...), nil
	}
	prog, locMap, err := G.Compile(g)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	return G.NewTapeMachine(g, append([]G.VMOpt{G.WithPrecompiled(prog, locMap)}, opts...)...), nil
}

func scalar(v G.Value) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("bench: loss was not computed")
	}
	f, ok := v.Data().(float64)
	if !ok {
		return 0, fmt.Errorf("bench: loss is %T, want a float64 scalar", v.Data())
	}
	return f, nil
}
