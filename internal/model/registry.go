package model

import (
	"errors"
	"fmt"
	"sort"
)

// Registry maps architecture names to their definitions.
type Registry struct {
	archs map[string]Architecture
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{archs: make(map[string]Architecture)}
}

// Default returns a registry holding every built-in architecture.
func Default() *Registry {
	r := NewRegistry()
	for _, a := range []Architecture{MobileNetV2(), ResNet18(), Reformer()} {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a; names must be unique and definitions complete.
func (r *Registry) Register(a Architecture) error {
	if a.Name == "" {
		return errors.New("model: architecture name is empty")
	}
	if a.Build == nil || a.NewLoss == nil {
		return fmt.Errorf("model: %s: missing factory", a.Name)
	}
	if len(a.InputShape) == 0 {
		return fmt.Errorf("model: %s: missing input shape", a.Name)
	}
	if _, ok := r.archs[a.Name]; ok {
		return fmt.Errorf("model: %s already registered", a.Name)
	}
	r.archs[a.Name] = a
	return nil
}

// Lookup resolves name or fails with ErrUnknownArchitecture.
func (r *Registry) Lookup(name string) (Architecture, error) {
	a, ok := r.archs[name]
	if !ok {
		return Architecture{}, fmt.Errorf("%w: %q", ErrUnknownArchitecture, name)
	}
	return a, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.archs))
	for name := range r.archs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
