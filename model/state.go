package model

import (
	"fmt"

	"github.com/segtrain/segtrain/tensor"
)

// StateDict returns a deep copy of every parameter keyed by name.
func StateDict(m Model) map[string]*tensor.Tensor {
	state := make(map[string]*tensor.Tensor)
	for _, p := range m.Parameters() {
		state[p.Name] = p.Data.Clone()
	}
	return state
}

// LoadStateDict copies values into the model's parameters. The state must
// contain exactly the model's parameter names with matching shapes; loading
// writes in place so optimizer references to the tensors stay valid.
func LoadStateDict(m Model, state map[string]*tensor.Tensor) error {
	params := m.Parameters()

	byName := make(map[string]*Param, len(params))
	for _, p := range params {
		byName[p.Name] = p
	}

	for name := range state {
		if _, ok := byName[name]; !ok {
			return fmt.Errorf("unexpected parameter %q in state", name)
		}
	}

	for _, p := range params {
		src, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("state is missing parameter %q", p.Name)
		}
		if !src.ShapeEquals(p.Data) {
			return fmt.Errorf("parameter %q has shape %v, state has %v", p.Name, p.Data.Shape, src.Shape)
		}

		srcData, err := src.Float32s()
		if err != nil {
			return fmt.Errorf("parameter %q: %w", p.Name, err)
		}
		dstData, err := p.Data.Float32s()
		if err != nil {
			return fmt.Errorf("parameter %q: %w", p.Name, err)
		}
		copy(dstData, srcData)
	}

	return nil
}
