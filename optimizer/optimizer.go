// Package optimizer implements gradient descent updates over model
// parameters, with state that survives checkpointing.
package optimizer

import (
	"fmt"

	"github.com/segtrain/segtrain/model"
)

// Optimizer defines the common interface for all optimizers.
// The interface enables state save/restore for checkpoint functionality.
type Optimizer interface {
	// Step applies one update using the gradients accumulated in the
	// model's parameters.
	Step() error

	// ZeroGrad clears the accumulated gradients of every parameter.
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing.
	GetState() (*State, error)

	// LoadState restores optimizer state from a checkpoint.
	LoadState(state *State) error

	// GetStepCount returns the number of completed optimization steps.
	GetStepCount() uint64

	// GetLearningRate returns the current learning rate.
	GetLearningRate() float64

	// SetLearningRate updates the learning rate, typically from a scheduler.
	SetLearningRate(lr float64)
}

// StateTensor is one named slab of optimizer state, such as a momentum
// buffer, stored alongside the shape of the parameter it belongs to.
type StateTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// State represents the complete state of an optimizer in a form the
// checkpoints package can serialize.
type State struct {
	Type       string                 `json:"type"`       // "SGD", "Adam"
	Parameters map[string]interface{} `json:"parameters"` // Hyperparameters
	StepCount  uint64                 `json:"step_count"`
	StateData  []StateTensor          `json:"state_data"`
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *State) error {
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// zeroGrads clears the gradient tensors of all parameters.
func zeroGrads(params []*model.Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// paramFloat reads a hyperparameter restored from a serialized state, where
// numbers arrive as float64.
func paramFloat(params map[string]interface{}, key string) (float64, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("state is missing hyperparameter %q", key)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("hyperparameter %q has type %T, expected float64", key, v)
	}
	return f, nil
}
