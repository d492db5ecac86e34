package optimizer

import (
	"fmt"

	"github.com/segtrain/segtrain/model"
)

// SGDConfig holds the hyperparameters for stochastic gradient descent.
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// SGD implements stochastic gradient descent with momentum and L2 weight
// decay. With momentum m, gradient g and weight decay wd the update is
//
//	v = m*v + (g + wd*w)
//	w = w - lr*v
//
// and the Nesterov variant applies w = w - lr*(g + wd*w + m*v).
type SGD struct {
	config    SGDConfig
	params    []*model.Param
	velocity  map[string][]float32
	stepCount uint64
}

// NewSGD creates an SGD optimizer over the given parameters.
func NewSGD(params []*model.Param, config SGDConfig) (*SGD, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1), got %g", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay must be non negative, got %g", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a non zero momentum")
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters to optimize")
	}

	velocity := make(map[string][]float32, len(params))
	for _, p := range params {
		if _, exists := velocity[p.Name]; exists {
			return nil, fmt.Errorf("duplicate parameter name %q", p.Name)
		}
		velocity[p.Name] = make([]float32, p.Data.NumElems)
	}

	return &SGD{
		config:   config,
		params:   params,
		velocity: velocity,
	}, nil
}

// Step performs a single optimization step
func (s *SGD) Step() error {
	lr := float32(s.config.LearningRate)
	momentum := float32(s.config.Momentum)
	wd := float32(s.config.WeightDecay)

	for _, p := range s.params {
		data, err := p.Data.Float32s()
		if err != nil {
			return fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		grad, err := p.Grad.Float32s()
		if err != nil {
			return fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		v := s.velocity[p.Name]

		for i := range data {
			g := grad[i] + wd*data[i]
			if momentum != 0 {
				v[i] = momentum*v[i] + g
				if s.config.Nesterov {
					g = g + momentum*v[i]
				} else {
					g = v[i]
				}
			}
			data[i] -= lr * g
		}
	}

	s.stepCount++
	return nil
}

// ZeroGrad clears all parameter gradients
func (s *SGD) ZeroGrad() {
	zeroGrads(s.params)
}

// GetState extracts optimizer state for checkpointing
func (s *SGD) GetState() (*State, error) {
	state := &State{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": s.config.LearningRate,
			"momentum":      s.config.Momentum,
			"weight_decay":  s.config.WeightDecay,
			"nesterov":      s.config.Nesterov,
		},
		StepCount: s.stepCount,
	}

	for _, p := range s.params {
		v := s.velocity[p.Name]
		data := make([]float32, len(v))
		copy(data, v)
		state.StateData = append(state.StateData, StateTensor{
			Name:  "momentum_" + p.Name,
			Shape: append([]int(nil), p.Data.Shape...),
			Data:  data,
		})
	}

	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (s *SGD) LoadState(state *State) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	lr, err := paramFloat(state.Parameters, "learning_rate")
	if err != nil {
		return err
	}
	s.config.LearningRate = lr
	s.stepCount = state.StepCount

	buffers := make(map[string][]float32, len(state.StateData))
	for _, st := range state.StateData {
		buffers[st.Name] = st.Data
	}

	for _, p := range s.params {
		data, ok := buffers["momentum_"+p.Name]
		if !ok {
			return fmt.Errorf("state is missing momentum buffer for %q", p.Name)
		}
		if len(data) != p.Data.NumElems {
			return fmt.Errorf("momentum buffer for %q has %d elements, expected %d", p.Name, len(data), p.Data.NumElems)
		}
		copy(s.velocity[p.Name], data)
	}

	return nil
}

// GetStepCount returns the current optimization step number
func (s *SGD) GetStepCount() uint64 {
	return s.stepCount
}

// GetLearningRate returns the current learning rate
func (s *SGD) GetLearningRate() float64 {
	return s.config.LearningRate
}

// SetLearningRate updates the learning rate
func (s *SGD) SetLearningRate(lr float64) {
	s.config.LearningRate = lr
}
