package optimizer

import (
	"fmt"
	"math"

	"github.com/segtrain/segtrain/model"
)

// AdamConfig holds the hyperparameters for the Adam optimizer.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns the customary Adam hyperparameters.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Adam implements the Adam optimizer with bias corrected first and second
// moment estimates.
type Adam struct {
	config    AdamConfig
	params    []*model.Param
	mean      map[string][]float32
	variance  map[string][]float32
	stepCount uint64
}

// NewAdam creates an Adam optimizer over the given parameters.
func NewAdam(params []*model.Param, config AdamConfig) (*Adam, error) {
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1), got %g", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1), got %g", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay must be non negative, got %g", config.WeightDecay)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters to optimize")
	}

	mean := make(map[string][]float32, len(params))
	variance := make(map[string][]float32, len(params))
	for _, p := range params {
		if _, exists := mean[p.Name]; exists {
			return nil, fmt.Errorf("duplicate parameter name %q", p.Name)
		}
		mean[p.Name] = make([]float32, p.Data.NumElems)
		variance[p.Name] = make([]float32, p.Data.NumElems)
	}

	return &Adam{
		config:   config,
		params:   params,
		mean:     mean,
		variance: variance,
	}, nil
}

// Step performs a single optimization step
func (a *Adam) Step() error {
	a.stepCount++

	beta1 := a.config.Beta1
	beta2 := a.config.Beta2
	// Bias correction uses the step count after increment, matching the
	// 1-indexed t in the Adam paper.
	correction1 := 1.0 - math.Pow(beta1, float64(a.stepCount))
	correction2 := 1.0 - math.Pow(beta2, float64(a.stepCount))
	stepSize := a.config.LearningRate / correction1

	for _, p := range a.params {
		data, err := p.Data.Float32s()
		if err != nil {
			return fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		grad, err := p.Grad.Float32s()
		if err != nil {
			return fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		m := a.mean[p.Name]
		v := a.variance[p.Name]

		for i := range data {
			g := float64(grad[i]) + a.config.WeightDecay*float64(data[i])

			m[i] = float32(beta1*float64(m[i]) + (1-beta1)*g)
			v[i] = float32(beta2*float64(v[i]) + (1-beta2)*g*g)

			denom := math.Sqrt(float64(v[i])/correction2) + a.config.Epsilon
			data[i] -= float32(stepSize * float64(m[i]) / denom)
		}
	}

	return nil
}

// ZeroGrad clears all parameter gradients
func (a *Adam) ZeroGrad() {
	zeroGrads(a.params)
}

// GetState extracts optimizer state for checkpointing
func (a *Adam) GetState() (*State, error) {
	state := &State{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": a.config.LearningRate,
			"beta1":         a.config.Beta1,
			"beta2":         a.config.Beta2,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
		},
		StepCount: a.stepCount,
	}

	for _, p := range a.params {
		for _, buffer := range []struct {
			prefix string
			data   []float32
		}{
			{"mean_", a.mean[p.Name]},
			{"variance_", a.variance[p.Name]},
		} {
			data := make([]float32, len(buffer.data))
			copy(data, buffer.data)
			state.StateData = append(state.StateData, StateTensor{
				Name:  buffer.prefix + p.Name,
				Shape: append([]int(nil), p.Data.Shape...),
				Data:  data,
			})
		}
	}

	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (a *Adam) LoadState(state *State) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	lr, err := paramFloat(state.Parameters, "learning_rate")
	if err != nil {
		return err
	}
	a.config.LearningRate = lr
	a.stepCount = state.StepCount

	buffers := make(map[string][]float32, len(state.StateData))
	for _, st := range state.StateData {
		buffers[st.Name] = st.Data
	}

	for _, p := range a.params {
		for _, buffer := range []struct {
			prefix string
			dst    []float32
		}{
			{"mean_", a.mean[p.Name]},
			{"variance_", a.variance[p.Name]},
		} {
			data, ok := buffers[buffer.prefix+p.Name]
			if !ok {
				return fmt.Errorf("state is missing %s buffer for %q", buffer.prefix, p.Name)
			}
			if len(data) != p.Data.NumElems {
				return fmt.Errorf("%s buffer for %q has %d elements, expected %d", buffer.prefix, p.Name, len(data), p.Data.NumElems)
			}
			copy(buffer.dst, data)
		}
	}

	return nil
}

// GetStepCount returns the current optimization step number
func (a *Adam) GetStepCount() uint64 {
	return a.stepCount
}

// GetLearningRate returns the current learning rate
func (a *Adam) GetLearningRate() float64 {
	return a.config.LearningRate
}

// SetLearningRate updates the learning rate
func (a *Adam) SetLearningRate(lr float64) {
	a.config.LearningRate = lr
}
