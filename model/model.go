// Package model defines the segmentation model interface and the built in
// architectures. Models map a [3, H, W] image, or a [B, 3, H, W] batch, to
// per pixel class logits and compute their own parameter gradients.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/segtrain/segtrain/tensor"
)

// Global random source for deterministic initialization
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetSeed sets the global random seed for deterministic weight initialization
func SetSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Param is a named trainable tensor paired with its gradient accumulator.
// Grad always has the same shape as Data.
type Param struct {
	Name string
	Data *tensor.Tensor
	Grad *tensor.Tensor
}

// ZeroGrad resets the accumulated gradient.
func (p *Param) ZeroGrad() {
	grad, err := p.Grad.Float32s()
	if err != nil {
		return
	}
	for i := range grad {
		grad[i] = 0
	}
}

// Model interface defines methods that all segmentation networks must implement
type Model interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Backward(input, gradLogits *tensor.Tensor) error
	Parameters() []*Param // Returns trainable parameters with their gradients
	NumClasses() int      // Number of output classes per pixel
	Train()               // Sets model to training mode
	Eval()                // Sets model to evaluation mode
	IsTraining() bool     // Returns true if in training mode
}

// newParam creates a parameter with Xavier uniform initialized data and a
// zeroed gradient.
func newParam(name string, shape []int, fanIn, fanOut int) (*Param, error) {
	bound := xavierBound(fanIn, fanOut)

	n := 1
	for _, dim := range shape {
		n *= dim
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}

	dataT, err := tensor.NewTensor(shape, tensor.Float32, data)
	if err != nil {
		return nil, fmt.Errorf("failed to create parameter %s: %w", name, err)
	}
	gradT, err := tensor.Zeros(shape, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create gradient for %s: %w", name, err)
	}

	return &Param{Name: name, Data: dataT, Grad: gradT}, nil
}

// newZeroParam creates a zero initialized parameter, used for biases.
func newZeroParam(name string, shape []int) (*Param, error) {
	dataT, err := tensor.Zeros(shape, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create parameter %s: %w", name, err)
	}
	gradT, err := tensor.Zeros(shape, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create gradient for %s: %w", name, err)
	}
	return &Param{Name: name, Data: dataT, Grad: gradT}, nil
}

func xavierBound(fanIn, fanOut int) float64 {
	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	return math.Sqrt(6.0 / float64(fanIn+fanOut))
}
