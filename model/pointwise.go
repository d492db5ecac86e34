package model

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/segtrain/segtrain/tensor"
)

const channels = 3

// Pointwise classifies every pixel independently from its RGB value with a
// single linear layer. It is deliberately tiny: a fast default that exercises
// the full data and training plumbing on real images while heavier
// architectures are still being designed.
type Pointwise struct {
	numClasses int
	weight     *Param // [numClasses, 3]
	bias       *Param // [numClasses]
	training   bool
}

// NewPointwise creates a pointwise classifier with numClasses outputs per pixel.
func NewPointwise(numClasses int) (*Pointwise, error) {
	if numClasses < 2 {
		return nil, fmt.Errorf("numClasses must be at least 2, got %d", numClasses)
	}

	weight, err := newParam("weight", []int{numClasses, channels}, channels, numClasses)
	if err != nil {
		return nil, err
	}
	bias, err := newZeroParam("bias", []int{numClasses})
	if err != nil {
		return nil, err
	}

	return &Pointwise{
		numClasses: numClasses,
		weight:     weight,
		bias:       bias,
		training:   true,
	}, nil
}

// splitInputShape accepts [3, H, W] or [B, 3, H, W] and returns the batch and
// spatial dimensions.
func splitInputShape(input *tensor.Tensor) (batch, height, width int, err error) {
	switch len(input.Shape) {
	case 3:
		if input.Shape[0] != channels {
			return 0, 0, 0, fmt.Errorf("expected %d channels, got shape %v", channels, input.Shape)
		}
		return 1, input.Shape[1], input.Shape[2], nil
	case 4:
		if input.Shape[1] != channels {
			return 0, 0, 0, fmt.Errorf("expected %d channels, got shape %v", channels, input.Shape)
		}
		return input.Shape[0], input.Shape[2], input.Shape[3], nil
	default:
		return 0, 0, 0, fmt.Errorf("expected [3, H, W] or [B, 3, H, W] input, got shape %v", input.Shape)
	}
}

// featureMatrix lays the input out as a (channels x batch*H*W) matrix with
// one column per pixel.
func featureMatrix(input *tensor.Tensor, batch, height, width int) (*mat.Dense, error) {
	data, err := input.Float32s()
	if err != nil {
		return nil, err
	}

	n := height * width
	cols := batch * n
	buf := make([]float64, channels*cols)
	for b := 0; b < batch; b++ {
		for ch := 0; ch < channels; ch++ {
			src := data[(b*channels+ch)*n : (b*channels+ch+1)*n]
			dst := buf[ch*cols+b*n : ch*cols+(b+1)*n]
			for i, v := range src {
				dst[i] = float64(v)
			}
		}
	}
	return mat.NewDense(channels, cols, buf), nil
}

// gradMatrix lays gradLogits out as a (numClasses x batch*H*W) matrix,
// matching the column order of featureMatrix.
func (p *Pointwise) gradMatrix(gradLogits *tensor.Tensor, batch, height, width int) (*mat.Dense, error) {
	data, err := gradLogits.Float32s()
	if err != nil {
		return nil, err
	}

	n := height * width
	cols := batch * n
	buf := make([]float64, p.numClasses*cols)
	for b := 0; b < batch; b++ {
		for c := 0; c < p.numClasses; c++ {
			src := data[(b*p.numClasses+c)*n : (b*p.numClasses+c+1)*n]
			dst := buf[c*cols+b*n : c*cols+(b+1)*n]
			for i, v := range src {
				dst[i] = float64(v)
			}
		}
	}
	return mat.NewDense(p.numClasses, cols, buf), nil
}

// Forward computes per pixel logits. A [3, H, W] input yields
// [numClasses, H, W]; a [B, 3, H, W] batch yields [B, numClasses, H, W].
func (p *Pointwise) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	batch, height, width, err := splitInputShape(input)
	if err != nil {
		return nil, err
	}
	n := height * width

	x, err := featureMatrix(input, batch, height, width)
	if err != nil {
		return nil, err
	}

	wData, err := p.weight.Data.Float32s()
	if err != nil {
		return nil, err
	}
	w := mat.NewDense(p.numClasses, channels, toFloat64(wData))

	var logits mat.Dense
	logits.Mul(w, x)

	bData, err := p.bias.Data.Float32s()
	if err != nil {
		return nil, err
	}

	out := make([]float32, batch*p.numClasses*n)
	for c := 0; c < p.numClasses; c++ {
		row := logits.RawRowView(c)
		bias := float64(bData[c])
		for b := 0; b < batch; b++ {
			src := row[b*n : (b+1)*n]
			dst := out[(b*p.numClasses+c)*n : (b*p.numClasses+c+1)*n]
			for i, v := range src {
				dst[i] = float32(v + bias)
			}
		}
	}

	shape := []int{p.numClasses, height, width}
	if len(input.Shape) == 4 {
		shape = []int{batch, p.numClasses, height, width}
	}
	return tensor.NewTensor(shape, tensor.Float32, out)
}

// Backward accumulates parameter gradients from the logit gradients produced
// by the loss. Gradients add up until ZeroGrad, matching how optimizers
// expect to consume them.
func (p *Pointwise) Backward(input, gradLogits *tensor.Tensor) error {
	batch, height, width, err := splitInputShape(input)
	if err != nil {
		return err
	}
	if len(gradLogits.Shape) != len(input.Shape) {
		return fmt.Errorf("gradLogits rank %d does not match input rank %d", len(gradLogits.Shape), len(input.Shape))
	}
	wantElems := batch * p.numClasses * height * width
	if gradLogits.NumElems != wantElems {
		return fmt.Errorf("gradLogits has %d elements, expected %d", gradLogits.NumElems, wantElems)
	}

	x, err := featureMatrix(input, batch, height, width)
	if err != nil {
		return err
	}
	g, err := p.gradMatrix(gradLogits, batch, height, width)
	if err != nil {
		return err
	}

	// dW = dL/dlogits x features^T, db = per class sum of dL/dlogits.
	var gw mat.Dense
	gw.Mul(g, x.T())

	wGrad, err := p.weight.Grad.Float32s()
	if err != nil {
		return err
	}
	for c := 0; c < p.numClasses; c++ {
		for ch := 0; ch < channels; ch++ {
			wGrad[c*channels+ch] += float32(gw.At(c, ch))
		}
	}

	bGrad, err := p.bias.Grad.Float32s()
	if err != nil {
		return err
	}
	for c := 0; c < p.numClasses; c++ {
		bGrad[c] += float32(floats.Sum(g.RawRowView(c)))
	}

	return nil
}

// Parameters returns the trainable parameters
func (p *Pointwise) Parameters() []*Param {
	return []*Param{p.weight, p.bias}
}

// NumClasses returns the number of output classes per pixel
func (p *Pointwise) NumClasses() int {
	return p.numClasses
}

// Train sets the model to training mode
func (p *Pointwise) Train() {
	p.training = true
}

// Eval sets the model to evaluation mode
func (p *Pointwise) Eval() {
	p.training = false
}

// IsTraining returns true if in training mode
func (p *Pointwise) IsTraining() bool {
	return p.training
}

func toFloat64(src []float32) []float64 {
	dst := make([]float64, len(src))
	for i, v := range src {
		dst[i] = float64(v)
	}
	return dst
}
