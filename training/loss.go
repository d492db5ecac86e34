package training

import (
	"fmt"
	"math"

	"github.com/segtrain/segtrain/tensor"
)

// Loss computes a scalar training loss and its gradient with respect to the
// model logits. IgnoreLabel reports the target value excluded from the loss,
// or a negative value when every pixel counts; metrics use the same label.
type Loss interface {
	Forward(logits, targets *tensor.Tensor) (float64, error)
	Backward(logits, targets *tensor.Tensor) (*tensor.Tensor, error)
	IgnoreLabel() int
}

// CrossEntropyLoss is per-pixel softmax cross entropy for dense labeling.
// Logits are [C, H, W] or [B, C, H, W] Float32; targets are the matching
// [H, W] or [B, H, W] Int32 class planes. Pixels labeled IgnoreIndex
// contribute neither loss nor gradient, and the loss is the mean over the
// remaining pixels.
type CrossEntropyLoss struct {
	IgnoreIndex int
}

// NewCrossEntropyLoss creates a cross entropy loss that skips pixels labeled
// ignoreIndex. VOC masks use 255 for object boundary pixels.
func NewCrossEntropyLoss(ignoreIndex int) *CrossEntropyLoss {
	return &CrossEntropyLoss{IgnoreIndex: ignoreIndex}
}

// IgnoreLabel returns the target value excluded from the loss.
func (l *CrossEntropyLoss) IgnoreLabel() int {
	return l.IgnoreIndex
}

// splitLogitShape validates a logits/targets pair and returns the batch size,
// class count and per-sample pixel count.
func splitLogitShape(logits, targets *tensor.Tensor) (batch, classes, pixels int, err error) {
	if logits.DType != tensor.Float32 {
		return 0, 0, 0, fmt.Errorf("logits dtype is %s, want Float32", logits.DType)
	}
	if targets.DType != tensor.Int32 {
		return 0, 0, 0, fmt.Errorf("targets dtype is %s, want Int32", targets.DType)
	}

	switch len(logits.Shape) {
	case 3:
		if len(targets.Shape) != 2 {
			return 0, 0, 0, fmt.Errorf("targets for [C, H, W] logits must be [H, W], got %v", targets.Shape)
		}
		batch = 1
		classes = logits.Shape[0]
		if targets.Shape[0] != logits.Shape[1] || targets.Shape[1] != logits.Shape[2] {
			return 0, 0, 0, fmt.Errorf("target shape %v does not match logit spatial size [%d, %d]",
				targets.Shape, logits.Shape[1], logits.Shape[2])
		}
		pixels = logits.Shape[1] * logits.Shape[2]
	case 4:
		if len(targets.Shape) != 3 {
			return 0, 0, 0, fmt.Errorf("targets for [B, C, H, W] logits must be [B, H, W], got %v", targets.Shape)
		}
		batch = logits.Shape[0]
		classes = logits.Shape[1]
		if targets.Shape[0] != batch || targets.Shape[1] != logits.Shape[2] || targets.Shape[2] != logits.Shape[3] {
			return 0, 0, 0, fmt.Errorf("target shape %v does not match logit shape %v", targets.Shape, logits.Shape)
		}
		pixels = logits.Shape[2] * logits.Shape[3]
	default:
		return 0, 0, 0, fmt.Errorf("logits must be [C, H, W] or [B, C, H, W], got shape %v", logits.Shape)
	}

	if classes < 2 {
		return 0, 0, 0, fmt.Errorf("logits must have at least 2 classes, got %d", classes)
	}
	return batch, classes, pixels, nil
}

// Forward computes the mean cross entropy over all non-ignored pixels. If
// every pixel is ignored the loss is 0.
func (l *CrossEntropyLoss) Forward(logits, targets *tensor.Tensor) (float64, error) {
	batch, classes, pixels, err := splitLogitShape(logits, targets)
	if err != nil {
		return 0, err
	}

	logitData, err := logits.Float32s()
	if err != nil {
		return 0, err
	}
	targetData, err := targets.Int32s()
	if err != nil {
		return 0, err
	}

	var total float64
	var valid int

	for b := 0; b < batch; b++ {
		for idx := 0; idx < pixels; idx++ {
			t := int(targetData[b*pixels+idx])
			if t == l.IgnoreIndex {
				continue
			}
			if t < 0 || t >= classes {
				return 0, fmt.Errorf("target class %d out of range [0, %d)", t, classes)
			}

			// Stabilized log-sum-exp over the class axis.
			maxLogit := float64(logitData[(b*classes)*pixels+idx])
			for c := 1; c < classes; c++ {
				v := float64(logitData[(b*classes+c)*pixels+idx])
				if v > maxLogit {
					maxLogit = v
				}
			}
			var sumExp float64
			for c := 0; c < classes; c++ {
				sumExp += math.Exp(float64(logitData[(b*classes+c)*pixels+idx]) - maxLogit)
			}

			target := float64(logitData[(b*classes+t)*pixels+idx])
			total += math.Log(sumExp) + maxLogit - target
			valid++
		}
	}

	if valid == 0 {
		return 0, nil
	}
	return total / float64(valid), nil
}

// Backward computes dLoss/dLogits for the mean cross entropy. The gradient
// has the same shape as logits; ignored pixels receive zero gradient.
func (l *CrossEntropyLoss) Backward(logits, targets *tensor.Tensor) (*tensor.Tensor, error) {
	batch, classes, pixels, err := splitLogitShape(logits, targets)
	if err != nil {
		return nil, err
	}

	logitData, err := logits.Float32s()
	if err != nil {
		return nil, err
	}
	targetData, err := targets.Int32s()
	if err != nil {
		return nil, err
	}

	valid := 0
	for _, t := range targetData {
		if int(t) == l.IgnoreIndex {
			continue
		}
		if int(t) < 0 || int(t) >= classes {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", t, classes)
		}
		valid++
	}

	grad, err := tensor.Zeros(logits.Shape, tensor.Float32)
	if err != nil {
		return nil, err
	}
	if valid == 0 {
		return grad, nil
	}
	gradData, err := grad.Float32s()
	if err != nil {
		return nil, err
	}

	scale := 1.0 / float64(valid)

	for b := 0; b < batch; b++ {
		for idx := 0; idx < pixels; idx++ {
			t := int(targetData[b*pixels+idx])
			if t == l.IgnoreIndex {
				continue
			}

			maxLogit := float64(logitData[(b*classes)*pixels+idx])
			for c := 1; c < classes; c++ {
				v := float64(logitData[(b*classes+c)*pixels+idx])
				if v > maxLogit {
					maxLogit = v
				}
			}
			var sumExp float64
			for c := 0; c < classes; c++ {
				sumExp += math.Exp(float64(logitData[(b*classes+c)*pixels+idx]) - maxLogit)
			}

			// dL/dlogit_c = (softmax_c - 1{c == target}) / valid
			for c := 0; c < classes; c++ {
				sm := math.Exp(float64(logitData[(b*classes+c)*pixels+idx])-maxLogit) / sumExp
				g := sm * scale
				if c == t {
					g -= scale
				}
				gradData[(b*classes+c)*pixels+idx] = float32(g)
			}
		}
	}

	return grad, nil
}
