package training

import (
	"fmt"

	"github.com/segtrain/segtrain/tensor"
)

// ConfusionMatrix accumulates per-pixel prediction counts for segmentation
// metrics. Rows index the ground truth class, columns the predicted class.
// Pixels whose ground truth equals the ignore index are not counted.
type ConfusionMatrix struct {
	numClasses  int
	ignoreIndex int
	counts      []int64
}

// NewConfusionMatrix creates an empty numClasses x numClasses matrix.
func NewConfusionMatrix(numClasses, ignoreIndex int) (*ConfusionMatrix, error) {
	if numClasses < 2 {
		return nil, fmt.Errorf("confusion matrix needs at least 2 classes, got %d", numClasses)
	}
	return &ConfusionMatrix{
		numClasses:  numClasses,
		ignoreIndex: ignoreIndex,
		counts:      make([]int64, numClasses*numClasses),
	}, nil
}

// Reset clears all accumulated counts.
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.counts {
		cm.counts[i] = 0
	}
}

// Update accumulates counts from a predicted class plane and the matching
// ground truth plane. Both must be Int32 tensors of identical shape.
func (cm *ConfusionMatrix) Update(predictions, targets *tensor.Tensor) error {
	if !predictions.ShapeEquals(targets) {
		return fmt.Errorf("prediction shape %v does not match target shape %v", predictions.Shape, targets.Shape)
	}

	predData, err := predictions.Int32s()
	if err != nil {
		return fmt.Errorf("predictions: %w", err)
	}
	targetData, err := targets.Int32s()
	if err != nil {
		return fmt.Errorf("targets: %w", err)
	}

	for i, t := range targetData {
		truth := int(t)
		if truth == cm.ignoreIndex {
			continue
		}
		if truth < 0 || truth >= cm.numClasses {
			return fmt.Errorf("target class %d out of range [0, %d)", truth, cm.numClasses)
		}
		pred := int(predData[i])
		if pred < 0 || pred >= cm.numClasses {
			return fmt.Errorf("predicted class %d out of range [0, %d)", pred, cm.numClasses)
		}
		cm.counts[truth*cm.numClasses+pred]++
	}

	return nil
}

// Count returns the number of pixels with the given truth and prediction.
func (cm *ConfusionMatrix) Count(truth, pred int) int64 {
	return cm.counts[truth*cm.numClasses+pred]
}

// Total returns the number of counted pixels.
func (cm *ConfusionMatrix) Total() int64 {
	var total int64
	for _, c := range cm.counts {
		total += c
	}
	return total
}

// PixelAccuracy returns the fraction of counted pixels whose predicted class
// matches the ground truth, or 0 when nothing has been counted.
func (cm *ConfusionMatrix) PixelAccuracy() float64 {
	total := cm.Total()
	if total == 0 {
		return 0
	}

	var correct int64
	for c := 0; c < cm.numClasses; c++ {
		correct += cm.counts[c*cm.numClasses+c]
	}
	return float64(correct) / float64(total)
}

// IoU returns the intersection over union for one class and whether the
// class appeared at all. A class absent from both truth and predictions has
// no defined IoU.
func (cm *ConfusionMatrix) IoU(class int) (float64, bool) {
	tp := cm.counts[class*cm.numClasses+class]

	var rowSum, colSum int64
	for c := 0; c < cm.numClasses; c++ {
		rowSum += cm.counts[class*cm.numClasses+c]
		colSum += cm.counts[c*cm.numClasses+class]
	}

	union := rowSum + colSum - tp
	if union == 0 {
		return 0, false
	}
	return float64(tp) / float64(union), true
}

// MeanIoU returns the IoU averaged over all classes that appear in the
// accumulated counts.
func (cm *ConfusionMatrix) MeanIoU() float64 {
	var sum float64
	var present int
	for c := 0; c < cm.numClasses; c++ {
		if iou, ok := cm.IoU(c); ok {
			sum += iou
			present++
		}
	}
	if present == 0 {
		return 0
	}
	return sum / float64(present)
}

// Argmax converts [C, H, W] or [B, C, H, W] logits into an Int32 class plane
// of shape [H, W] or [B, H, W]. Ties resolve to the lowest class index.
func Argmax(logits *tensor.Tensor) (*tensor.Tensor, error) {
	if logits.DType != tensor.Float32 {
		return nil, fmt.Errorf("logits dtype is %s, want Float32", logits.DType)
	}

	var batch, classes, pixels int
	var outShape []int
	switch len(logits.Shape) {
	case 3:
		batch = 1
		classes = logits.Shape[0]
		pixels = logits.Shape[1] * logits.Shape[2]
		outShape = []int{logits.Shape[1], logits.Shape[2]}
	case 4:
		batch = logits.Shape[0]
		classes = logits.Shape[1]
		pixels = logits.Shape[2] * logits.Shape[3]
		outShape = []int{logits.Shape[0], logits.Shape[2], logits.Shape[3]}
	default:
		return nil, fmt.Errorf("logits must be [C, H, W] or [B, C, H, W], got shape %v", logits.Shape)
	}

	data, err := logits.Float32s()
	if err != nil {
		return nil, err
	}

	out := make([]int32, batch*pixels)
	for b := 0; b < batch; b++ {
		for idx := 0; idx < pixels; idx++ {
			best := 0
			bestVal := data[(b*classes)*pixels+idx]
			for c := 1; c < classes; c++ {
				if v := data[(b*classes+c)*pixels+idx]; v > bestVal {
					best = c
					bestVal = v
				}
			}
			out[b*pixels+idx] = int32(best)
		}
	}

	return tensor.NewTensor(outShape, tensor.Int32, out)
}
