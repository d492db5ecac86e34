package training

import (
	"context"
	"fmt"
	"math"
	"time"

	"k8s.io/klog/v2"

	"github.com/segtrain/segtrain/model"
	"github.com/segtrain/segtrain/optimizer"
)

// Tracker receives per-epoch metrics from a Trainer. Implementations must
// tolerate being called once per epoch with the same key set.
type Tracker interface {
	LogEpoch(ctx context.Context, epoch int, metrics map[string]float64) error
}

// TrainerConfig holds training loop configuration.
type TrainerConfig struct {
	Epochs        int
	StartEpoch    int                // First epoch number to run; 1 unless resuming
	EarlyStopping bool               // Stop when validation loss stops improving
	Patience      int                // Epochs without improvement before stopping
	Scheduler     LRScheduler        // Optional; nil keeps the optimizer's rate
	Checkpoints   *CheckpointManager // Optional; nil disables checkpointing
	Tracker       Tracker            // Optional; nil disables experiment tracking
	Progress      bool               // Render a per-batch progress bar
	MaxBatches    int                // Cap batches per epoch (0 = all), for smoke runs
}

// EpochStats summarizes one completed epoch.
type EpochStats struct {
	Epoch         int
	TrainLoss     float64
	ValLoss       float64
	PixelAccuracy float64
	MeanIoU       float64
	LearningRate  float64
	Duration      time.Duration
}

// TrainingResult summarizes a Fit run.
type TrainingResult struct {
	Epochs       []EpochStats
	BestValLoss  float64
	BestEpoch    int
	EarlyStopped bool
	Checkpoints  []string
}

// EvalReport holds metrics from a full pass over a dataset.
type EvalReport struct {
	Loss          float64
	PixelAccuracy float64
	MeanIoU       float64
	ClassIoU      []float64 // NaN marks classes absent from both truth and predictions
	Batches       int
}

// Trainer drives the epoch loop: forward, loss, backward, optimizer step,
// validation, tracking, early stopping and per-epoch checkpoints.
type Trainer struct {
	model     model.Model
	optimizer optimizer.Optimizer
	criterion Loss
	config    TrainerConfig
	baseLR    float64
}

// NewTrainer creates a trainer. The optimizer must already hold the model's
// parameters.
func NewTrainer(m model.Model, opt optimizer.Optimizer, criterion Loss, config TrainerConfig) (*Trainer, error) {
	if m == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if opt == nil {
		return nil, fmt.Errorf("optimizer cannot be nil")
	}
	if criterion == nil {
		return nil, fmt.Errorf("criterion cannot be nil")
	}
	if config.Epochs < 1 {
		return nil, fmt.Errorf("epochs must be at least 1, got %d", config.Epochs)
	}
	if config.StartEpoch < 1 {
		config.StartEpoch = 1
	}
	if config.EarlyStopping && config.Patience <= 0 {
		config.Patience = 5
	}

	return &Trainer{
		model:     m,
		optimizer: opt,
		criterion: criterion,
		config:    config,
		baseLR:    opt.GetLearningRate(),
	}, nil
}

// Model returns the model being trained.
func (t *Trainer) Model() model.Model {
	return t.model
}

// Fit runs the training loop. For every epoch it trains over trainLoader,
// evaluates on valLoader, logs and tracks the metrics, consults early
// stopping, and only then writes the epoch checkpoint; an epoch that
// triggers the stop is recorded but never checkpointed. When valLoader is
// nil the train loss doubles as the monitored loss.
//
// On error the returned result still carries the epochs completed so far.
func (t *Trainer) Fit(ctx context.Context, trainLoader, valLoader *DataLoader) (*TrainingResult, error) {
	if trainLoader == nil {
		return nil, fmt.Errorf("train loader cannot be nil")
	}

	var stopper *EarlyStopping
	if t.config.EarlyStopping {
		stopper = NewEarlyStopping(t.config.Patience)
	}

	result := &TrainingResult{
		BestValLoss: math.Inf(1),
		Checkpoints: make([]string, 0),
	}

	for epoch := t.config.StartEpoch; epoch <= t.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		lr := t.baseLR
		if t.config.Scheduler != nil {
			lr = t.config.Scheduler.LearningRate(epoch-1, t.baseLR)
			t.optimizer.SetLearningRate(lr)
		}

		start := time.Now()

		trainLoss, err := t.trainEpoch(ctx, trainLoader, epoch)
		if err != nil {
			return result, fmt.Errorf("epoch %d: %w", epoch, err)
		}

		stats := EpochStats{
			Epoch:        epoch,
			TrainLoss:    trainLoss,
			ValLoss:      trainLoss,
			LearningRate: lr,
		}
		if valLoader != nil {
			report, err := t.evaluate(ctx, valLoader)
			if err != nil {
				return result, fmt.Errorf("epoch %d validation: %w", epoch, err)
			}
			stats.ValLoss = report.Loss
			stats.PixelAccuracy = report.PixelAccuracy
			stats.MeanIoU = report.MeanIoU
		}
		stats.Duration = time.Since(start)
		result.Epochs = append(result.Epochs, stats)

		klog.Infof("Epoch %d/%d - train loss %.4f, val loss %.4f, pixel acc %.4f, mIoU %.4f (%.1fs)",
			epoch, t.config.Epochs, stats.TrainLoss, stats.ValLoss,
			stats.PixelAccuracy, stats.MeanIoU, stats.Duration.Seconds())

		t.trackEpoch(ctx, stats)

		if stats.ValLoss < result.BestValLoss {
			result.BestValLoss = stats.ValLoss
			result.BestEpoch = epoch
		}

		if stopper != nil && stopper.Observe(stats.ValLoss) {
			result.EarlyStopped = true
			klog.Infof("Early stopping at epoch %d (no improvement in %d epochs, best val loss %.4f)",
				epoch, stopper.Patience(), stopper.BestLoss())
			break
		}

		if t.config.Checkpoints != nil {
			path, err := t.config.Checkpoints.Save(epoch, t.model, t.optimizer, stats.TrainLoss, stats.ValLoss)
			if err != nil {
				return result, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			result.Checkpoints = append(result.Checkpoints, path)
			klog.V(1).Infof("Saved checkpoint %s", path)
		}
	}

	return result, nil
}

// trackEpoch forwards epoch metrics to the tracker. Tracking failures are
// logged and swallowed so a dead tracking server cannot kill a run.
func (t *Trainer) trackEpoch(ctx context.Context, stats EpochStats) {
	if t.config.Tracker == nil {
		return
	}

	metrics := map[string]float64{
		"train_loss":     stats.TrainLoss,
		"val_loss":       stats.ValLoss,
		"pixel_accuracy": stats.PixelAccuracy,
		"mean_iou":       stats.MeanIoU,
		"learning_rate":  stats.LearningRate,
	}
	if err := t.config.Tracker.LogEpoch(ctx, stats.Epoch, metrics); err != nil {
		klog.Warningf("Failed to track epoch %d: %v", stats.Epoch, err)
	}
}

// trainEpoch runs one pass over the training loader and returns the mean of
// the per-batch losses.
func (t *Trainer) trainEpoch(ctx context.Context, loader *DataLoader, epoch int) (float64, error) {
	t.model.Train()
	loader.Reset()

	var bar *ProgressBar
	if t.config.Progress {
		bar = NewProgressBar(fmt.Sprintf("Epoch %d/%d", epoch, t.config.Epochs), loader.Len())
	}

	var totalLoss float64
	var batchCount int

	for loader.HasNext() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		batch, err := loader.Next()
		if err != nil {
			return 0, fmt.Errorf("failed to load batch %d: %w", batchCount, err)
		}
		if batch == nil {
			break
		}

		loss, err := t.trainBatch(batch)
		if err != nil {
			return 0, fmt.Errorf("batch %d: %w", batchCount, err)
		}

		totalLoss += loss
		batchCount++

		if bar != nil {
			bar.Update(batchCount, map[string]float64{"loss": totalLoss / float64(batchCount)})
		}
		if t.config.MaxBatches > 0 && batchCount >= t.config.MaxBatches {
			break
		}
	}
	if bar != nil {
		bar.Finish()
	}

	if batchCount == 0 {
		return 0, fmt.Errorf("no batches produced; is the dataset empty?")
	}
	return totalLoss / float64(batchCount), nil
}

// trainBatch runs forward, loss, backward and one optimizer step.
func (t *Trainer) trainBatch(batch *Batch) (float64, error) {
	logits, err := t.model.Forward(batch.Images)
	if err != nil {
		return 0, fmt.Errorf("forward pass failed: %w", err)
	}

	loss, err := t.criterion.Forward(logits, batch.Masks)
	if err != nil {
		return 0, fmt.Errorf("loss computation failed: %w", err)
	}

	gradLogits, err := t.criterion.Backward(logits, batch.Masks)
	if err != nil {
		return 0, fmt.Errorf("loss gradient failed: %w", err)
	}

	t.optimizer.ZeroGrad()
	if err := t.model.Backward(batch.Images, gradLogits); err != nil {
		return 0, fmt.Errorf("backward pass failed: %w", err)
	}
	if err := t.optimizer.Step(); err != nil {
		return 0, fmt.Errorf("optimizer step failed: %w", err)
	}

	return loss, nil
}

// Evaluate runs a full inference pass over the loader and reports loss and
// segmentation metrics. The model is left in evaluation mode.
func (t *Trainer) Evaluate(ctx context.Context, loader *DataLoader) (*EvalReport, error) {
	if loader == nil {
		return nil, fmt.Errorf("loader cannot be nil")
	}
	return t.evaluate(ctx, loader)
}

func (t *Trainer) evaluate(ctx context.Context, loader *DataLoader) (*EvalReport, error) {
	t.model.Eval()
	loader.Reset()

	cm, err := NewConfusionMatrix(t.model.NumClasses(), t.criterion.IgnoreLabel())
	if err != nil {
		return nil, err
	}

	var totalLoss float64
	var batchCount int

	for loader.HasNext() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := loader.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to load batch %d: %w", batchCount, err)
		}
		if batch == nil {
			break
		}

		logits, err := t.model.Forward(batch.Images)
		if err != nil {
			return nil, fmt.Errorf("forward pass failed: %w", err)
		}

		loss, err := t.criterion.Forward(logits, batch.Masks)
		if err != nil {
			return nil, fmt.Errorf("loss computation failed: %w", err)
		}

		predictions, err := Argmax(logits)
		if err != nil {
			return nil, fmt.Errorf("argmax failed: %w", err)
		}
		if err := cm.Update(predictions, batch.Masks); err != nil {
			return nil, fmt.Errorf("metric update failed: %w", err)
		}

		totalLoss += loss
		batchCount++
		if t.config.MaxBatches > 0 && batchCount >= t.config.MaxBatches {
			break
		}
	}

	if batchCount == 0 {
		return nil, fmt.Errorf("no batches produced; is the dataset empty?")
	}

	classIoU := make([]float64, t.model.NumClasses())
	for c := range classIoU {
		if iou, ok := cm.IoU(c); ok {
			classIoU[c] = iou
		} else {
			classIoU[c] = math.NaN()
		}
	}

	return &EvalReport{
		Loss:          totalLoss / float64(batchCount),
		PixelAccuracy: cm.PixelAccuracy(),
		MeanIoU:       cm.MeanIoU(),
		ClassIoU:      classIoU,
		Batches:       batchCount,
	}, nil
}
