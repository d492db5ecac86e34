// Package pipeline wires dataset, model, optimizer, trainer and tracking
// into one reproducible semantic segmentation run.
package pipeline

import (
	"fmt"

	"github.com/segtrain/segtrain/dataset"
	"github.com/segtrain/segtrain/model"
	"github.com/segtrain/segtrain/training"
)

// Config captures every knob of a training run.
type Config struct {
	// Dataset.
	Root      string // directory holding (or receiving) the VOCdevkit tree
	Year      string // VOC release, "2007" through "2012"
	Download  bool   // fetch the archive when the layout is missing
	ImageSize int    // square side images and masks are resized to

	// Model and optimization.
	Arch         string
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Schedule     string // "constant", "step", "cosine", or "poly"

	// Loop shape.
	TrainBatchSize int
	ValBatchSize   int
	Epochs         int
	Patience       int // epochs without val improvement before stopping; 0 disables
	Seed           int64
	NumWorkers     int // concurrent sample loads per batch; 0 loads inline
	Progress       bool

	// Artifacts.
	LogDir         string // receives the per-epoch checkpoint files
	MaxCheckpoints int    // newest checkpoints kept on disk; 0 keeps all
	Resume         bool   // restore the newest checkpoint before training
	PanelPath      string // write an image|truth|prediction panel here after training

	// Experiment tracking.
	TrackingURL     string // empty trains offline
	TrackingProject string
	RunName         string
}

// DefaultConfig returns the stock VOC 2012 setup: pointwise model, SGD with
// lr 0.01, momentum 0.9 and weight decay 5e-4, 10 epochs with patience 5.
func DefaultConfig() Config {
	return Config{
		Root:            "./data",
		Year:            "2012",
		ImageSize:       224,
		Arch:            "pointwise",
		LearningRate:    0.01,
		Momentum:        0.9,
		WeightDecay:     0.0005,
		Schedule:        "constant",
		TrainBatchSize:  64,
		ValBatchSize:    64,
		Epochs:          10,
		Patience:        5,
		Seed:            42,
		LogDir:          "logs",
		TrackingProject: "semantic-segmentation",
	}
}

// Validate verifies the config is runnable before any artifact is touched.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root must be set")
	}
	if !dataset.SupportedYear(c.Year) {
		return fmt.Errorf("unsupported year %q, expected 2007 through 2012", c.Year)
	}
	if c.ImageSize <= 0 {
		return fmt.Errorf("image size must be > 0 (got %d)", c.ImageSize)
	}
	known := false
	for _, name := range model.Architectures() {
		if name == c.Arch {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown architecture %q, expected one of %v", c.Arch, model.Architectures())
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return fmt.Errorf("momentum must be in [0, 1) (got %g)", c.Momentum)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight decay must be >= 0 (got %g)", c.WeightDecay)
	}
	switch c.Schedule {
	case "", "constant", "step", "cosine", "poly":
	default:
		return fmt.Errorf("unknown schedule %q, expected constant, step, cosine, or poly", c.Schedule)
	}
	if c.TrainBatchSize <= 0 {
		return fmt.Errorf("train batch size must be > 0 (got %d)", c.TrainBatchSize)
	}
	if c.ValBatchSize <= 0 {
		return fmt.Errorf("val batch size must be > 0 (got %d)", c.ValBatchSize)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.Patience < 0 {
		return fmt.Errorf("patience must be >= 0 (got %d)", c.Patience)
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("num workers must be >= 0 (got %d)", c.NumWorkers)
	}
	if c.LogDir == "" {
		return fmt.Errorf("log dir must be set")
	}
	if c.MaxCheckpoints < 0 {
		return fmt.Errorf("max checkpoints must be >= 0 (got %d)", c.MaxCheckpoints)
	}
	return nil
}

// trackingConfig is the config dictionary attached to the tracking run.
func (c *Config) trackingConfig() map[string]interface{} {
	return map[string]interface{}{
		"root":             c.Root,
		"year":             c.Year,
		"train_batch_size": c.TrainBatchSize,
		"val_batch_size":   c.ValBatchSize,
		"num_epochs":       c.Epochs,
		"seed":             c.Seed,
		"log_dir":          c.LogDir,
	}
}

// scheduler maps the configured schedule name to an LRScheduler. The
// constant schedule needs none.
func (c *Config) scheduler() training.LRScheduler {
	switch c.Schedule {
	case "step":
		return training.NewStepLR(c.Epochs/3, 0.1)
	case "cosine":
		return training.NewCosineAnnealingLR(c.Epochs, 0)
	case "poly":
		return training.NewPolyLR(c.Epochs, 0.9)
	default:
		return nil
	}
}
