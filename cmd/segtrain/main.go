// Command segtrain trains a semantic segmentation model on PASCAL VOC.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/segtrain/segtrain/pipeline"
)

func main() {
	defaults := pipeline.DefaultConfig()

	root := flag.String("root", defaults.Root, "directory holding (or receiving) the VOCdevkit tree")
	year := flag.String("year", defaults.Year, "VOC release year")
	download := flag.Bool("download", false, "download the VOC archive when the layout is missing")
	imageSize := flag.Int("image-size", defaults.ImageSize, "square side images and masks are resized to")
	arch := flag.String("arch", defaults.Arch, "model architecture")
	lr := flag.Float64("lr", defaults.LearningRate, "SGD learning rate")
	momentum := flag.Float64("momentum", defaults.Momentum, "SGD momentum")
	weightDecay := flag.Float64("weight-decay", defaults.WeightDecay, "SGD weight decay")
	schedule := flag.String("schedule", defaults.Schedule, "learning rate schedule: constant, step, cosine or poly")
	trainBatch := flag.Int("train-batch-size", defaults.TrainBatchSize, "training batch size")
	valBatch := flag.Int("val-batch-size", defaults.ValBatchSize, "validation batch size")
	epochs := flag.Int("epochs", defaults.Epochs, "number of training epochs")
	patience := flag.Int("patience", defaults.Patience, "epochs without val improvement before stopping; 0 disables")
	seed := flag.Int64("seed", defaults.Seed, "PRNG seed")
	numWorkers := flag.Int("num-workers", defaults.NumWorkers, "concurrent sample loads per batch; 0 loads inline")
	progress := flag.Bool("progress", true, "render a per-batch progress bar")
	logDir := flag.String("log-dir", defaults.LogDir, "directory receiving per-epoch checkpoints")
	maxCheckpoints := flag.Int("max-checkpoints", defaults.MaxCheckpoints, "newest checkpoints kept on disk; 0 keeps all")
	resume := flag.Bool("resume", false, "restore the newest checkpoint before training")
	panelPath := flag.String("panel", "", "write an image|truth|prediction panel here after training")
	trackingURL := flag.String("tracking-url", "", "experiment tracking server URL; empty trains offline")
	project := flag.String("project", defaults.TrackingProject, "tracking project name")
	runName := flag.String("run-name", "", "tracking run name; empty lets the server pick one")

	klog.InitFlags(nil)
	flag.Parse()

	config := pipeline.Config{
		Root:            *root,
		Year:            *year,
		Download:        *download,
		ImageSize:       *imageSize,
		Arch:            *arch,
		LearningRate:    *lr,
		Momentum:        *momentum,
		WeightDecay:     *weightDecay,
		Schedule:        *schedule,
		TrainBatchSize:  *trainBatch,
		ValBatchSize:    *valBatch,
		Epochs:          *epochs,
		Patience:        *patience,
		Seed:            *seed,
		NumWorkers:      *numWorkers,
		Progress:        *progress,
		LogDir:          *logDir,
		MaxCheckpoints:  *maxCheckpoints,
		Resume:          *resume,
		PanelPath:       *panelPath,
		TrackingURL:     *trackingURL,
		TrackingProject: *project,
		RunName:         *runName,
	}

	p, err := pipeline.New(config)
	if err != nil {
		klog.Exitf("Invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := p.Run(ctx)
	if err != nil {
		klog.Exitf("Training failed: %v", err)
	}

	klog.Infof("Training complete: best val loss %.4f at epoch %d", result.BestValLoss, result.BestEpoch)
	if result.EarlyStopped {
		klog.Infof("Stopped early after %d epochs", len(result.Epochs))
	}
	klog.Flush()
}
