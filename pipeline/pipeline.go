package pipeline

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/segtrain/segtrain/dataset"
	"github.com/segtrain/segtrain/model"
	"github.com/segtrain/segtrain/optimizer"
	"github.com/segtrain/segtrain/tracking"
	"github.com/segtrain/segtrain/training"
	"github.com/segtrain/segtrain/transform"
	"github.com/segtrain/segtrain/visualize"
)

// Pipeline executes a full training run from a validated Config.
type Pipeline struct {
	config Config
}

// New validates config and returns a runnable pipeline.
func New(config Config) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	return &Pipeline{config: config}, nil
}

// runTracker adapts a tracking run to the trainer's Tracker. Only the two
// losses travel to the server.
type runTracker struct {
	run *tracking.Run
}

func (t runTracker) LogEpoch(ctx context.Context, epoch int, metrics map[string]float64) error {
	return t.run.LogEpoch(ctx, epoch, metrics["train_loss"], metrics["val_loss"])
}

// Run seeds the model, loads both dataset splits, trains with early stopping
// and per-epoch checkpoints, and reports every epoch to the tracking run.
func (p *Pipeline) Run(ctx context.Context) (*training.TrainingResult, error) {
	cfg := p.config
	model.SetSeed(cfg.Seed)

	tf := transform.NewCompose(transform.NewResize(cfg.ImageSize, cfg.ImageSize))

	klog.Infof("Loading VOC %s from %s", cfg.Year, cfg.Root)
	trainData, err := dataset.NewVOCSegmentation(dataset.VOCConfig{
		Root:      cfg.Root,
		Year:      cfg.Year,
		ImageSet:  "train",
		Download:  cfg.Download,
		Transform: tf,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open training split: %w", err)
	}
	valData, err := dataset.NewVOCSegmentation(dataset.VOCConfig{
		Root:      cfg.Root,
		Year:      cfg.Year,
		ImageSet:  "val",
		Transform: tf,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open validation split: %w", err)
	}
	klog.Infof("Train samples: %d, val samples: %d", trainData.Len(), valData.Len())

	trainLoader := training.NewDataLoader(trainData, training.DataLoaderConfig{
		BatchSize:  cfg.TrainBatchSize,
		Shuffle:    true,
		Seed:       cfg.Seed,
		NumWorkers: cfg.NumWorkers,
	})
	valLoader := training.NewDataLoader(valData, training.DataLoaderConfig{
		BatchSize:  cfg.ValBatchSize,
		NumWorkers: cfg.NumWorkers,
	})

	m, err := model.Build(cfg.Arch, dataset.NumClasses)
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}
	criterion := training.NewCrossEntropyLoss(dataset.IgnoreIndex)
	opt, err := optimizer.NewSGD(m.Parameters(), optimizer.SGDConfig{
		LearningRate: cfg.LearningRate,
		Momentum:     cfg.Momentum,
		WeightDecay:  cfg.WeightDecay,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %w", err)
	}

	checkpointConfig := training.DefaultCheckpointConfig(cfg.LogDir)
	checkpointConfig.MaxCheckpoints = cfg.MaxCheckpoints
	checkpoints, err := training.NewCheckpointManager(checkpointConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint manager: %w", err)
	}

	startEpoch := 1
	if cfg.Resume {
		path, epoch, err := checkpoints.Latest()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s for checkpoints: %w", cfg.LogDir, err)
		}
		if path != "" {
			if _, err := checkpoints.Restore(path, m, opt); err != nil {
				return nil, fmt.Errorf("failed to restore %s: %w", path, err)
			}
			startEpoch = epoch + 1
			klog.Infof("Resumed from %s at epoch %d", path, epoch)
		}
	}

	run, err := p.initTracking(ctx)
	if err != nil {
		return nil, err
	}

	trainer, err := training.NewTrainer(m, opt, criterion, training.TrainerConfig{
		Epochs:        cfg.Epochs,
		StartEpoch:    startEpoch,
		EarlyStopping: cfg.Patience > 0,
		Patience:      cfg.Patience,
		Scheduler:     cfg.scheduler(),
		Checkpoints:   checkpoints,
		Tracker:       runTracker{run: run},
		Progress:      cfg.Progress,
	})
	if err != nil {
		if ferr := run.Finish(ctx, err); ferr != nil {
			klog.Warningf("Failed to finish tracking run: %v", ferr)
		}
		return nil, err
	}

	result, trainErr := trainer.Fit(ctx, trainLoader, valLoader)

	// The run still gets its terminal status when training was cancelled.
	finishCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finishCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := run.Finish(finishCtx, trainErr); err != nil {
		klog.Warningf("Failed to finish tracking run: %v", err)
	}
	if trainErr != nil {
		return result, trainErr
	}

	if cfg.PanelPath != "" {
		if err := p.renderPanel(m, valData, cfg.PanelPath); err != nil {
			klog.Warningf("Failed to render panel: %v", err)
		} else {
			klog.Infof("Wrote panel to %s", cfg.PanelPath)
		}
	}
	return result, nil
}

// initTracking creates the tracking run. An unreachable server downgrades
// the run to offline mode.
func (p *Pipeline) initTracking(ctx context.Context) (*tracking.Run, error) {
	client := tracking.NewClient(tracking.ClientConfig{BaseURL: p.config.TrackingURL})
	if client.Enabled() {
		if err := client.Health(ctx); err != nil {
			klog.Warningf("Tracking server %s unreachable, continuing offline: %v", p.config.TrackingURL, err)
			client = tracking.NewClient(tracking.ClientConfig{})
		}
	}
	run, err := client.Init(ctx, p.config.TrackingProject, p.config.RunName, p.config.trackingConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create tracking run: %w", err)
	}
	if run.ID() != "" {
		klog.Infof("Tracking run %s in project %s", run.ID(), p.config.TrackingProject)
	}
	return run, nil
}

// renderPanel writes an image|truth|prediction panel for the first
// validation sample.
func (p *Pipeline) renderPanel(m model.Model, data *dataset.VOCSegmentation, path string) error {
	img, mask, err := data.Get(0)
	if err != nil {
		return err
	}
	m.Eval()
	logits, err := m.Forward(img)
	if err != nil {
		return err
	}
	pred, err := training.Argmax(logits)
	if err != nil {
		return err
	}
	return visualize.SavePanel(path, img, mask, pred)
}
