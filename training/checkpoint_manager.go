package training

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/segtrain/segtrain/checkpoints"
	"github.com/segtrain/segtrain/model"
	"github.com/segtrain/segtrain/optimizer"
)

// CheckpointConfig configures checkpoint saving behavior.
type CheckpointConfig struct {
	Dir             string                       // Directory to save checkpoints into
	Format          checkpoints.CheckpointFormat // JSON or binary
	FilenamePattern string                       // Pattern with one %d verb for the epoch
	MaxCheckpoints  int                          // Maximum checkpoints to keep (0 = unlimited)
}

// DefaultCheckpointConfig returns the conventional layout: one JSON encoded
// .pt file per epoch, unlimited retention.
func DefaultCheckpointConfig(dir string) CheckpointConfig {
	return CheckpointConfig{
		Dir:             dir,
		Format:          checkpoints.FormatJSON,
		FilenamePattern: "checkpoint_epoch_%d.pt",
		MaxCheckpoints:  0,
	}
}

// CheckpointManager writes one checkpoint per epoch and prunes old files
// when a retention limit is set.
type CheckpointManager struct {
	config     CheckpointConfig
	saver      *checkpoints.CheckpointSaver
	savedFiles []string
}

// NewCheckpointManager creates a checkpoint manager.
func NewCheckpointManager(config CheckpointConfig) (*CheckpointManager, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("checkpoint directory must not be empty")
	}
	if config.FilenamePattern == "" {
		config.FilenamePattern = "checkpoint_epoch_%d.pt"
	}

	return &CheckpointManager{
		config:     config,
		saver:      checkpoints.NewCheckpointSaver(config.Format),
		savedFiles: make([]string, 0),
	}, nil
}

// Dir returns the checkpoint directory.
func (cm *CheckpointManager) Dir() string {
	return cm.config.Dir
}

// Save captures the model and optimizer state after the given epoch and
// writes it to <dir>/<pattern % epoch>. It returns the written path.
func (cm *CheckpointManager) Save(epoch int, m model.Model, opt optimizer.Optimizer, trainLoss, valLoss float64) (string, error) {
	checkpoint, err := checkpoints.FromTraining(epoch, m, opt, trainLoss, valLoss)
	if err != nil {
		return "", fmt.Errorf("failed to create checkpoint: %w", err)
	}

	if err := os.MkdirAll(cm.config.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	path := filepath.Join(cm.config.Dir, fmt.Sprintf(cm.config.FilenamePattern, epoch))
	if err := cm.saver.SaveCheckpoint(checkpoint, path); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}

	cm.savedFiles = append(cm.savedFiles, path)
	if err := cm.cleanupOldCheckpoints(); err != nil {
		// A failed prune must not lose the checkpoint that was just written.
		klog.Warningf("Failed to clean up old checkpoints: %v", err)
	}

	return path, nil
}

// Load reads a checkpoint from disk.
func (cm *CheckpointManager) Load(path string) (*checkpoints.Checkpoint, error) {
	return cm.saver.LoadCheckpoint(path)
}

// Restore loads a checkpoint and applies it to the model and optimizer. It
// returns the epoch the checkpoint was taken after.
func (cm *CheckpointManager) Restore(path string, m model.Model, opt optimizer.Optimizer) (int, error) {
	checkpoint, err := cm.saver.LoadCheckpoint(path)
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := checkpoint.ApplyTo(m, opt); err != nil {
		return 0, fmt.Errorf("failed to restore state: %w", err)
	}
	return checkpoint.Epoch, nil
}

// Latest returns the checkpoint path with the highest epoch number in the
// configured directory, or "" when none exists.
func (cm *CheckpointManager) Latest() (string, int, error) {
	entries, err := os.ReadDir(cm.config.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	bestEpoch := -1
	bestName := ""
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var epoch int
		if _, err := fmt.Sscanf(entry.Name(), cm.config.FilenamePattern, &epoch); err != nil {
			continue
		}
		// Round-trip the name so trailing junk after the pattern is rejected.
		if fmt.Sprintf(cm.config.FilenamePattern, epoch) != entry.Name() {
			continue
		}
		if epoch > bestEpoch {
			bestEpoch = epoch
			bestName = entry.Name()
		}
	}

	if bestEpoch < 0 {
		return "", 0, nil
	}
	return filepath.Join(cm.config.Dir, bestName), bestEpoch, nil
}

// cleanupOldCheckpoints removes the oldest saved files past the retention
// limit.
func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 {
		return nil
	}
	if len(cm.savedFiles) <= cm.config.MaxCheckpoints {
		return nil
	}

	toRemove := len(cm.savedFiles) - cm.config.MaxCheckpoints
	for i := 0; i < toRemove; i++ {
		if err := os.Remove(cm.savedFiles[i]); err != nil {
			return fmt.Errorf("failed to remove old checkpoint %s: %w", cm.savedFiles[i], err)
		}
	}
	cm.savedFiles = cm.savedFiles[toRemove:]

	return nil
}
