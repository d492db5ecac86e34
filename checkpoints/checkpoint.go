// Package checkpoints serializes training snapshots. A checkpoint carries
// the epoch, the model and optimizer state, and the epoch's train and
// validation losses, in either a human readable JSON form or a compact
// binary form.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/segtrain/segtrain/model"
	"github.com/segtrain/segtrain/optimizer"
	"github.com/segtrain/segtrain/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Checkpoint represents a complete training snapshot: model weights,
// optimizer state, and the losses recorded for the epoch that produced it.
type Checkpoint struct {
	Epoch              int              `json:"epoch"`
	ModelStateDict     []WeightTensor   `json:"model_state_dict"`
	OptimizerStateDict *optimizer.State `json:"optimizer_state_dict,omitempty"`
	TrainLoss          float64          `json:"train_loss"`
	ValLoss            float64          `json:"val_loss"`
}

// FromTraining captures the current model and optimizer state into a
// checkpoint. Weights are listed in sorted name order so identical states
// always serialize identically.
func FromTraining(epoch int, m model.Model, opt optimizer.Optimizer, trainLoss, valLoss float64) (*Checkpoint, error) {
	if m == nil {
		return nil, fmt.Errorf("model is required")
	}

	state := model.StateDict(m)
	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)

	checkpoint := &Checkpoint{
		Epoch:     epoch,
		TrainLoss: trainLoss,
		ValLoss:   valLoss,
	}
	for _, name := range names {
		t := state[name]
		data, err := t.Float32s()
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		checkpoint.ModelStateDict = append(checkpoint.ModelStateDict, WeightTensor{
			Name:  name,
			Shape: append([]int(nil), t.Shape...),
			Data:  data,
		})
	}

	if opt != nil {
		optState, err := opt.GetState()
		if err != nil {
			return nil, fmt.Errorf("failed to capture optimizer state: %w", err)
		}
		checkpoint.OptimizerStateDict = optState
	}

	return checkpoint, nil
}

// ApplyTo restores the checkpoint into a model and, when both sides carry
// optimizer state, into the optimizer.
func (c *Checkpoint) ApplyTo(m model.Model, opt optimizer.Optimizer) error {
	if m == nil {
		return fmt.Errorf("model is required")
	}

	state := make(map[string]*tensor.Tensor, len(c.ModelStateDict))
	for _, w := range c.ModelStateDict {
		t, err := tensor.NewTensor(w.Shape, tensor.Float32, w.Data)
		if err != nil {
			return fmt.Errorf("parameter %s: %w", w.Name, err)
		}
		state[w.Name] = t
	}
	if err := model.LoadStateDict(m, state); err != nil {
		return err
	}

	if opt != nil && c.OptimizerStateDict != nil {
		if err := opt.LoadState(c.OptimizerStateDict); err != nil {
			return fmt.Errorf("failed to restore optimizer state: %w", err)
		}
	}

	return nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatBinary:
		return cs.saveBinary(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint, detecting the on disk format
// from the file header regardless of the saver's configured format.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	isBinary, err := sniffBinary(path)
	if err != nil {
		return nil, err
	}
	if isBinary {
		return cs.loadBinary(path)
	}
	return cs.loadJSON(path)
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	decoder := json.NewDecoder(file)

	if err := decoder.Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	return &checkpoint, nil
}

// saveBinary saves checkpoint in the binary wire format
func (cs *CheckpointSaver) saveBinary(checkpoint *Checkpoint, path string) error {
	data, err := marshalBinary(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

// loadBinary loads checkpoint from the binary wire format
func (cs *CheckpointSaver) loadBinary(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	checkpoint, err := unmarshalBinary(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return checkpoint, nil
}

// sniffBinary reports whether the file starts with the binary magic header.
func sniffBinary(path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	header := make([]byte, len(binaryMagic))
	n, err := file.Read(header)
	if err != nil || n < len(binaryMagic) {
		return false, nil
	}
	return string(header) == binaryMagic, nil
}
