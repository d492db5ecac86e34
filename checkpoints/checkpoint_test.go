package checkpoints

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/segtrain/segtrain/model"
	"github.com/segtrain/segtrain/optimizer"
)

func buildTrainedState(t *testing.T) (model.Model, optimizer.Optimizer) {
	t.Helper()
	model.SetSeed(42)
	m, err := model.NewPointwise(4)
	if err != nil {
		t.Fatalf("NewPointwise failed: %v", err)
	}
	opt, err := optimizer.NewSGD(m.Parameters(), optimizer.SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.9,
		WeightDecay:  0.0005,
	})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	// A couple of steps so momentum buffers are non trivial.
	for i := 0; i < 2; i++ {
		for _, p := range m.Parameters() {
			grad, _ := p.Grad.Float32s()
			for j := range grad {
				grad[j] = 0.01 * float32(j+1)
			}
		}
		if err := opt.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
	}

	return m, opt
}

func TestFromTraining(t *testing.T) {
	m, opt := buildTrainedState(t)

	checkpoint, err := FromTraining(3, m, opt, 0.52, 0.61)
	if err != nil {
		t.Fatalf("FromTraining failed: %v", err)
	}

	if checkpoint.Epoch != 3 {
		t.Errorf("Expected epoch 3, got %d", checkpoint.Epoch)
	}
	if checkpoint.TrainLoss != 0.52 || checkpoint.ValLoss != 0.61 {
		t.Errorf("Unexpected losses: train=%f val=%f", checkpoint.TrainLoss, checkpoint.ValLoss)
	}
	if len(checkpoint.ModelStateDict) != 2 {
		t.Fatalf("Expected 2 weight tensors, got %d", len(checkpoint.ModelStateDict))
	}
	// Weights are sorted by name for deterministic serialization.
	if checkpoint.ModelStateDict[0].Name != "bias" || checkpoint.ModelStateDict[1].Name != "weight" {
		t.Errorf("Weights not sorted: %s, %s", checkpoint.ModelStateDict[0].Name, checkpoint.ModelStateDict[1].Name)
	}
	if checkpoint.OptimizerStateDict == nil || checkpoint.OptimizerStateDict.Type != "SGD" {
		t.Error("Expected SGD optimizer state")
	}
	if checkpoint.OptimizerStateDict.StepCount != 2 {
		t.Errorf("Expected step count 2, got %d", checkpoint.OptimizerStateDict.StepCount)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	m, opt := buildTrainedState(t)
	original, err := FromTraining(5, m, opt, 1.25, 1.5)
	if err != nil {
		t.Fatalf("FromTraining failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "checkpoint_epoch_5.pt")
	saver := NewCheckpointSaver(FormatJSON)
	if err := saver.SaveCheckpoint(original, path); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	// The serialized form uses the canonical key names.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read checkpoint: %v", err)
	}
	for _, key := range []string{"epoch", "model_state_dict", "optimizer_state_dict", "train_loss", "val_loss"} {
		if !strings.Contains(string(raw), `"`+key+`"`) {
			t.Errorf("Serialized checkpoint missing key %q", key)
		}
	}

	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	assertCheckpointsEqual(t, original, loaded)
}

func TestBinaryRoundTrip(t *testing.T) {
	m, opt := buildTrainedState(t)
	original, err := FromTraining(7, m, opt, 0.33, 0.44)
	if err != nil {
		t.Fatalf("FromTraining failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "checkpoint_epoch_7.pt")
	saver := NewCheckpointSaver(FormatBinary)
	if err := saver.SaveCheckpoint(original, path); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read checkpoint: %v", err)
	}
	if !strings.HasPrefix(string(raw), binaryMagic) {
		t.Error("Binary checkpoint missing magic header")
	}

	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	assertCheckpointsEqual(t, original, loaded)
}

func TestLoadDetectsFormat(t *testing.T) {
	m, opt := buildTrainedState(t)
	original, err := FromTraining(1, m, opt, 0.9, 0.8)
	if err != nil {
		t.Fatalf("FromTraining failed: %v", err)
	}

	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "json.pt")
	binPath := filepath.Join(dir, "bin.pt")

	if err := NewCheckpointSaver(FormatJSON).SaveCheckpoint(original, jsonPath); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if err := NewCheckpointSaver(FormatBinary).SaveCheckpoint(original, binPath); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	// A JSON configured saver must still open a binary file and vice versa.
	fromBin, err := NewCheckpointSaver(FormatJSON).LoadCheckpoint(binPath)
	if err != nil {
		t.Fatalf("JSON saver failed to load binary file: %v", err)
	}
	assertCheckpointsEqual(t, original, fromBin)

	fromJSON, err := NewCheckpointSaver(FormatBinary).LoadCheckpoint(jsonPath)
	if err != nil {
		t.Fatalf("Binary saver failed to load JSON file: %v", err)
	}
	assertCheckpointsEqual(t, original, fromJSON)
}

func TestApplyTo(t *testing.T) {
	m, opt := buildTrainedState(t)
	checkpoint, err := FromTraining(2, m, opt, 0.5, 0.6)
	if err != nil {
		t.Fatalf("FromTraining failed: %v", err)
	}

	model.SetSeed(99)
	fresh, err := model.NewPointwise(4)
	if err != nil {
		t.Fatalf("NewPointwise failed: %v", err)
	}
	freshOpt, err := optimizer.NewSGD(fresh.Parameters(), optimizer.SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.9,
		WeightDecay:  0.0005,
	})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}

	if err := checkpoint.ApplyTo(fresh, freshOpt); err != nil {
		t.Fatalf("ApplyTo failed: %v", err)
	}

	origW, _ := m.Parameters()[0].Data.Float32s()
	freshW, _ := fresh.Parameters()[0].Data.Float32s()
	for i := range origW {
		if origW[i] != freshW[i] {
			t.Fatalf("Weight %d differs after restore: %f vs %f", i, origW[i], freshW[i])
		}
	}
	if freshOpt.GetStepCount() != opt.GetStepCount() {
		t.Errorf("Step count not restored: %d vs %d", freshOpt.GetStepCount(), opt.GetStepCount())
	}
}

func TestApplyToShapeMismatch(t *testing.T) {
	m, opt := buildTrainedState(t)
	checkpoint, err := FromTraining(2, m, opt, 0.5, 0.6)
	if err != nil {
		t.Fatalf("FromTraining failed: %v", err)
	}

	model.SetSeed(1)
	other, err := model.NewPointwise(7)
	if err != nil {
		t.Fatalf("NewPointwise failed: %v", err)
	}
	if err := checkpoint.ApplyTo(other, nil); err == nil {
		t.Error("Expected error restoring into a model with different shapes")
	}
}

func TestUnmarshalBinaryRejectsGarbage(t *testing.T) {
	if _, err := unmarshalBinary([]byte("not a checkpoint")); err == nil {
		t.Error("Expected error for missing header")
	}
	if _, err := unmarshalBinary([]byte(binaryMagic + "\xff\xff\xff")); err == nil {
		t.Error("Expected error for corrupt payload")
	}
}

func assertCheckpointsEqual(t *testing.T, want, got *Checkpoint) {
	t.Helper()

	if got.Epoch != want.Epoch {
		t.Errorf("Epoch: expected %d, got %d", want.Epoch, got.Epoch)
	}
	if math.Abs(got.TrainLoss-want.TrainLoss) > 1e-12 {
		t.Errorf("TrainLoss: expected %f, got %f", want.TrainLoss, got.TrainLoss)
	}
	if math.Abs(got.ValLoss-want.ValLoss) > 1e-12 {
		t.Errorf("ValLoss: expected %f, got %f", want.ValLoss, got.ValLoss)
	}

	if len(got.ModelStateDict) != len(want.ModelStateDict) {
		t.Fatalf("Weight count: expected %d, got %d", len(want.ModelStateDict), len(got.ModelStateDict))
	}
	for i, w := range want.ModelStateDict {
		g := got.ModelStateDict[i]
		if g.Name != w.Name {
			t.Errorf("Weight %d name: expected %s, got %s", i, w.Name, g.Name)
		}
		if len(g.Data) != len(w.Data) {
			t.Fatalf("Weight %s data length: expected %d, got %d", w.Name, len(w.Data), len(g.Data))
		}
		for j := range w.Data {
			if g.Data[j] != w.Data[j] {
				t.Fatalf("Weight %s data[%d]: expected %f, got %f", w.Name, j, w.Data[j], g.Data[j])
			}
		}
	}

	if (got.OptimizerStateDict == nil) != (want.OptimizerStateDict == nil) {
		t.Fatal("Optimizer state presence differs")
	}
	if want.OptimizerStateDict != nil {
		if got.OptimizerStateDict.Type != want.OptimizerStateDict.Type {
			t.Errorf("Optimizer type: expected %s, got %s", want.OptimizerStateDict.Type, got.OptimizerStateDict.Type)
		}
		if got.OptimizerStateDict.StepCount != want.OptimizerStateDict.StepCount {
			t.Errorf("Step count: expected %d, got %d", want.OptimizerStateDict.StepCount, got.OptimizerStateDict.StepCount)
		}
		if len(got.OptimizerStateDict.StateData) != len(want.OptimizerStateDict.StateData) {
			t.Fatalf("State tensor count: expected %d, got %d",
				len(want.OptimizerStateDict.StateData), len(got.OptimizerStateDict.StateData))
		}
	}
}
