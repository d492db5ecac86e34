package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/segtrain/segtrain/dataset"
	"github.com/segtrain/segtrain/tracking"
	"github.com/segtrain/segtrain/transform"
)

func vocPalette() color.Palette {
	cmap := transform.Colormap()
	palette := make(color.Palette, 256)
	for i, c := range cmap {
		palette[i] = color.RGBA{R: c[0], G: c[1], B: c[2], A: 255}
	}
	return palette
}

func writeJPEG(t *testing.T, path string, size int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 30), B: 100, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, nil); err != nil {
		t.Fatalf("failed to encode %s: %v", path, err)
	}
}

func writeMaskPNG(t *testing.T, path string, size int, class uint8) {
	t.Helper()
	mask := image.NewPaletted(image.Rect(0, 0, size, size), vocPalette())
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			mask.SetColorIndex(x, y, class)
		}
	}
	mask.SetColorIndex(0, 0, 255)

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, mask); err != nil {
		t.Fatalf("failed to encode %s: %v", path, err)
	}
}

// writeVOCFixture lays out a miniature VOCdevkit tree with both a train and
// a val split.
func writeVOCFixture(t *testing.T, root string, trainNames, valNames []string, size int) {
	t.Helper()
	base := filepath.Join(root, "VOCdevkit", "VOC2012")
	imgDir := filepath.Join(base, "JPEGImages")
	maskDir := filepath.Join(base, "SegmentationClass")
	setDir := filepath.Join(base, "ImageSets", "Segmentation")
	for _, dir := range []string{imgDir, maskDir, setDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("failed to create %s: %v", dir, err)
		}
	}

	names := append(append([]string{}, trainNames...), valNames...)
	for i, name := range names {
		writeJPEG(t, filepath.Join(imgDir, name+".jpg"), size)
		writeMaskPNG(t, filepath.Join(maskDir, name+".png"), size, uint8(1+i%(dataset.NumClasses-1)))
	}

	splits := map[string][]string{"train": trainNames, "val": valNames}
	for split, members := range splits {
		list := strings.Join(members, "\n") + "\n"
		if err := os.WriteFile(filepath.Join(setDir, split+".txt"), []byte(list), 0o644); err != nil {
			t.Fatalf("failed to write %s split: %v", split, err)
		}
	}
}

// testConfig returns a config sized for the fixture: 8x8 images, two epochs,
// artifacts under the test's temp directory.
func testConfig(t *testing.T) Config {
	t.Helper()
	root := t.TempDir()
	writeVOCFixture(t, root,
		[]string{"2007_000027", "2007_000032", "2007_000039", "2007_000042"},
		[]string{"2007_000061", "2007_000063"},
		8)

	config := DefaultConfig()
	config.Root = root
	config.ImageSize = 8
	config.TrainBatchSize = 2
	config.ValBatchSize = 2
	config.Epochs = 2
	config.LogDir = filepath.Join(t.TempDir(), "logs")
	return config
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.Epochs = 0
	if _, err := New(config); err == nil {
		t.Fatal("Expected an error for an invalid config")
	}
}

func TestPipelineRunOffline(t *testing.T) {
	config := testConfig(t)

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.Epochs) != 2 {
		t.Fatalf("Expected 2 epochs, got %d", len(result.Epochs))
	}
	for i, stats := range result.Epochs {
		if stats.Epoch != i+1 {
			t.Errorf("Epoch %d numbered %d", i, stats.Epoch)
		}
		if math.IsNaN(stats.TrainLoss) || math.IsNaN(stats.ValLoss) {
			t.Errorf("Epoch %d produced NaN losses: %+v", stats.Epoch, stats)
		}
	}
	if result.BestEpoch < 1 || result.BestEpoch > 2 {
		t.Errorf("Best epoch %d out of range", result.BestEpoch)
	}

	for epoch := 1; epoch <= 2; epoch++ {
		path := filepath.Join(config.LogDir, fmt.Sprintf("checkpoint_epoch_%d.pt", epoch))
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Missing checkpoint for epoch %d: %v", epoch, err)
		}
	}
	if len(result.Checkpoints) != 2 {
		t.Errorf("Expected 2 recorded checkpoints, got %v", result.Checkpoints)
	}
}

func TestPipelineRunWritesPanel(t *testing.T) {
	config := testConfig(t)
	config.Epochs = 1
	config.PanelPath = filepath.Join(t.TempDir(), "panels", "run.png")

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	f, err := os.Open(config.PanelPath)
	if err != nil {
		t.Fatalf("Panel missing: %v", err)
	}
	defer f.Close()
	decoded, err := png.Decode(f)
	if err != nil {
		t.Fatalf("Panel is not a valid PNG: %v", err)
	}
	if decoded.Bounds().Dy() != 8 {
		t.Errorf("Unexpected panel height %d", decoded.Bounds().Dy())
	}
}

func TestPipelineRunResume(t *testing.T) {
	config := testConfig(t)
	config.Epochs = 1

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	config.Epochs = 2
	config.Resume = true
	p, err = New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Resumed run failed: %v", err)
	}

	if len(result.Epochs) != 1 || result.Epochs[0].Epoch != 2 {
		t.Fatalf("Expected the resumed run to train epoch 2 only, got %+v", result.Epochs)
	}
	if _, err := os.Stat(filepath.Join(config.LogDir, "checkpoint_epoch_2.pt")); err != nil {
		t.Errorf("Missing epoch 2 checkpoint: %v", err)
	}
}

func TestPipelineRunTracksEpochs(t *testing.T) {
	store, err := tracking.OpenStore(":memory:")
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	server, err := tracking.NewServer(store)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	config := testConfig(t)
	config.TrackingURL = ts.URL
	config.RunName = "fixture-run"

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	runs, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected 1 tracked run, got %d", len(runs))
	}
	run := runs[0]
	if run.Project != "semantic-segmentation" || run.Name != "fixture-run" {
		t.Errorf("Unexpected run identity: project=%s name=%s", run.Project, run.Name)
	}
	if run.Status != tracking.StatusFinished {
		t.Errorf("Run status %q, want %q", run.Status, tracking.StatusFinished)
	}
	if run.Config["num_epochs"] != 2.0 {
		t.Errorf("Tracked num_epochs = %v, want 2", run.Config["num_epochs"])
	}
	if run.Environment == nil || run.Environment.GoVersion == "" {
		t.Error("Run environment was not captured")
	}

	logs, err := store.Logs(run.ID)
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("Expected 2 logged epochs, got %d", len(logs))
	}
	for i, entry := range logs {
		if entry.Epoch != i+1 {
			t.Errorf("Log %d carries epoch %d", i, entry.Epoch)
		}
		for _, key := range []string{"train_loss", "val_loss"} {
			if _, ok := entry.Metrics[key]; !ok {
				t.Errorf("Log %d is missing %q", i, key)
			}
		}
	}
}

func TestPipelineRunContinuesWhenTrackerUnreachable(t *testing.T) {
	config := testConfig(t)
	config.Epochs = 1
	// Nothing listens on this port.
	config.TrackingURL = "http://127.0.0.1:1"

	p, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run should continue offline, got: %v", err)
	}
	if len(result.Epochs) != 1 {
		t.Errorf("Expected 1 epoch, got %d", len(result.Epochs))
	}
}
