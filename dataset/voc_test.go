package dataset

import (
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

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
	// Top left pixel carries the boundary label so every sample exercises
	// the ignore index.
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

func writeVOCFixture(t *testing.T, root string, names []string, size int) {
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

	for i, name := range names {
		writeJPEG(t, filepath.Join(imgDir, name+".jpg"), size)
		writeMaskPNG(t, filepath.Join(maskDir, name+".png"), size, uint8(1+i%(NumClasses-1)))
	}

	list := strings.Join(names, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(setDir, "train.txt"), []byte(list), 0o644); err != nil {
		t.Fatalf("failed to write split file: %v", err)
	}
}

func TestNewVOCSegmentation(t *testing.T) {
	root := t.TempDir()
	writeVOCFixture(t, root, []string{"2007_000027", "2007_000032", "2007_000039"}, 8)

	d, err := NewVOCSegmentation(VOCConfig{Root: root, Year: "2012", ImageSet: "train"})
	if err != nil {
		t.Fatalf("NewVOCSegmentation failed: %v", err)
	}

	if d.Len() != 3 {
		t.Errorf("Expected 3 samples, got %d", d.Len())
	}
	if d.Year() != "2012" || d.ImageSet() != "train" {
		t.Errorf("Unexpected metadata: year=%s set=%s", d.Year(), d.ImageSet())
	}

	img, mask, err := d.Get(0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(img.Shape) != 3 || img.Shape[0] != 3 || img.Shape[1] != 8 || img.Shape[2] != 8 {
		t.Errorf("Expected image shape [3 8 8], got %v", img.Shape)
	}
	if len(mask.Shape) != 2 || mask.Shape[0] != 8 || mask.Shape[1] != 8 {
		t.Errorf("Expected mask shape [8 8], got %v", mask.Shape)
	}

	classes, err := mask.Int32s()
	if err != nil {
		t.Fatalf("Int32s failed: %v", err)
	}
	if classes[0] != IgnoreIndex {
		t.Errorf("Expected boundary pixel %d at top left, got %d", IgnoreIndex, classes[0])
	}
	if classes[1] != 1 {
		t.Errorf("Expected class 1, got %d", classes[1])
	}

	pixels, err := img.Float32s()
	if err != nil {
		t.Fatalf("Float32s failed: %v", err)
	}
	for i, v := range pixels {
		if v < 0 || v > 1 {
			t.Fatalf("Pixel %d outside [0, 1]: %f", i, v)
		}
	}
}

func TestGetWithTransform(t *testing.T) {
	root := t.TempDir()
	writeVOCFixture(t, root, []string{"a", "b"}, 10)

	d, err := NewVOCSegmentation(VOCConfig{
		Root:      root,
		Transform: transform.NewResize(4, 6),
	})
	if err != nil {
		t.Fatalf("NewVOCSegmentation failed: %v", err)
	}

	img, mask, err := d.Get(1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if img.Shape[1] != 4 || img.Shape[2] != 6 {
		t.Errorf("Expected image shape [3 4 6], got %v", img.Shape)
	}
	if mask.Shape[0] != 4 || mask.Shape[1] != 6 {
		t.Errorf("Expected mask shape [4 6], got %v", mask.Shape)
	}
}

func TestGetOutOfRange(t *testing.T) {
	root := t.TempDir()
	writeVOCFixture(t, root, []string{"a"}, 4)

	d, err := NewVOCSegmentation(VOCConfig{Root: root})
	if err != nil {
		t.Fatalf("NewVOCSegmentation failed: %v", err)
	}
	if _, _, err := d.Get(-1); err == nil {
		t.Error("Expected error for negative index")
	}
	if _, _, err := d.Get(1); err == nil {
		t.Error("Expected error for index past the end")
	}
}

func TestConfigValidation(t *testing.T) {
	root := t.TempDir()
	writeVOCFixture(t, root, []string{"a"}, 4)

	if _, err := NewVOCSegmentation(VOCConfig{Root: root, Year: "1999"}); err == nil {
		t.Error("Expected error for unsupported year")
	}
	if _, err := NewVOCSegmentation(VOCConfig{Root: root, ImageSet: "test2"}); err == nil {
		t.Error("Expected error for unsupported image set")
	}
	if _, err := NewVOCSegmentation(VOCConfig{}); err == nil {
		t.Error("Expected error for missing root")
	}
	if _, err := NewVOCSegmentation(VOCConfig{Root: filepath.Join(root, "nowhere")}); err == nil {
		t.Error("Expected error when layout is missing")
	}
}

func TestMissingMask(t *testing.T) {
	root := t.TempDir()
	writeVOCFixture(t, root, []string{"a", "b"}, 4)
	maskPath := filepath.Join(root, "VOCdevkit", "VOC2012", "SegmentationClass", "b.png")
	if err := os.Remove(maskPath); err != nil {
		t.Fatalf("failed to remove mask: %v", err)
	}

	if _, err := NewVOCSegmentation(VOCConfig{Root: root}); err == nil {
		t.Error("Expected error for missing mask file")
	}
}

func TestSplitAndSubset(t *testing.T) {
	root := t.TempDir()
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	writeVOCFixture(t, root, names, 4)

	d, err := NewVOCSegmentation(VOCConfig{Root: root})
	if err != nil {
		t.Fatalf("NewVOCSegmentation failed: %v", err)
	}

	train, val := d.Split(0.8, 42)
	if train.Len() != 8 || val.Len() != 2 {
		t.Fatalf("Expected 8/2 split, got %d/%d", train.Len(), val.Len())
	}

	// Same seed gives the same split.
	train2, _ := d.Split(0.8, 42)
	for i := 0; i < train.Len(); i++ {
		p1, _, _ := train.Paths(i)
		p2, _, _ := train2.Paths(i)
		if p1 != p2 {
			t.Fatalf("Split with the same seed differs at %d: %s vs %s", i, p1, p2)
		}
	}

	// Train and val must not share samples.
	seen := make(map[string]bool)
	for i := 0; i < train.Len(); i++ {
		p, _, _ := train.Paths(i)
		seen[p] = true
	}
	for i := 0; i < val.Len(); i++ {
		p, _, _ := val.Paths(i)
		if seen[p] {
			t.Fatalf("Sample %s appears in both splits", p)
		}
	}

	sub := d.Subset([]int{0, 2, 4})
	if sub.Len() != 3 {
		t.Errorf("Expected subset of 3, got %d", sub.Len())
	}
	want, _, _ := d.Paths(2)
	got, _, _ := sub.Paths(1)
	if got != want {
		t.Errorf("Subset index 1: expected %s, got %s", want, got)
	}
}

func TestVerify(t *testing.T) {
	root := t.TempDir()
	writeVOCFixture(t, root, []string{"a", "b"}, 6)

	d, err := NewVOCSegmentation(VOCConfig{Root: root})
	if err != nil {
		t.Fatalf("NewVOCSegmentation failed: %v", err)
	}
	if err := d.Verify(); err != nil {
		t.Fatalf("Verify failed on a good dataset: %v", err)
	}

	info, err := d.Dims(0)
	if err != nil {
		t.Fatalf("Dims failed: %v", err)
	}
	if info.Width != 6 || info.Height != 6 {
		t.Errorf("Expected 6x6, got %dx%d", info.Width, info.Height)
	}
}

func TestVerifyDetectsBadFiles(t *testing.T) {
	root := t.TempDir()
	writeVOCFixture(t, root, []string{"a"}, 6)

	d, err := NewVOCSegmentation(VOCConfig{Root: root})
	if err != nil {
		t.Fatalf("NewVOCSegmentation failed: %v", err)
	}

	// A PNG where a JPEG should be fails the format check.
	imgPath := filepath.Join(root, "VOCdevkit", "VOC2012", "JPEGImages", "a.jpg")
	writeMaskPNG(t, imgPath, 6, 1)
	if err := d.Verify(); err == nil {
		t.Error("Expected Verify to reject a mistyped image file")
	}
}

func TestVerifyDetectsDimensionMismatch(t *testing.T) {
	root := t.TempDir()
	writeVOCFixture(t, root, []string{"a"}, 6)

	d, err := NewVOCSegmentation(VOCConfig{Root: root})
	if err != nil {
		t.Fatalf("NewVOCSegmentation failed: %v", err)
	}

	maskPath := filepath.Join(root, "VOCdevkit", "VOC2012", "SegmentationClass", "a.png")
	writeMaskPNG(t, maskPath, 12, 1)
	if err := d.Verify(); err == nil {
		t.Error("Expected Verify to reject mismatched dimensions")
	}
}

func TestClassNames(t *testing.T) {
	if len(ClassNames) != NumClasses {
		t.Fatalf("Expected %d class names, got %d", NumClasses, len(ClassNames))
	}
	if ClassNames[0] != "background" {
		t.Errorf("Class 0 should be background, got %s", ClassNames[0])
	}
	if ClassNames[15] != "person" {
		t.Errorf("Class 15 should be person, got %s", ClassNames[15])
	}
}
