package visualize

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/segtrain/segtrain/tensor"
	"github.com/segtrain/segtrain/transform"
)

func mustTensor(t *testing.T, shape []int, dtype tensor.DType, data interface{}) *tensor.Tensor {
	t.Helper()
	tn, err := tensor.NewTensor(shape, dtype, data)
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	return tn
}

func TestTensorImage(t *testing.T) {
	// One red, one green, one blue, one gray pixel.
	img := mustTensor(t, []int{3, 2, 2}, tensor.Float32, []float32{
		1, 0, 0, 0.5, // R plane
		0, 1, 0, 0.5, // G plane
		0, 0, 1, 0.5, // B plane
	})

	rendered, err := TensorImage(img)
	if err != nil {
		t.Fatalf("TensorImage failed: %v", err)
	}
	if got := rendered.Bounds(); got.Dx() != 2 || got.Dy() != 2 {
		t.Fatalf("Expected 2x2 image, got %v", got)
	}

	checks := []struct {
		x, y int
		want [3]uint8
	}{
		{0, 0, [3]uint8{255, 0, 0}},
		{1, 0, [3]uint8{0, 255, 0}},
		{0, 1, [3]uint8{0, 0, 255}},
		{1, 1, [3]uint8{128, 128, 128}},
	}
	for _, check := range checks {
		r, g, b, _ := rendered.At(check.x, check.y).RGBA()
		got := [3]uint8{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)}
		if got != check.want {
			t.Errorf("Pixel (%d, %d) = %v, want %v", check.x, check.y, got, check.want)
		}
	}
}

func TestTensorImageRejectsBadShape(t *testing.T) {
	flat := mustTensor(t, []int{4}, tensor.Float32, []float32{0, 0, 0, 0})
	if _, err := TensorImage(flat); err == nil {
		t.Error("Expected an error for a rank-1 tensor")
	}
}

func TestMaskImageUsesColormap(t *testing.T) {
	mask := mustTensor(t, []int{2, 2}, tensor.Int32, []int32{0, 1, 20, 255})

	rendered, err := MaskImage(mask)
	if err != nil {
		t.Fatalf("MaskImage failed: %v", err)
	}

	for i, check := range []struct {
		x, y  int
		class int
	}{
		{0, 0, 0}, {1, 0, 1}, {0, 1, 20}, {1, 1, 255},
	} {
		want, ok := transform.ClassColor(check.class)
		if !ok {
			t.Fatalf("Check %d: no color for class %d", i, check.class)
		}
		r, g, b, _ := rendered.At(check.x, check.y).RGBA()
		got := [3]uint8{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)}
		if got != want {
			t.Errorf("Pixel (%d, %d) = %v, want %v for class %d", check.x, check.y, got, want, check.class)
		}
	}
}

func TestMaskImageRejectsOutOfRange(t *testing.T) {
	mask := mustTensor(t, []int{1, 2}, tensor.Int32, []int32{0, 300})
	if _, err := MaskImage(mask); err == nil {
		t.Error("Expected an error for a class beyond the palette")
	}
}

func TestPanelLayout(t *testing.T) {
	img := mustTensor(t, []int{3, 4, 4}, tensor.Float32, make([]float32, 48))
	truth := mustTensor(t, []int{2, 2}, tensor.Int32, []int32{1, 1, 1, 1})
	pred := mustTensor(t, []int{4, 4}, tensor.Int32, append(make([]int32, 15), 2))

	panel, err := Panel(img, truth, pred)
	if err != nil {
		t.Fatalf("Panel failed: %v", err)
	}

	bounds := panel.Bounds()
	if bounds.Dx() != 3*4+2*gutter || bounds.Dy() != 4 {
		t.Fatalf("Expected %dx4 panel, got %v", 3*4+2*gutter, bounds)
	}

	// The gutter between tiles stays white.
	r, g, b, _ := panel.At(5, 0).RGBA()
	if r>>8 != 255 || g>>8 != 255 || b>>8 != 255 {
		t.Errorf("Gutter pixel = (%d, %d, %d), want white", r>>8, g>>8, b>>8)
	}

	// The 2x2 truth mask lands scaled up in the middle tile.
	want, _ := transform.ClassColor(1)
	r, g, b, _ = panel.At(4+gutter+3, 3).RGBA()
	got := [3]uint8{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)}
	if got != want {
		t.Errorf("Truth tile pixel = %v, want %v", got, want)
	}

	// The prediction's bottom-right class 2 pixel lands in the last tile.
	want, _ = transform.ClassColor(2)
	r, g, b, _ = panel.At(2*(4+gutter)+3, 3).RGBA()
	got = [3]uint8{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)}
	if got != want {
		t.Errorf("Prediction tile pixel = %v, want %v", got, want)
	}
}

func TestSavePanelWritesPNG(t *testing.T) {
	img := mustTensor(t, []int{3, 2, 2}, tensor.Float32, make([]float32, 12))
	mask := mustTensor(t, []int{2, 2}, tensor.Int32, make([]int32, 4))

	path := filepath.Join(t.TempDir(), "panels", "sample.png")
	if err := SavePanel(path, img, mask, mask); err != nil {
		t.Fatalf("SavePanel failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Panel file missing: %v", err)
	}
	defer f.Close()

	decoded, err := png.Decode(f)
	if err != nil {
		t.Fatalf("Panel is not a valid PNG: %v", err)
	}
	if decoded.Bounds().Dx() != 3*2+2*gutter {
		t.Errorf("Unexpected panel width %d", decoded.Bounds().Dx())
	}
}
