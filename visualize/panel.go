// Package visualize renders segmentation tensors back into images: class
// planes through the VOC colormap, and side-by-side panels of an input with
// its ground truth and predicted masks.
package visualize

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	xdraw "golang.org/x/image/draw"

	"github.com/segtrain/segtrain/tensor"
	"github.com/segtrain/segtrain/transform"
)

// gutter separates panel tiles, in pixels.
const gutter = 4

// Palette is the VOC colormap as a color.Palette.
func Palette() color.Palette {
	cmap := transform.Colormap()
	palette := make(color.Palette, len(cmap))
	for i, c := range cmap {
		palette[i] = color.RGBA{R: c[0], G: c[1], B: c[2], A: 255}
	}
	return palette
}

// TensorImage renders a [3, H, W] Float32 tensor with values in [0, 1] back
// into an RGBA image.
func TensorImage(t *tensor.Tensor) (image.Image, error) {
	if len(t.Shape) != 3 || t.Shape[0] != 3 {
		return nil, fmt.Errorf("expected a [3, H, W] image tensor, got shape %v", t.Shape)
	}
	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	height, width := t.Shape[1], t.Shape[2]
	plane := height * width

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			img.SetRGBA(x, y, color.RGBA{
				R: clampByte(data[idx]),
				G: clampByte(data[plane+idx]),
				B: clampByte(data[2*plane+idx]),
				A: 255,
			})
		}
	}
	return img, nil
}

func clampByte(v float32) uint8 {
	scaled := v * 255
	if scaled <= 0 {
		return 0
	}
	if scaled >= 255 {
		return 255
	}
	return uint8(scaled + 0.5)
}

// MaskImage renders an [H, W] Int32 class plane as a paletted image using
// the VOC colormap. The boundary label 255 keeps its palette entry.
func MaskImage(t *tensor.Tensor) (image.Image, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("expected an [H, W] mask tensor, got shape %v", t.Shape)
	}
	classes, err := t.Int32s()
	if err != nil {
		return nil, err
	}
	height, width := t.Shape[0], t.Shape[1]

	img := image.NewPaletted(image.Rect(0, 0, width, height), Palette())
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := classes[y*width+x]
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("class %d at (%d, %d) does not fit the palette", v, x, y)
			}
			img.SetColorIndex(x, y, uint8(v))
		}
	}
	return img, nil
}

// Panel lays the input image, its ground truth mask, and the predicted mask
// out side by side. Mask tiles are scaled to the image tile's size with
// nearest neighbor.
func Panel(img, truth, pred *tensor.Tensor) (image.Image, error) {
	imgTile, err := TensorImage(img)
	if err != nil {
		return nil, fmt.Errorf("image tile: %w", err)
	}
	truthTile, err := MaskImage(truth)
	if err != nil {
		return nil, fmt.Errorf("truth tile: %w", err)
	}
	predTile, err := MaskImage(pred)
	if err != nil {
		return nil, fmt.Errorf("prediction tile: %w", err)
	}

	bounds := imgTile.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	panel := image.NewRGBA(image.Rect(0, 0, 3*width+2*gutter, height))
	xdraw.Draw(panel, panel.Bounds(), image.NewUniform(color.White), image.Point{}, xdraw.Src)
	xdraw.Draw(panel, image.Rect(0, 0, width, height), imgTile, bounds.Min, xdraw.Src)
	for i, tile := range []image.Image{truthTile, predTile} {
		x0 := (i + 1) * (width + gutter)
		rect := image.Rect(x0, 0, x0+width, height)
		xdraw.NearestNeighbor.Scale(panel, rect, tile, tile.Bounds(), xdraw.Src, nil)
	}
	return panel, nil
}

// SavePanel renders Panel and writes it to path as a PNG.
func SavePanel(path string, img, truth, pred *tensor.Tensor) error {
	panel, err := Panel(img, truth, pred)
	if err != nil {
		return err
	}
	return SavePNG(path, panel)
}

// SavePNG writes img to path, creating parent directories as needed.
func SavePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}
