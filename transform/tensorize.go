package transform

import (
	"fmt"
	"image"

	"github.com/segtrain/segtrain/tensor"
)

// ToTensor converts an image to a [3, H, W] Float32 tensor with values
// scaled to [0, 1].
func ToTensor(img image.Image) (*tensor.Tensor, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("empty image %dx%d", width, height)
	}

	plane := height * width
	data := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			idx := y*width + x
			data[0*plane+idx] = float32(r) / 65535.0
			data[1*plane+idx] = float32(g) / 65535.0
			data[2*plane+idx] = float32(b) / 65535.0
		}
	}

	return tensor.NewTensor([]int{3, height, width}, tensor.Float32, data)
}

// MaskToTensor converts a segmentation mask to an [H, W] Int32 tensor of
// class indices. Paletted masks carry the class index directly; any other
// mask is decoded through the VOC colormap.
func MaskToTensor(mask image.Image) (*tensor.Tensor, error) {
	bounds := mask.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("empty mask %dx%d", width, height)
	}

	data := make([]int32, height*width)

	if p, ok := mask.(*image.Paletted); ok {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				data[y*width+x] = int32(p.ColorIndexAt(bounds.Min.X+x, bounds.Min.Y+y))
			}
		}
		return tensor.NewTensor([]int{height, width}, tensor.Int32, data)
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := mask.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			r8 := uint8(r >> 8)
			g8 := uint8(g >> 8)
			b8 := uint8(b >> 8)

			class, ok := ClassForColor(r8, g8, b8)
			if !ok {
				return nil, fmt.Errorf("mask color (%d, %d, %d) at (%d, %d) is not a VOC palette color", r8, g8, b8, x, y)
			}
			data[y*width+x] = int32(class)
		}
	}

	return tensor.NewTensor([]int{height, width}, tensor.Int32, data)
}
