// Package transform provides paired image and mask transformations for
// segmentation datasets. Every transform receives the image and its mask
// together so geometric changes stay aligned between the two.
package transform

import (
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"
)

// Transform mutates an image and its segmentation mask in lockstep.
// A nil mask passes through untouched.
type Transform interface {
	Apply(img image.Image, mask image.Image) (image.Image, image.Image, error)
}

// Compose chains transforms and applies them in order.
type Compose struct {
	Transforms []Transform
}

// NewCompose creates a composed transform from the given steps.
func NewCompose(transforms ...Transform) *Compose {
	return &Compose{Transforms: transforms}
}

// Apply runs each transform in sequence, feeding the output of one into
// the next.
func (c *Compose) Apply(img, mask image.Image) (image.Image, image.Image, error) {
	var err error
	for i, t := range c.Transforms {
		img, mask, err = t.Apply(img, mask)
		if err != nil {
			return nil, nil, fmt.Errorf("transform %d failed: %w", i, err)
		}
	}
	return img, mask, nil
}

// Resize scales the image with bilinear interpolation and the mask with
// nearest neighbor. Masks hold class indices, so interpolating between
// them would invent classes that exist in neither neighbor.
type Resize struct {
	Height int
	Width  int
}

// NewResize creates a resize transform targeting height x width pixels.
func NewResize(height, width int) *Resize {
	return &Resize{Height: height, Width: width}
}

// Apply resizes the pair to the target dimensions.
func (r *Resize) Apply(img, mask image.Image) (image.Image, image.Image, error) {
	if r.Height <= 0 || r.Width <= 0 {
		return nil, nil, fmt.Errorf("invalid resize target %dx%d", r.Width, r.Height)
	}
	if img == nil {
		return nil, nil, fmt.Errorf("resize requires an image")
	}

	dst := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)

	if mask == nil {
		return dst, nil, nil
	}
	return dst, resizeMask(mask, r.Width, r.Height), nil
}

func resizeMask(mask image.Image, width, height int) image.Image {
	if p, ok := mask.(*image.Paletted); ok {
		return resizePaletted(p, width, height)
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), mask, mask.Bounds(), xdraw.Src, nil)
	return dst
}

// resizePaletted scales by palette index so class ids survive the resize
// exactly, without a round trip through RGB.
func resizePaletted(src *image.Paletted, width, height int) *image.Paletted {
	dst := image.NewPaletted(image.Rect(0, 0, width, height), src.Palette)
	bounds := src.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()

	scaleX := float64(srcW) / float64(width)
	scaleY := float64(srcH) / float64(height)

	for y := 0; y < height; y++ {
		srcY := int(float64(y) * scaleY)
		if srcY >= srcH {
			srcY = srcH - 1
		}
		for x := 0; x < width; x++ {
			srcX := int(float64(x) * scaleX)
			if srcX >= srcW {
				srcX = srcW - 1
			}
			dst.SetColorIndex(x, y, src.ColorIndexAt(bounds.Min.X+srcX, bounds.Min.Y+srcY))
		}
	}
	return dst
}
