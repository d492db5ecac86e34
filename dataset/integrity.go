package dataset

import (
	"fmt"
	"os"

	"github.com/rubenfonseca/fastimage"
)

// ImageInfo holds the probed dimensions of a file on disk.
type ImageInfo struct {
	Path   string
	Width  int
	Height int
}

// probeImage reads just enough of the file to identify its type and
// dimensions, without decoding pixel data.
func probeImage(path string) (fastimage.ImageType, *fastimage.ImageSize, error) {
	f, err := os.Open(path)
	if err != nil {
		return fastimage.Unknown, nil, err
	}
	defer f.Close()

	return fastimage.DetectImageTypeFromReader(f)
}

// Verify scans every sample and reports the first file that is missing, has
// an unexpected format, or whose image and mask dimensions disagree. The scan
// probes headers only, so it is cheap enough to run before every training
// session.
func (d *VOCSegmentation) Verify() error {
	for i := range d.imagePaths {
		imageType, imageSize, err := probeImage(d.imagePaths[i])
		if err != nil {
			return fmt.Errorf("sample %d: failed to probe %s: %w", i, d.imagePaths[i], err)
		}
		if imageType != fastimage.JPEG {
			return fmt.Errorf("sample %d: %s is not a JPEG (detected %v)", i, d.imagePaths[i], imageType)
		}
		if imageSize == nil {
			return fmt.Errorf("sample %d: could not read dimensions of %s", i, d.imagePaths[i])
		}

		maskType, maskSize, err := probeImage(d.maskPaths[i])
		if err != nil {
			return fmt.Errorf("sample %d: failed to probe %s: %w", i, d.maskPaths[i], err)
		}
		if maskType != fastimage.PNG {
			return fmt.Errorf("sample %d: %s is not a PNG (detected %v)", i, d.maskPaths[i], maskType)
		}
		if maskSize == nil {
			return fmt.Errorf("sample %d: could not read dimensions of %s", i, d.maskPaths[i])
		}

		if imageSize.Width != maskSize.Width || imageSize.Height != maskSize.Height {
			return fmt.Errorf("sample %d: image is %dx%d but mask is %dx%d",
				i, imageSize.Width, imageSize.Height, maskSize.Width, maskSize.Height)
		}
	}
	return nil
}

// Dims probes the on-disk dimensions of a sample's image.
func (d *VOCSegmentation) Dims(index int) (ImageInfo, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return ImageInfo{}, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}

	_, size, err := probeImage(d.imagePaths[index])
	if err != nil {
		return ImageInfo{}, err
	}
	if size == nil {
		return ImageInfo{}, fmt.Errorf("could not read dimensions of %s", d.imagePaths[index])
	}

	return ImageInfo{
		Path:   d.imagePaths[index],
		Width:  int(size.Width),
		Height: int(size.Height),
	}, nil
}
