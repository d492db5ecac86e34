// Package dataset loads VOC-style semantic segmentation data. Images live in
// JPEGImages, paletted masks in SegmentationClass, and the split files under
// ImageSets/Segmentation name the samples belonging to each set.
package dataset

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/segtrain/segtrain/tensor"
	"github.com/segtrain/segtrain/transform"
)

// NumClasses counts the segmentation classes including background.
const NumClasses = 21

// IgnoreIndex marks boundary pixels excluded from loss and metrics.
const IgnoreIndex = 255

// ClassNames lists the segmentation classes in label order.
var ClassNames = []string{
	"background", "aeroplane", "bicycle", "bird", "boat", "bottle", "bus",
	"car", "cat", "chair", "cow", "diningtable", "dog", "horse", "motorbike",
	"person", "pottedplant", "sheep", "sofa", "train", "tvmonitor",
}

// vocRelease describes one year's archive and its layout after extraction.
type vocRelease struct {
	URL     string
	Archive string
	MD5     string
	BaseDir string
}

var vocReleases = map[string]vocRelease{
	"2012": {
		URL:     "http://host.robots.ox.ac.uk/pascal/VOC/voc2012/VOCtrainval_11-May-2012.tar",
		Archive: "VOCtrainval_11-May-2012.tar",
		MD5:     "6cd6e144f989b92b3379bac3b3de84fd",
		BaseDir: filepath.Join("VOCdevkit", "VOC2012"),
	},
	"2011": {
		URL:     "http://host.robots.ox.ac.uk/pascal/VOC/voc2011/VOCtrainval_25-May-2011.tar",
		Archive: "VOCtrainval_25-May-2011.tar",
		MD5:     "6c3384ef61512963050cb5d687e5bf1e",
		BaseDir: filepath.Join("TrainVal", "VOCdevkit", "VOC2011"),
	},
	"2010": {
		URL:     "http://host.robots.ox.ac.uk/pascal/VOC/voc2010/VOCtrainval_03-May-2010.tar",
		Archive: "VOCtrainval_03-May-2010.tar",
		MD5:     "da459979d0c395079b5c75ee67908abb",
		BaseDir: filepath.Join("VOCdevkit", "VOC2010"),
	},
	"2009": {
		URL:     "http://host.robots.ox.ac.uk/pascal/VOC/voc2009/VOCtrainval_11-May-2009.tar",
		Archive: "VOCtrainval_11-May-2009.tar",
		MD5:     "a3e00b113cfcfebf17e343f59da3caa1",
		BaseDir: filepath.Join("VOCdevkit", "VOC2009"),
	},
	"2008": {
		URL:     "http://host.robots.ox.ac.uk/pascal/VOC/voc2008/VOCtrainval_14-Jul-2008.tar",
		Archive: "VOCtrainval_14-Jul-2008.tar",
		MD5:     "2629fa636546599198acfcfbfcf1904a",
		BaseDir: filepath.Join("VOCdevkit", "VOC2008"),
	},
	"2007": {
		URL:     "http://host.robots.ox.ac.uk/pascal/VOC/voc2007/VOCtrainval_06-Nov-2007.tar",
		Archive: "VOCtrainval_06-Nov-2007.tar",
		MD5:     "c52e279531787c972589f7e41ab4ae64",
		BaseDir: filepath.Join("VOCdevkit", "VOC2007"),
	},
}

var validImageSets = map[string]bool{"train": true, "trainval": true, "val": true}

// SupportedYear reports whether a VOC release exists for year.
func SupportedYear(year string) bool {
	_, ok := vocReleases[year]
	return ok
}

// VOCConfig configures a VOCSegmentation dataset.
type VOCConfig struct {
	// Root is the directory holding (or receiving) the VOCdevkit tree.
	Root string
	// Year selects the release, "2007" through "2012".
	Year string
	// ImageSet is one of "train", "trainval", "val".
	ImageSet string
	// Download fetches and extracts the archive when the layout is missing.
	Download bool
	// Transform is applied to every image and mask pair before tensor
	// conversion. Nil keeps the original pixel dimensions.
	Transform transform.Transform
}

// VOCSegmentation pairs JPEG images with their paletted segmentation masks.
type VOCSegmentation struct {
	root       string
	year       string
	imageSet   string
	imagePaths []string
	maskPaths  []string
	transform  transform.Transform
}

// NewVOCSegmentation opens the dataset, downloading it first when requested.
func NewVOCSegmentation(cfg VOCConfig) (*VOCSegmentation, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("dataset root is required")
	}
	if cfg.Year == "" {
		cfg.Year = "2012"
	}
	if cfg.ImageSet == "" {
		cfg.ImageSet = "train"
	}

	release, ok := vocReleases[cfg.Year]
	if !ok {
		return nil, fmt.Errorf("unsupported year %q, expected 2007 through 2012", cfg.Year)
	}
	if !validImageSets[cfg.ImageSet] {
		return nil, fmt.Errorf("unsupported image set %q, expected train, trainval, or val", cfg.ImageSet)
	}

	baseDir := filepath.Join(cfg.Root, release.BaseDir)
	if cfg.Download {
		if err := DownloadAndExtract(cfg.Root, cfg.Year); err != nil {
			return nil, fmt.Errorf("failed to download dataset: %w", err)
		}
	}
	if _, err := os.Stat(baseDir); err != nil {
		return nil, fmt.Errorf("dataset not found at %s; pass Download to fetch it", baseDir)
	}

	dataset := &VOCSegmentation{
		root:      cfg.Root,
		year:      cfg.Year,
		imageSet:  cfg.ImageSet,
		transform: cfg.Transform,
	}

	splitFile := filepath.Join(baseDir, "ImageSets", "Segmentation", cfg.ImageSet+".txt")
	names, err := readSplitFile(splitFile)
	if err != nil {
		return nil, err
	}

	imageDir := filepath.Join(baseDir, "JPEGImages")
	maskDir := filepath.Join(baseDir, "SegmentationClass")
	for _, name := range names {
		imagePath := filepath.Join(imageDir, name+".jpg")
		maskPath := filepath.Join(maskDir, name+".png")
		if _, err := os.Stat(imagePath); err != nil {
			return nil, fmt.Errorf("missing image for sample %q: %w", name, err)
		}
		if _, err := os.Stat(maskPath); err != nil {
			return nil, fmt.Errorf("missing mask for sample %q: %w", name, err)
		}
		dataset.imagePaths = append(dataset.imagePaths, imagePath)
		dataset.maskPaths = append(dataset.maskPaths, maskPath)
	}

	if len(dataset.imagePaths) == 0 {
		return nil, fmt.Errorf("image set %q is empty", cfg.ImageSet)
	}

	return dataset, nil
}

func readSplitFile(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image set file: %w", err)
	}

	var names []string
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// Len returns the number of samples.
func (d *VOCSegmentation) Len() int {
	return len(d.imagePaths)
}

// Get loads sample index, applies the transform, and returns the image as a
// [3, H, W] Float32 tensor and the mask as an [H, W] Int32 tensor of class
// indices with 255 marking ignored pixels.
func (d *VOCSegmentation) Get(index int) (*tensor.Tensor, *tensor.Tensor, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}

	img, err := decodeJPEG(d.imagePaths[index])
	if err != nil {
		return nil, nil, fmt.Errorf("sample %d: %w", index, err)
	}
	mask, err := decodePNG(d.maskPaths[index])
	if err != nil {
		return nil, nil, fmt.Errorf("sample %d: %w", index, err)
	}

	if d.transform != nil {
		img, mask, err = d.transform.Apply(img, mask)
		if err != nil {
			return nil, nil, fmt.Errorf("sample %d: %w", index, err)
		}
	}

	imgTensor, err := transform.ToTensor(img)
	if err != nil {
		return nil, nil, fmt.Errorf("sample %d: %w", index, err)
	}
	maskTensor, err := transform.MaskToTensor(mask)
	if err != nil {
		return nil, nil, fmt.Errorf("sample %d: %w", index, err)
	}

	return imgTensor, maskTensor, nil
}

// Paths returns the image and mask file paths for a sample.
func (d *VOCSegmentation) Paths(index int) (string, string, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", "", fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.maskPaths[index], nil
}

// Year returns the dataset release year.
func (d *VOCSegmentation) Year() string {
	return d.year
}

// ImageSet returns the split this dataset was built from.
func (d *VOCSegmentation) ImageSet() string {
	return d.imageSet
}

// Split divides the dataset into two parts, the first holding trainRatio of
// the samples. The seed controls the shuffle so splits are reproducible.
func (d *VOCSegmentation) Split(trainRatio float64, seed int64) (*VOCSegmentation, *VOCSegmentation) {
	n := len(d.imagePaths)
	trainSize := int(float64(n) * trainRatio)

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(n, func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})

	return d.Subset(indices[:trainSize]), d.Subset(indices[trainSize:])
}

// Subset creates a view of the dataset restricted to the given indices.
func (d *VOCSegmentation) Subset(indices []int) *VOCSegmentation {
	subset := &VOCSegmentation{
		root:       d.root,
		year:       d.year,
		imageSet:   d.imageSet,
		transform:  d.transform,
		imagePaths: make([]string, len(indices)),
		maskPaths:  make([]string, len(indices)),
	}
	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.maskPaths[i] = d.maskPaths[idx]
	}
	return subset
}

// String returns a one line description of the dataset.
func (d *VOCSegmentation) String() string {
	return fmt.Sprintf("VOCSegmentation(year=%s, set=%s, samples=%d)", d.year, d.imageSet, len(d.imagePaths))
}

func decodeJPEG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, err := jpeg.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func decodePNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mask: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}
