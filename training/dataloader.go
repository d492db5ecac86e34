package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/segtrain/segtrain/tensor"
)

// Dataset interface defines methods for accessing training samples.
// Get returns the image tensor and its mask tensor for one sample.
type Dataset interface {
	Len() int
	Get(index int) (*tensor.Tensor, *tensor.Tensor, error)
}

// Batch holds a stacked mini batch. Images is [B, 3, H, W] Float32 and
// Masks is [B, H, W] Int32; Size is the number of samples B, which is
// smaller than the configured batch size for the final batch of an epoch.
type Batch struct {
	Images *tensor.Tensor
	Masks  *tensor.Tensor
	Size   int
}

// DataLoaderConfig configures batching behavior.
type DataLoaderConfig struct {
	BatchSize  int
	Shuffle    bool  // Reshuffle sample order at every Reset
	Seed       int64 // Seed for the shuffle order
	NumWorkers int   // Concurrent sample loads per batch (0 or 1 = sequential)
}

// DataLoader handles batching and shuffling of dataset samples. The shuffle
// order is driven by a private seeded source, so two loaders built with the
// same seed visit samples in the same order.
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	numWorkers int
	rng        *rand.Rand
	indices    []int
	position   int
	iterErr    error
	mutex      sync.Mutex
}

// NewDataLoader creates a data loader over the dataset.
func NewDataLoader(dataset Dataset, config DataLoaderConfig) *DataLoader {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.NumWorkers < 0 {
		config.NumWorkers = 0
	}

	dl := &DataLoader{
		dataset:    dataset,
		batchSize:  config.BatchSize,
		shuffle:    config.Shuffle,
		numWorkers: config.NumWorkers,
		rng:        rand.New(rand.NewSource(config.Seed)),
		indices:    make([]int, dataset.Len()),
	}

	for i := range dl.indices {
		dl.indices[i] = i
	}

	return dl
}

// Reset prepares the loader for a new epoch, reshuffling if configured.
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	dl.iterErr = nil

	if dl.shuffle {
		// Fisher-Yates shuffle
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := dl.rng.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
}

// Next returns the next batch, or (nil, nil) when the epoch is exhausted.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}

	end := dl.position + dl.batchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}

	batchIndices := dl.indices[dl.position:end]
	dl.position = end

	return dl.loadBatch(batchIndices)
}

// HasNext returns true if more batches are available in the current epoch.
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// Len returns the number of batches per epoch.
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// BatchSize returns the configured batch size.
func (dl *DataLoader) BatchSize() int {
	return dl.batchSize
}

// Err returns the error that terminated the last Iterator run, if any.
func (dl *DataLoader) Err() error {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.iterErr
}

type loadedSample struct {
	image *tensor.Tensor
	mask  *tensor.Tensor
}

// loadBatch fetches the samples for the given indices and stacks them into
// batch tensors. All samples in a batch must share one image shape and one
// mask shape; the transform pipeline is responsible for resizing to a fixed
// size before batching.
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	samples := make([]loadedSample, len(indices))

	if dl.numWorkers > 1 {
		if err := dl.loadConcurrent(indices, samples); err != nil {
			return nil, err
		}
	} else {
		for i, idx := range indices {
			img, mask, err := dl.dataset.Get(idx)
			if err != nil {
				return nil, fmt.Errorf("failed to get sample %d: %w", idx, err)
			}
			samples[i] = loadedSample{image: img, mask: mask}
		}
	}

	return stackSamples(samples)
}

// loadConcurrent fans the sample loads out over numWorkers goroutines.
func (dl *DataLoader) loadConcurrent(indices []int, samples []loadedSample) error {
	jobs := make(chan int, len(indices))
	for i := range indices {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error

	workers := dl.numWorkers
	if workers > len(indices) {
		workers = len(indices)
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				img, mask, err := dl.dataset.Get(indices[i])
				if err != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("failed to get sample %d: %w", indices[i], err)
					}
					errMu.Unlock()
					continue
				}
				samples[i] = loadedSample{image: img, mask: mask}
			}
		}()
	}
	wg.Wait()

	return firstErr
}

// stackSamples concatenates per-sample tensors along a new leading batch axis.
func stackSamples(samples []loadedSample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot stack an empty batch")
	}

	first := samples[0]
	imageShape := first.image.Shape
	maskShape := first.mask.Shape

	imageSize := first.image.NumElems
	maskSize := first.mask.NumElems

	batchImages := make([]float32, len(samples)*imageSize)
	batchMasks := make([]int32, len(samples)*maskSize)

	for i, s := range samples {
		if !s.image.ShapeEquals(first.image) {
			return nil, fmt.Errorf("sample %d image shape %v does not match batch shape %v", i, s.image.Shape, imageShape)
		}
		if !s.mask.ShapeEquals(first.mask) {
			return nil, fmt.Errorf("sample %d mask shape %v does not match batch shape %v", i, s.mask.Shape, maskShape)
		}

		imgData, err := s.image.Float32s()
		if err != nil {
			return nil, fmt.Errorf("sample %d image: %w", i, err)
		}
		maskData, err := s.mask.Int32s()
		if err != nil {
			return nil, fmt.Errorf("sample %d mask: %w", i, err)
		}

		copy(batchImages[i*imageSize:(i+1)*imageSize], imgData)
		copy(batchMasks[i*maskSize:(i+1)*maskSize], maskData)
	}

	images, err := tensor.NewTensor(append([]int{len(samples)}, imageShape...), tensor.Float32, batchImages)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch image tensor: %w", err)
	}
	masks, err := tensor.NewTensor(append([]int{len(samples)}, maskShape...), tensor.Int32, batchMasks)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch mask tensor: %w", err)
	}

	return &Batch{Images: images, Masks: masks, Size: len(samples)}, nil
}

// Iterator returns a channel that yields all batches of one epoch. Iteration
// stops at the first load error; check Err after the channel closes.
func (dl *DataLoader) Iterator() <-chan *Batch {
	ch := make(chan *Batch)

	go func() {
		defer close(ch)

		dl.Reset()
		for dl.HasNext() {
			batch, err := dl.Next()
			if err != nil {
				dl.mutex.Lock()
				dl.iterErr = err
				dl.mutex.Unlock()
				return
			}
			if batch == nil {
				return
			}
			ch <- batch
		}
	}()

	return ch
}
