package videodata

import (
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Synthetic is a train.Dataset of random clips and labels, shaped exactly
// like the real pipeline output. Used in tests and smoke runs where no video
// files are available.
type Synthetic struct {
	name       string
	numClasses int
	numBatches int

	mu        sync.Mutex
	batchSize int
	numFrames int
	cropSize  int
	rng       *rand.Rand
	served    int
}

// NewSynthetic creates a synthetic dataset yielding numBatches batches per
// epoch.
func NewSynthetic(name string, batchSize, numFrames, cropSize, numClasses, numBatches int, seed int64) *Synthetic {
	return &Synthetic{
		name:       name,
		numClasses: numClasses,
		numBatches: numBatches,
		batchSize:  batchSize,
		numFrames:  numFrames,
		cropSize:   cropSize,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// SetClipShape mirrors Dataset.SetClipShape.
func (ds *Synthetic) SetClipShape(numFrames, cropSize, batchSize int) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.numFrames = numFrames
	ds.cropSize = cropSize
	ds.batchSize = batchSize
}

// NumBatches mirrors Dataset.NumBatches.
func (ds *Synthetic) NumBatches() int { return ds.numBatches }

// BatchSize returns the current batch size.
func (ds *Synthetic) BatchSize() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.batchSize
}

// Name implements train.Dataset.
func (ds *Synthetic) Name() string { return ds.name }

// Reset implements train.Dataset.
func (ds *Synthetic) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.served = 0
}

// Yield implements train.Dataset.
func (ds *Synthetic) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.served >= ds.numBatches {
		return nil, nil, nil, io.EOF
	}
	ds.served++

	clips := make([]float32, ds.batchSize*ds.numFrames*ds.cropSize*ds.cropSize*3)
	for i := range clips {
		clips[i] = float32(ds.rng.NormFloat64())
	}
	labelsFlat := make([]int32, ds.batchSize)
	videoIdx := make([]int32, ds.batchSize)
	for i := range labelsFlat {
		labelsFlat[i] = ds.rng.Int31n(int32(ds.numClasses))
		videoIdx[i] = int32(i)
	}
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(clips, ds.batchSize, ds.numFrames, ds.cropSize, ds.cropSize, 3),
		tensors.FromFlatDataAndDimensions(videoIdx, ds.batchSize),
	}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(labelsFlat, ds.batchSize)}
	return nil, inputs, labels, nil
}
