package videodata

import (
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/videoml/vidtrain/config"
)

// Mode selects which split a Dataset serves and how clips are sampled:
// random temporal/spatial sampling for Train, deterministic center clips for
// Val and the multi-view fan-out for Test.
type Mode int

const (
	Train Mode = iota
	Val
	Test
)

func (m Mode) String() string {
	switch m {
	case Train:
		return "train"
	case Val:
		return "val"
	case Test:
		return "test"
	}
	return "invalid"
}

func (m Mode) listFile() string { return m.String() + ".csv" }

// Dataset serves batches of video clips as tensors. It implements
// train.Dataset: inputs are the clip batch [batch, frames, crop, crop, 3]
// plus the video indices [batch], labels are the class indices [batch].
//
// The clip shape can be changed between epochs (progressive resizing) with
// SetClipShape, and the crop alone between iterations with SetCropSize.
type Dataset struct {
	name        string
	mode        Mode
	annotations []Annotation
	cache       *ClipCache

	samplingRate int
	jitterScales [2]int
	mean, std    [3]float32
	randomFlip   bool
	numWorkers   int

	numEnsembleViews int
	numSpatialCrops  int

	mu        sync.Mutex
	numFrames int
	cropSize  int
	batchSize int
	rng       *rand.Rand
	order     []int
	cursor    int
}

// New creates the dataset for one split, loading the annotation list
// "<data.dir>/<mode>.csv". The cache may be shared between datasets and may
// be nil.
func New(cfg *config.Config, mode Mode, cache *ClipCache) (*Dataset, error) {
	annotations, err := LoadAnnotations(filepath.Join(cfg.Data.Dir, mode.listFile()))
	if err != nil {
		return nil, err
	}
	ds := &Dataset{
		name:        fmt.Sprintf("%s-%s", filepath.Base(cfg.Data.Dir), mode),
		mode:        mode,
		annotations: annotations,
		cache:       cache,

		samplingRate: cfg.Data.SamplingRate,
		jitterScales: cfg.Data.TrainJitterScales,
		mean:         cfg.Data.Mean,
		std:          cfg.Data.Std,
		randomFlip:   cfg.Data.RandomFlip,
		numWorkers:   max(1, cfg.Loader.NumWorkers),

		numEnsembleViews: 1,
		numSpatialCrops:  1,

		numFrames: cfg.Data.NumFrames,
		cropSize:  cfg.Data.TrainCropSize,
		batchSize: cfg.Train.BatchSize,
		rng:       rand.New(rand.NewSource(cfg.RNGSeed)),
	}
	if mode == Test {
		ds.cropSize = cfg.Data.TestCropSize
		ds.batchSize = cfg.Test.BatchSize
		ds.numEnsembleViews = cfg.Test.NumEnsembleViews
		ds.numSpatialCrops = cfg.Test.NumSpatialCrops
	}
	ds.resetOrder()
	klog.Infof("dataset %s: %d videos, %d views each", ds.name, len(annotations), ds.numViews())
	return ds, nil
}

func (ds *Dataset) numViews() int { return ds.numEnsembleViews * ds.numSpatialCrops }

func (ds *Dataset) resetOrder() {
	ds.order = make([]int, len(ds.annotations)*ds.numViews())
	for i := range ds.order {
		ds.order[i] = i
	}
	ds.cursor = 0
}

// Shard keeps only every worldSize-th video, offset by rank, so workers see
// disjoint data. Call before the first epoch.
func (ds *Dataset) Shard(rank, worldSize int) error {
	if worldSize <= 1 {
		return nil
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	var kept []Annotation
	for i, ann := range ds.annotations {
		if i%worldSize == rank {
			kept = append(kept, ann)
		}
	}
	if len(kept) == 0 {
		return errors.Errorf("dataset %s has no videos left for rank %d of %d", ds.name, rank, worldSize)
	}
	ds.annotations = kept
	ds.resetOrder()
	return nil
}

// Shuffle reorders the epoch with the given seed. Workers use the same seed
// per epoch, so shards stay decorrelated but reproducible.
func (ds *Dataset) Shuffle(seed int64) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.rng = rand.New(rand.NewSource(seed))
	ds.rng.Shuffle(len(ds.order), func(i, j int) {
		ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
	})
	ds.cursor = 0
}

// SetClipShape switches the clip shape and batch size, for progressive
// resizing stages.
func (ds *Dataset) SetClipShape(numFrames, cropSize, batchSize int) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.numFrames = numFrames
	ds.cropSize = cropSize
	ds.batchSize = batchSize
}

// SetCropSize switches only the spatial crop, for per-iteration crop cycling.
func (ds *Dataset) SetCropSize(crop int) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.cropSize = crop
}

// BatchSize returns the current batch size.
func (ds *Dataset) BatchSize() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.batchSize
}

// NumBatches returns the number of full batches per epoch. The trailing
// partial batch is dropped to keep tensor shapes stable.
func (ds *Dataset) NumBatches() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.order) / ds.batchSize
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.cursor = 0
}

// Yield implements train.Dataset. Clips of the batch are decoded and
// transformed concurrently by up to loader.num_workers goroutines.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	if ds.cursor+ds.batchSize > len(ds.order) {
		ds.mu.Unlock()
		return nil, nil, nil, io.EOF
	}
	picks := ds.order[ds.cursor : ds.cursor+ds.batchSize]
	ds.cursor += ds.batchSize
	numFrames, crop := ds.numFrames, ds.cropSize
	seeds := make([]int64, len(picks))
	for i := range seeds {
		seeds[i] = ds.rng.Int63()
	}
	ds.mu.Unlock()

	clipLen := numFrames * crop * crop * 3
	flat := make([]float32, len(picks)*clipLen)
	labelsFlat := make([]int32, len(picks))
	videoIdx := make([]int32, len(picks))
	loadErrs := make([]error, len(picks))

	sem := make(chan struct{}, ds.numWorkers)
	var wg sync.WaitGroup
	for i, pick := range picks {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			video := pick / ds.numViews()
			view := pick % ds.numViews()
			ann := ds.annotations[video]
			labelsFlat[i] = ann.Label
			videoIdx[i] = int32(video)
			loadErrs[i] = ds.loadClip(seeds[i], ann, view, numFrames, crop, flat[i*clipLen:(i+1)*clipLen])
		}()
	}
	wg.Wait()
	for _, e := range loadErrs {
		if e != nil {
			return nil, nil, nil, e
		}
	}

	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(flat, len(picks), numFrames, crop, crop, 3),
		tensors.FromFlatDataAndDimensions(videoIdx, len(picks)),
	}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(labelsFlat, len(picks))}
	return nil, inputs, labels, nil
}

// loadClip decodes (or fetches from the cache) the video and writes one
// sampled, cropped and normalized clip into dst.
func (ds *Dataset) loadClip(seed int64, ann Annotation, view, numFrames, crop int, dst []float32) error {
	rng := rand.New(rand.NewSource(seed))

	frames, ok := ds.cache.get(ann.Path)
	if !ok {
		var err error
		frames, err = DecodeVideo(ann.Path)
		if err != nil {
			return err
		}
		ds.cache.add(ann.Path, frames)
	}

	clipIdx, numClips, spatialIdx := 0, 1, 0
	random := ds.mode == Train
	switch ds.mode {
	case Train:
		clipIdx = -1
	case Test:
		clipIdx = view / ds.numSpatialCrops
		numClips = ds.numEnsembleViews
		spatialIdx = view % ds.numSpatialCrops
	}
	indices := ClipFrameIndices(rng, len(frames), numFrames, ds.samplingRate, clipIdx, numClips)

	scale := ds.jitterScales[0]
	switch ds.mode {
	case Train:
		scale = ShortSideScale(rng, ds.jitterScales[0], ds.jitterScales[1], true)
	case Test:
		scale = crop
	}
	flip := random && ds.randomFlip && rng.Intn(2) == 1

	// The crop window and flip are sampled once and applied to every frame,
	// so the clip stays temporally consistent.
	frameLen := crop * crop * 3
	offX, offY, haveOffsets := 0, 0, false
	for i, fi := range indices {
		img := ScaleShortSide(frames[fi], scale)
		if !haveOffsets {
			b := img.Bounds()
			if ds.mode == Test {
				// The evaluation crops walk along the longer axis.
				if b.Dx() >= b.Dy() {
					offX = TestCropOffset(spatialIdx, ds.numSpatialCrops, b.Dx(), crop)
					offY = (b.Dy() - crop) / 2
				} else {
					offX = (b.Dx() - crop) / 2
					offY = TestCropOffset(spatialIdx, ds.numSpatialCrops, b.Dy(), crop)
				}
			} else {
				offX = CropOffset(rng, b.Dx(), crop, random)
				offY = CropOffset(rng, b.Dy(), crop, random)
			}
			haveOffsets = true
		}
		cropped := CropAt(img, offX, offY, crop)
		if flip {
			cropped = FlipH(cropped)
		}
		WriteNormalized(cropped, crop, ds.mean, ds.std, dst[i*frameLen:(i+1)*frameLen])
	}
	return nil
}
