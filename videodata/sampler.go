package videodata

import (
	"math"
	"math/rand"
)

// ClipFrameIndices selects the frames of one clip out of a video with
// totalFrames frames. The clip spans clipFrames*samplingRate source frames.
//
// clipIdx < 0 places the clip at a random temporal offset (training). For
// deterministic multi-view evaluation, clipIdx in [0, numClips) spreads the
// numClips clips uniformly over the video.
//
// Indices are clamped, so short videos repeat their last frame.
func ClipFrameIndices(rng *rand.Rand, totalFrames, clipFrames, samplingRate, clipIdx, numClips int) []int {
	span := clipFrames * samplingRate
	delta := totalFrames - span
	if delta < 0 {
		delta = 0
	}
	var start float64
	switch {
	case clipIdx < 0:
		start = rng.Float64() * float64(delta)
	case numClips > 1:
		start = float64(delta) * float64(clipIdx) / float64(numClips-1)
	default:
		start = float64(delta) / 2
	}
	indices := make([]int, clipFrames)
	for i := range indices {
		f := int(math.Round(start)) + i*samplingRate
		if f > totalFrames-1 {
			f = totalFrames - 1
		}
		if f < 0 {
			f = 0
		}
		indices[i] = f
	}
	return indices
}

// ShortSideScale picks the target size of the short side before cropping.
// With jitter the scale is sampled uniformly in [minScale, maxScale].
func ShortSideScale(rng *rand.Rand, minScale, maxScale int, jitter bool) int {
	if !jitter || maxScale <= minScale {
		return minScale
	}
	return minScale + rng.Intn(maxScale-minScale+1)
}

// CropOffset picks the position of a crop window along one axis: random for
// training, centered otherwise.
func CropOffset(rng *rand.Rand, size, crop int, random bool) int {
	if size <= crop {
		return 0
	}
	if random {
		return rng.Intn(size - crop + 1)
	}
	return (size - crop) / 2
}

// TestCropOffset places one of the evaluation crops along the longer axis:
// position 0 at the start, 1 centered, 2 at the end. With a single spatial
// crop (numCrops == 1) it always centers.
func TestCropOffset(pos, numCrops, size, crop int) int {
	if size <= crop || numCrops == 1 {
		return (size - crop) / 2
	}
	switch pos {
	case 0:
		return 0
	case 2:
		return size - crop
	}
	return (size - crop) / 2
}
