package videodata

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClipFrameIndicesRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 100; trial++ {
		indices := ClipFrameIndices(rng, 300, 8, 8, -1, 0)
		require.Len(t, indices, 8)
		for i := 1; i < len(indices); i++ {
			assert.Equal(t, 8, indices[i]-indices[i-1], "frames must be samplingRate apart")
		}
		assert.GreaterOrEqual(t, indices[0], 0)
		assert.Less(t, indices[len(indices)-1], 300)
	}
}

func TestClipFrameIndicesUniformViews(t *testing.T) {
	rng := rand.New(rand.NewSource(0))
	// 3 views over a 300-frame video with a 64-frame span.
	first := ClipFrameIndices(rng, 300, 8, 8, 0, 3)
	mid := ClipFrameIndices(rng, 300, 8, 8, 1, 3)
	last := ClipFrameIndices(rng, 300, 8, 8, 2, 3)
	assert.Equal(t, 0, first[0])
	assert.Equal(t, (300-64)/2, mid[0])
	assert.Equal(t, 300-64, last[0])
}

func TestClipFrameIndicesShortVideoClamps(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	indices := ClipFrameIndices(rng, 10, 8, 8, -1, 0)
	require.Len(t, indices, 8)
	assert.Equal(t, 0, indices[0])
	for _, f := range indices {
		assert.Less(t, f, 10)
	}
	// The tail repeats the last frame.
	assert.Equal(t, 9, indices[len(indices)-1])
	assert.Equal(t, 9, indices[len(indices)-2])
}

func TestShortSideScale(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	assert.Equal(t, 256, ShortSideScale(rng, 256, 320, false))
	for trial := 0; trial < 100; trial++ {
		s := ShortSideScale(rng, 256, 320, true)
		assert.GreaterOrEqual(t, s, 256)
		assert.LessOrEqual(t, s, 320)
	}
}

func TestCropOffset(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	assert.Equal(t, 16, CropOffset(rng, 256, 224, false), "center crop")
	assert.Equal(t, 0, CropOffset(rng, 200, 224, false), "crop larger than image")
	for trial := 0; trial < 100; trial++ {
		off := CropOffset(rng, 256, 224, true)
		assert.GreaterOrEqual(t, off, 0)
		assert.LessOrEqual(t, off, 32)
	}
}

func TestTestCropOffset(t *testing.T) {
	assert.Equal(t, 0, TestCropOffset(0, 3, 320, 256))
	assert.Equal(t, 32, TestCropOffset(1, 3, 320, 256))
	assert.Equal(t, 64, TestCropOffset(2, 3, 320, 256))
	// A single crop centers regardless of position.
	assert.Equal(t, 32, TestCropOffset(0, 1, 320, 256))
}
