package videodata

import (
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAnnotations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.csv")
	require.NoError(t, os.WriteFile(path, []byte(
		"videos/a.mp4 0\nvideos/b.mp4 3\nvideos/c.mp4 1\n"), 0644))

	annotations, err := LoadAnnotations(path)
	require.NoError(t, err)
	require.Len(t, annotations, 3)
	assert.Equal(t, "videos/b.mp4", annotations[1].Path)
	assert.Equal(t, int32(3), annotations[1].Label)
}

func TestLoadAnnotationsRejectsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	_, err := LoadAnnotations(path)
	require.Error(t, err)
}

func TestLoadAnnotationsRejectsNegativeLabel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("videos/a.mp4 -1\n"), 0644))
	_, err := LoadAnnotations(path)
	require.Error(t, err)
}

func TestScaleShortSideKeepsAspect(t *testing.T) {
	wide := image.NewNRGBA(image.Rect(0, 0, 640, 360))
	scaled := ScaleShortSide(wide, 180)
	assert.Equal(t, 180, scaled.Bounds().Dy())
	assert.Equal(t, 320, scaled.Bounds().Dx())

	tall := image.NewNRGBA(image.Rect(0, 0, 360, 640))
	scaled = ScaleShortSide(tall, 180)
	assert.Equal(t, 180, scaled.Bounds().Dx())
	assert.Equal(t, 320, scaled.Bounds().Dy())
}

func TestWriteNormalized(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, G: 0, B: 127, A: 255})

	dst := make([]float32, 2*2*3)
	WriteNormalized(img, 2, [3]float32{0.5, 0.5, 0.5}, [3]float32{0.25, 0.5, 1}, dst)

	assert.InDelta(t, (1.0-0.5)/0.25, dst[0], 1e-6)
	assert.InDelta(t, (0.0-0.5)/0.5, dst[1], 1e-6)
	assert.InDelta(t, (127.0/255-0.5)/1, dst[2], 1e-3)
	// Unset pixels are zero and normalize to the same constant per channel.
	assert.InDelta(t, -2, dst[3], 1e-6)
}

func TestSyntheticYieldShapes(t *testing.T) {
	ds := NewSynthetic("test", 4, 2, 8, 10, 3, 0)

	count := 0
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
		require.Len(t, inputs, 2)
		require.Len(t, labels, 1)
		assert.Equal(t, []int{4, 2, 8, 8, 3}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{4}, inputs[1].Shape().Dimensions)
		assert.Equal(t, []int{4}, labels[0].Shape().Dimensions)
	}
	assert.Equal(t, 3, count)

	// After Reset the dataset serves a full epoch again.
	ds.Reset()
	_, _, _, err := ds.Yield()
	require.NoError(t, err)
}

func TestSyntheticClipShapeChange(t *testing.T) {
	ds := NewSynthetic("test", 4, 8, 16, 10, 2, 0)
	ds.SetClipShape(2, 8, 8)
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{8, 2, 8, 8, 3}, inputs[0].Shape().Dimensions)
	assert.Equal(t, 8, ds.BatchSize())
}
