package videodata

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// DecodeVideo reads every frame of the video at path. Frames come out in
// RGBA, ready for the imaging transforms.
func DecodeVideo(path string) ([]image.Image, error) {
	vc, err := gocv.OpenVideoCapture(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open video %s", path)
	}
	defer func() { _ = vc.Close() }()

	mat := gocv.NewMat()
	defer func() { _ = mat.Close() }()

	var frames []image.Image
	for vc.Read(&mat) {
		if mat.Empty() {
			continue
		}
		img, err := mat.ToImage()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to convert frame %d of %s", len(frames), path)
		}
		frames = append(frames, img)
	}
	if len(frames) == 0 {
		return nil, errors.Errorf("no frames decoded from %s", path)
	}
	return frames, nil
}
