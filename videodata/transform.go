package videodata

import (
	"image"

	"github.com/disintegration/imaging"
)

// ScaleShortSide resizes the image so its short side equals scale, keeping
// the aspect ratio.
func ScaleShortSide(img image.Image, scale int) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= h {
		return imaging.Resize(img, scale, (h*scale+w/2)/w, imaging.Linear)
	}
	return imaging.Resize(img, (w*scale+h/2)/h, scale, imaging.Linear)
}

// CropAt extracts a crop x crop window with the given top-left corner.
func CropAt(img image.Image, x, y, crop int) *image.NRGBA {
	return imaging.Crop(img, image.Rect(x, y, x+crop, y+crop))
}

// FlipH mirrors the image horizontally.
func FlipH(img image.Image) *image.NRGBA {
	return imaging.FlipH(img)
}

// WriteNormalized writes the image into dst as normalized float32 RGB,
// row-major [height, width, 3]. Pixels are scaled to [0, 1] and then shifted
// and scaled by the per-channel mean and standard deviation.
func WriteNormalized(img *image.NRGBA, crop int, mean, std [3]float32, dst []float32) {
	pos := 0
	for y := 0; y < crop; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+crop*4]
		for x := 0; x < crop; x++ {
			for c := 0; c < 3; c++ {
				v := float32(row[x*4+c]) / 255
				dst[pos] = (v - mean[c]) / std[c]
				pos++
			}
		}
	}
}
