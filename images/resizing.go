package images

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// Resize scales img to width x height with bilinear interpolation, ignoring aspect ratio.
//
// Arguments:
//   - img: The source image.
//   - width: The target width.
//   - height: The target height.
//
// Returns:
//   - image.Image: The resized image.
func Resize(img image.Image, width, height int) image.Image {
	return resize.Resize(uint(width), uint(height), img, resize.Bilinear)
}

// ResizeMask upsamples a row-major mask to width x height with bilinear interpolation.
//
// Samples sit on half-pixel centers and clamp at the edges. Values stay float32, so a threshold
// applied afterwards compares against the exact interpolated value.
//
// Arguments:
//   - values: Row-major mask values, srcWidth x srcHeight.
//   - srcWidth, srcHeight: The mask resolution.
//   - width, height: The target resolution.
//
// Returns:
//   - []float32: The resized mask, row-major width x height.
//   - error: If the sizes do not match.
func ResizeMask(values []float32, srcWidth, srcHeight, width, height int) ([]float32, error) {
	if srcWidth <= 0 || srcHeight <= 0 || len(values) != srcWidth*srcHeight {
		return nil, errors.Errorf("resize mask: %d values for %dx%d", len(values), srcWidth, srcHeight)
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("resize mask: target size %dx%d", width, height)
	}

	xs := bilinearTaps(srcWidth, width)
	ys := bilinearTaps(srcHeight, height)
	out := make([]float32, width*height)
	for y, ty := range ys {
		r0 := values[ty.i0*srcWidth : (ty.i0+1)*srcWidth]
		r1 := values[ty.i1*srcWidth : (ty.i1+1)*srcWidth]
		row := out[y*width : (y+1)*width]
		for x, tx := range xs {
			top := lerp(r0[tx.i0], r0[tx.i1], tx.w)
			bottom := lerp(r1[tx.i0], r1[tx.i1], tx.w)
			row[x] = lerp(top, bottom, ty.w)
		}
	}
	return out, nil
}

// tap is one output coordinate's pair of source samples and the weight of the second.
type tap struct {
	i0, i1 int
	w      float32
}

func bilinearTaps(src, dst int) []tap {
	scale := float32(src) / float32(dst)
	taps := make([]tap, dst)
	for i := range taps {
		f := (float32(i)+0.5)*scale - 0.5
		if f < 0 {
			f = 0
		}
		i0 := int(f)
		if i0 > src-1 {
			i0 = src - 1
		}
		i1 := i0 + 1
		if i1 > src-1 {
			i1 = src - 1
		}
		taps[i] = tap{i0: i0, i1: i1, w: f - float32(i0)}
	}
	return taps
}

// lerp keeps a == b exact, so flat regions never drift across a threshold.
func lerp(a, b, w float32) float32 {
	return a + (b-a)*w
}
