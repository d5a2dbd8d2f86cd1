// Package images - Image definition for processing utilities.
package images

import (
	"image"
	"image/draw"
)

// CloneRGBA copies img into a new zero-origin RGBA image.
//
// Arguments:
//   - img: The image to copy. It is never modified.
//
// Returns:
//   - *image.RGBA: The copy.
func CloneRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
