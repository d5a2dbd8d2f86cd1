// Package images - Image processing utilities
package images

import "image"

// Rect is a lightweight pixel-space bounding box.
type Rect struct {
	// X2,Y2 are exclusive (like image.Rectangle).
	X1, Y1, X2, Y2 int
}

// Rectangle converts r to an image.Rectangle.
func (r Rect) Rectangle() image.Rectangle {
	return image.Rect(r.X1, r.Y1, r.X2, r.Y2)
}

// Empty reports whether r contains no pixels.
func (r Rect) Empty() bool {
	return r.X1 >= r.X2 || r.Y1 >= r.Y2
}

// ClampFloat limits v to [0, limit].
func ClampFloat(v, limit float32) float32 {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}

// ClampInt limits v to [0, limit].
func ClampInt(v, limit int) int {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}

// CropRect maps a normalized top-left box to the pixel region a mask is kept in.
//
// Origin and extent are scaled and clamped to the image independently, then the region is
// intersected with the image so a box hanging off the right or bottom edge is cut there.
//
// Arguments:
//   - x, y, w, h: The normalized box (top-left form).
//   - width, height: The image size in pixels.
//
// Returns:
//   - Rect: The pixel region, possibly empty.
func CropRect(x, y, w, h float32, width, height int) Rect {
	fw, fh := float32(width), float32(height)
	x1 := int(ClampFloat(x*fw, fw))
	y1 := int(ClampFloat(y*fh, fh))
	rw := int(ClampFloat(w*fw, fw))
	rh := int(ClampFloat(h*fh, fh))

	return Rect{
		X1: x1,
		Y1: y1,
		X2: ClampInt(x1+rw, width),
		Y2: ClampInt(y1+rh, height),
	}
}

// OutlineRect maps a normalized top-left box to the corners an outline is drawn between.
//
// The far corner is derived from the already truncated near corner, so the outline of a box is
// never more than one pixel off its crop region.
//
// Arguments:
//   - x, y, w, h: The normalized box (top-left form).
//   - width, height: The image size in pixels.
//
// Returns:
//   - Rect: Inclusive corner coordinates (X2,Y2 may equal the image size).
func OutlineRect(x, y, w, h float32, width, height int) Rect {
	fw, fh := float32(width), float32(height)
	xmin := int(ClampFloat(x*fw, fw))
	ymin := int(ClampFloat(y*fh, fh))
	xmax := int(ClampFloat(float32(xmin)+w*fw, fw))
	ymax := int(ClampFloat(float32(ymin)+h*fh, fh))

	return Rect{X1: xmin, Y1: ymin, X2: xmax, Y2: ymax}
}
