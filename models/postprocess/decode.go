package postprocess

import (
	"github.com/chewxy/math32"

	"github.com/nvr-ai/go-yolact/anchors"
)

const (
	// VarianceCenter scales the center offsets.
	VarianceCenter float32 = 0.1
	// VarianceSize scales the log-space size offsets.
	VarianceSize float32 = 0.2
)

// Decode converts a raw 4-value offset into a box relative to its anchor.
//
// The box is clamped in corner space and converted back to center-size form, so a box that
// extends past the image keeps its visible part rather than its original center.
//
// Arguments:
//   - a: The anchor the offset is relative to.
//   - offset: The raw (dx, dy, dw, dh) values; only the first four are read.
//
// Returns:
//   - Box: The decoded center-size box, every field within [0, 1].
func Decode(a anchors.Box, offset []float32) Box {
	cx := a.X + offset[0]*VarianceCenter*a.W
	cy := a.Y + offset[1]*VarianceCenter*a.H
	w := a.W * math32.Exp(offset[2]*VarianceSize)
	h := a.H * math32.Exp(offset[3]*VarianceSize)

	x1 := clamp01(cx - w/2)
	y1 := clamp01(cy - h/2)
	x2 := clamp01(cx + w/2)
	y2 := clamp01(cy + h/2)

	cx = (x1 + x2) * 0.5
	cy = (y1 + y2) * 0.5

	return Box{X: cx, Y: cy, W: (x2 - cx) * 2, H: (y2 - cy) * 2}
}

// clamp01 maps v into [0, 1]; NaN (from Inf-Inf on overflowing offsets) maps to 0.
func clamp01(v float32) float32 {
	if !(v > 0) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
