// Package postprocess - Postprocessing utilities for models.
package postprocess

import "github.com/pkg/errors"

// ErrInvalidThreshold is returned when a caller-supplied score threshold is outside [0, 1].
var ErrInvalidThreshold = errors.New("score threshold must be within [0, 1]")

// Box is a normalized box in center-size form.
type Box struct {
	// X, Y are the center.
	X, Y float32
	// W, H are the full width and height.
	W, H float32
}

// TopLeft converts the box to top-left corner form.
func (b Box) TopLeft() Rect {
	return Rect{X: b.X - b.W/2, Y: b.Y - b.H/2, W: b.W, H: b.H}
}

// Rect is a normalized box in top-left corner form.
type Rect struct {
	X, Y, W, H float32
}

// Detection represents a single instance detection result.
type Detection struct {
	// The predicted class index (never the background class 0).
	Label int
	// The confidence score of the detection.
	Score float32
	// The bounding box, top-left form, normalized to [0, 1].
	Box Rect
	// The anchor the detection was decoded from.
	AnchorIndex int
	// The mask basis coefficients of the anchor.
	MaskCoefficients []float32
}

// ValidateScoreThreshold rejects thresholds outside [0, 1] (including NaN).
func ValidateScoreThreshold(threshold float32) error {
	if !(threshold >= 0 && threshold <= 1) {
		return errors.Wrapf(ErrInvalidThreshold, "got %v", threshold)
	}
	return nil
}
