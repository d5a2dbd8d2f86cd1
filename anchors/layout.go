// Package anchors - Reference (prior) boxes and the anchor index layout shared with the tensor feed.
package anchors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidLayout is returned when a layout fails validation.
var ErrInvalidLayout = errors.New("invalid anchor layout")

// Level is one feature-map stage of the detector.
type Level struct {
	// FeatureSize is the side length of the square feature map.
	FeatureSize int `json:"featureSize" yaml:"feature_size"`
	// Scale is the base anchor side in input pixels.
	Scale int `json:"scale" yaml:"scale"`
}

// Layout describes how the anchor index space is partitioned.
//
// The same Layout value is handed to both the anchor Table and the feed assembler so that
// the anchor-major ordering of every raw tensor agrees with the table by construction.
type Layout struct {
	// Levels in generation order (largest feature map first).
	Levels []Level `json:"levels" yaml:"levels"`
	// AspectRatios applied at every location, innermost in the index order.
	AspectRatios []float32 `json:"aspectRatios" yaml:"aspect_ratios"`
	// MaxSize is the network input side used to normalize the scales.
	MaxSize float32 `json:"maxSize" yaml:"max_size"`
}

// DefaultLayout returns the five-level, three-ratio layout the YOLACT network was trained with.
//
// Returns:
//   - Layout: The default layout (19248 anchors).
func DefaultLayout() Layout {
	return Layout{
		Levels: []Level{
			{FeatureSize: 69, Scale: 24},
			{FeatureSize: 35, Scale: 48},
			{FeatureSize: 18, Scale: 96},
			{FeatureSize: 9, Scale: 192},
			{FeatureSize: 5, Scale: 384},
		},
		AspectRatios: []float32{1, 0.5, 2},
		MaxSize:      550,
	}
}

// DefaultOffsets are the level boundaries of DefaultLayout.
var DefaultOffsets = []int{0, 14283, 17958, 18930, 19173, 19248}

// Validate checks that every level and ratio is usable.
//
// Returns:
//   - error: ErrInvalidLayout (wrapped) describing the first problem found.
func (l Layout) Validate() error {
	if len(l.Levels) == 0 {
		return errors.Wrap(ErrInvalidLayout, "no levels")
	}
	if len(l.AspectRatios) == 0 {
		return errors.Wrap(ErrInvalidLayout, "no aspect ratios")
	}
	if l.MaxSize <= 0 {
		return errors.Wrapf(ErrInvalidLayout, "max size must be positive, got %v", l.MaxSize)
	}
	for i, lvl := range l.Levels {
		if lvl.FeatureSize <= 0 || lvl.Scale <= 0 {
			return errors.Wrapf(ErrInvalidLayout, "level %d: feature size %d, scale %d", i, lvl.FeatureSize, lvl.Scale)
		}
	}
	for i, r := range l.AspectRatios {
		if r <= 0 {
			return errors.Wrapf(ErrInvalidLayout, "aspect ratio %d must be positive, got %v", i, r)
		}
	}
	return nil
}

// ValidateOffsets compares the layout's level boundaries with an expected list.
//
// Arguments:
//   - want: The expected cumulative offsets, len(Levels)+1 entries.
//
// Returns:
//   - error: ErrInvalidLayout (wrapped) on the first mismatch.
func (l Layout) ValidateOffsets(want []int) error {
	got := l.Offsets()
	if len(got) != len(want) {
		return errors.Wrapf(ErrInvalidLayout, "offset count %d, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			return errors.Wrapf(ErrInvalidLayout, "offset[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	return nil
}

// LevelCount returns the number of anchors contributed by level k.
func (l Layout) LevelCount(k int) int {
	f := l.Levels[k].FeatureSize
	return f * f * len(l.AspectRatios)
}

// Offsets returns the cumulative anchor count at the start of each level, plus the total.
//
// Returns:
//   - []int: len(Levels)+1 boundaries; Offsets()[k] is the first anchor index of level k.
func (l Layout) Offsets() []int {
	offsets := make([]int, len(l.Levels)+1)
	for k := range l.Levels {
		offsets[k+1] = offsets[k] + l.LevelCount(k)
	}
	return offsets
}

// Count returns the total number of anchors.
func (l Layout) Count() int {
	n := 0
	for k := range l.Levels {
		n += l.LevelCount(k)
	}
	return n
}

// String implements fmt.Stringer.
func (l Layout) String() string {
	return fmt.Sprintf("anchors.Layout{levels=%d ratios=%v count=%d}", len(l.Levels), l.AspectRatios, l.Count())
}
