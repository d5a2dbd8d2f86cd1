package anchors

import "github.com/pkg/errors"

// Box is a reference box in normalized center-size coordinates.
type Box struct {
	X, Y, W, H float32
}

// Table is the immutable set of reference boxes for a Layout.
type Table struct {
	layout Layout
	boxes  []Box
}

// NewTable generates every anchor of the layout.
//
// Order is level, then row, then column, then aspect ratio. Networks are trained against this
// exact order, so anchor i of the table is anchor i of every raw feed tensor.
//
// Arguments:
//   - layout: The anchor layout.
//
// Returns:
//   - *Table: The generated table.
//   - error: If the layout is invalid.
func NewTable(layout Layout) (*Table, error) {
	if err := layout.Validate(); err != nil {
		return nil, errors.Wrap(err, "new anchor table")
	}

	boxes := make([]Box, 0, layout.Count())
	for _, lvl := range layout.Levels {
		f := float32(lvl.FeatureSize)
		for j := 0; j < lvl.FeatureSize; j++ {
			for i := 0; i < lvl.FeatureSize; i++ {
				x := (float32(i) + 0.5) / f
				y := (float32(j) + 0.5) / f
				for _, r := range layout.AspectRatios {
					side := float32(lvl.Scale) * r / layout.MaxSize
					boxes = append(boxes, Box{X: x, Y: y, W: side, H: side})
				}
			}
		}
	}

	return &Table{layout: layout, boxes: boxes}, nil
}

// At returns anchor i.
func (t *Table) At(i int) Box {
	return t.boxes[i]
}

// Len returns the number of anchors.
func (t *Table) Len() int {
	return len(t.boxes)
}

// Layout returns the layout the table was generated from.
func (t *Table) Layout() Layout {
	return t.layout
}
