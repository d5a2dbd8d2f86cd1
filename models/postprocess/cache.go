package postprocess

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nvr-ai/go-yolact/anchors"
)

// FrameCache lazily decodes boxes and copies mask coefficients for one frame.
//
// A FrameCache is created per frame and dropped afterwards; it never outlives the raw arrays it
// reads. Each anchor is populated at most once, also when classes are suppressed concurrently.
type FrameCache struct {
	table     *anchors.Table
	location  []float32
	maskCoeff []float32
	channels  int

	once   []sync.Once
	ready  []atomic.Bool
	boxes  []Box
	coeffs [][]float32

	decoded atomic.Int64
}

// NewFrameCache creates an empty cache over one frame's flat arrays.
//
// Arguments:
//   - table: The anchor table.
//   - location: Flat [anchor][4] offsets.
//   - maskCoeff: Flat [anchor][channels] coefficients.
//   - channels: The mask basis channel count.
//
// Returns:
//   - *FrameCache: The cache.
//   - error: If an array does not match the table size.
func NewFrameCache(table *anchors.Table, location, maskCoeff []float32, channels int) (*FrameCache, error) {
	n := table.Len()
	if len(location) != n*4 {
		return nil, fmt.Errorf("location has %d values, want %d", len(location), n*4)
	}
	if channels <= 0 || len(maskCoeff) != n*channels {
		return nil, fmt.Errorf("mask coefficients have %d values, want %d", len(maskCoeff), n*channels)
	}

	return &FrameCache{
		table:     table,
		location:  location,
		maskCoeff: maskCoeff,
		channels:  channels,
		once:      make([]sync.Once, n),
		ready:     make([]atomic.Bool, n),
		boxes:     make([]Box, n),
		coeffs:    make([][]float32, n),
	}, nil
}

// Load decodes anchor i and copies its coefficients unless already done this frame.
func (c *FrameCache) Load(i int) {
	c.once[i].Do(func() {
		c.boxes[i] = Decode(c.table.At(i), c.location[i*4:i*4+4])
		coeffs := make([]float32, c.channels)
		copy(coeffs, c.maskCoeff[i*c.channels:(i+1)*c.channels])
		c.coeffs[i] = coeffs
		c.decoded.Add(1)
		c.ready[i].Store(true)
	})
}

// Box returns the decoded box of anchor i, decoding it on first use.
func (c *FrameCache) Box(i int) Box {
	c.Load(i)
	return c.boxes[i]
}

// Coefficients returns the cached coefficient copy of anchor i, copying it on first use.
func (c *FrameCache) Coefficients(i int) []float32 {
	c.Load(i)
	return c.coeffs[i]
}

// Cached reports whether anchor i has been populated this frame.
func (c *FrameCache) Cached(i int) bool {
	return c.ready[i].Load()
}

// MustBox returns the cached box of anchor i. It panics if the anchor was never loaded, which
// means a detection refers to an anchor that did not pass through suppression.
func (c *FrameCache) MustBox(i int) Box {
	if !c.Cached(i) {
		panic(fmt.Sprintf("postprocess: anchor %d used before it was decoded", i))
	}
	return c.boxes[i]
}

// MustCoefficients is the coefficient counterpart of MustBox.
func (c *FrameCache) MustCoefficients(i int) []float32 {
	if !c.Cached(i) {
		panic(fmt.Sprintf("postprocess: anchor %d coefficients used before they were copied", i))
	}
	return c.coeffs[i]
}

// Decoded returns the number of anchors populated so far.
func (c *FrameCache) Decoded() int {
	return int(c.decoded.Load())
}

// Len returns the number of anchors covered.
func (c *FrameCache) Len() int {
	return len(c.boxes)
}
