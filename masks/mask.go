package masks

import (
	"image"
	"image/color"
)

// Mask is a detection's instance mask at output image resolution.
type Mask struct {
	// Rect is the crop region; values outside it are zero.
	Rect image.Rectangle

	width, height int
	// values is row-major width x height.
	values []float32
}

// Bounds returns the image area the mask covers.
func (m *Mask) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.width, m.height)
}

// Value returns the mask value at (x, y) in [0, 1].
func (m *Mask) Value(x, y int) float32 {
	if x < 0 || y < 0 || x >= m.width || y >= m.height {
		return 0
	}
	return m.values[y*m.width+x]
}

// Covers reports whether (x, y) belongs to the instance (value strictly above Threshold).
func (m *Mask) Covers(x, y int) bool {
	return m.Value(x, y) > Threshold
}

// Area returns the number of covered pixels.
func (m *Mask) Area() int {
	n := 0
	for y := m.Rect.Min.Y; y < m.Rect.Max.Y; y++ {
		for x := m.Rect.Min.X; x < m.Rect.Max.X; x++ {
			if m.Covers(x, y) {
				n++
			}
		}
	}
	return n
}

// Composite blends c into dst wherever the mask covers a pixel:
// out = pixel*alpha + c*(1-alpha), truncated per channel.
//
// Arguments:
//   - dst: The image to paint on; must share the mask's origin.
//   - m: The mask.
//   - c: The instance color.
//   - alpha: The weight of the original pixel.
func Composite(dst *image.RGBA, m *Mask, c color.RGBA, alpha float32) {
	r := m.Rect.Intersect(dst.Bounds())
	inv := 1 - alpha
	cr, cg, cb := float32(c.R)*inv, float32(c.G)*inv, float32(c.B)*inv

	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if !m.Covers(x, y) {
				continue
			}
			i := dst.PixOffset(x, y)
			px := dst.Pix[i : i+3 : i+3]
			px[0] = uint8(float32(px[0])*alpha + cr)
			px[1] = uint8(float32(px[1])*alpha + cg)
			px[2] = uint8(float32(px[2])*alpha + cb)
		}
	}
}
