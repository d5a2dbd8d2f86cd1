// Package overlay - Draws detections, labels and instance masks onto images.
package overlay

import "image/color"

// Palette is an ordered list of instance colors.
type Palette []color.RGBA

// DefaultPalette returns the 19 Material colors used for instance overlays.
func DefaultPalette() Palette {
	return Palette{
		{244, 67, 54, 255}, {233, 30, 99, 255}, {156, 39, 176, 255}, {103, 58, 183, 255},
		{63, 81, 181, 255}, {33, 150, 243, 255}, {3, 169, 244, 255}, {0, 188, 212, 255},
		{0, 150, 136, 255}, {76, 175, 80, 255}, {139, 195, 74, 255}, {205, 220, 57, 255},
		{255, 235, 59, 255}, {255, 193, 7, 255}, {255, 152, 0, 255}, {255, 87, 34, 255},
		{72, 85, 72, 255}, {158, 158, 158, 255}, {96, 125, 139, 255},
	}
}

// Color returns palette[(key*5) % len(palette)].
func (p Palette) Color(key int) color.RGBA {
	n := len(p)
	i := (key * 5) % n
	if i < 0 {
		i += n
	}
	return p[i]
}
