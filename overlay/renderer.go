package overlay

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"

	"github.com/nvr-ai/go-yolact/images"
	"github.com/nvr-ai/go-yolact/masks"
	"github.com/nvr-ai/go-yolact/models/postprocess"
)

// ColorMode selects what an instance color is keyed on.
type ColorMode string

const (
	// ColorByLabel gives every instance of a class the same color.
	ColorByLabel ColorMode = "label"
	// ColorByIndex colors instances by their position in the detection list.
	ColorByIndex ColorMode = "index"
)

const (
	// DefaultMaskAlpha is the weight of the original pixel under a mask.
	DefaultMaskAlpha float32 = 0.45
	// labelPadding is added to the text height for the label background.
	labelPadding = 8
	// scoreRounding biases the score before it is printed with two decimals.
	scoreRounding float32 = 0.005
)

// Renderer draws detection overlays.
type Renderer struct {
	// Labels maps class indices to names.
	Labels []string
	// Palette holds the instance colors.
	Palette Palette
	// MaskAlpha is the weight of the original pixel under a mask.
	MaskAlpha float32
	// ColorMode selects the palette key.
	ColorMode ColorMode
	// Face is the label font.
	Face font.Face
}

// NewRenderer returns a Renderer with the default palette, alpha and font.
//
// Arguments:
//   - labels: Class names indexed by label.
//
// Returns:
//   - *Renderer: The renderer.
func NewRenderer(labels []string) *Renderer {
	return &Renderer{
		Labels:    labels,
		Palette:   DefaultPalette(),
		MaskAlpha: DefaultMaskAlpha,
		ColorMode: ColorByLabel,
		Face:      basicfont.Face7x13,
	}
}

// Render draws masks, then boxes and labels, onto a copy of img.
//
// Masks are painted in detection order so later instances win on overlap. Boxes are drawn in
// reverse order so the labels of earlier (higher-priority) detections end up on top.
//
// Arguments:
//   - img: The source image. It is not modified.
//   - detections: The detections in emission order.
//   - instanceMasks: One mask per detection, or nil to skip masks. Entries may be nil.
//   - scoreThreshold: Detections scoring below it are not drawn.
//
// Returns:
//   - *image.RGBA: The overlay.
//   - error: On an invalid threshold or a mask count mismatch.
func (r *Renderer) Render(
	img image.Image,
	detections []postprocess.Detection,
	instanceMasks []*masks.Mask,
	scoreThreshold float32,
) (*image.RGBA, error) {
	if err := postprocess.ValidateScoreThreshold(scoreThreshold); err != nil {
		return nil, err
	}
	if instanceMasks != nil && len(instanceMasks) != len(detections) {
		return nil, errors.Errorf("render: %d masks for %d detections", len(instanceMasks), len(detections))
	}

	out := images.CloneRGBA(img)
	if instanceMasks != nil {
		r.DrawMasks(out, detections, instanceMasks, scoreThreshold)
	}
	r.DrawBoxes(out, detections, scoreThreshold)
	return out, nil
}

// DrawMasks blends each qualifying detection's mask into dst.
func (r *Renderer) DrawMasks(dst *image.RGBA, detections []postprocess.Detection, instanceMasks []*masks.Mask, scoreThreshold float32) {
	for i, det := range detections {
		if det.Score < scoreThreshold || instanceMasks[i] == nil {
			continue
		}
		masks.Composite(dst, instanceMasks[i], r.Color(i, det), r.MaskAlpha)
	}
}

// DrawBoxes draws the outline and label of each qualifying detection, last detection first.
func (r *Renderer) DrawBoxes(dst *image.RGBA, detections []postprocess.Detection, scoreThreshold float32) {
	width, height := dst.Bounds().Dx(), dst.Bounds().Dy()
	dc := gg.NewContextForRGBA(dst)
	dc.SetFontFace(r.Face)
	dc.SetLineWidth(1)

	for i := len(detections) - 1; i >= 0; i-- {
		det := detections[i]
		if det.Score < scoreThreshold {
			continue
		}
		c := r.Color(i, det)
		box := images.OutlineRect(det.Box.X, det.Box.Y, det.Box.W, det.Box.H, width, height)

		// Half-pixel offsets keep a 1px stroke on a single pixel row.
		dc.SetColor(c)
		dc.DrawRectangle(float64(box.X1)+0.5, float64(box.Y1)+0.5, float64(box.X2-box.X1), float64(box.Y2-box.Y1))
		dc.Stroke()

		text := r.Label(det)
		tw, th := dc.MeasureString(text)
		// A literal, not image.Rect, which would swap the corners into canonical order.
		bg := image.Rectangle{Min: image.Pt(box.X1, images.ClampInt(box.Y1-int(th)-labelPadding, height))}
		bg.Max.X = bg.Min.X + images.ClampInt(int(tw)+2, width)
		bg.Max.Y = bg.Min.Y + images.ClampInt(int(th)+labelPadding, height)
		bg = bg.Intersect(dst.Bounds())
		if bg.Empty() {
			continue
		}

		dc.DrawRectangle(float64(bg.Min.X), float64(bg.Min.Y), float64(bg.Dx()), float64(bg.Dy()))
		dc.Fill()

		dc.SetColor(color.White)
		dc.DrawString(text, float64(bg.Min.X), float64(bg.Min.Y)+th)
	}
}

// Label formats "name: score" for a detection.
func (r *Renderer) Label(det postprocess.Detection) string {
	name := fmt.Sprintf("class %d", det.Label)
	if det.Label >= 0 && det.Label < len(r.Labels) {
		name = r.Labels[det.Label]
	}
	return fmt.Sprintf("%s: %.2f", name, det.Score+scoreRounding)
}

// Color returns the instance color of detection i.
func (r *Renderer) Color(i int, det postprocess.Detection) color.RGBA {
	if r.ColorMode == ColorByIndex {
		return r.Palette.Color(i)
	}
	return r.Palette.Color(det.Label)
}
