// Package masks - Instance mask reconstruction from a shared prototype basis.
package masks

import (
	"image"
	"sync"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-yolact/images"
	"github.com/nvr-ai/go-yolact/models/postprocess"
)

// Threshold is the mask value a pixel must exceed to belong to the instance.
const Threshold float32 = 0.5

// Basis is the shared prototype mask basis, laid out [h][w][channel].
type Basis struct {
	Data     []float32
	Height   int
	Width    int
	Channels int
}

// Validate checks that Data matches the declared dimensions.
func (b Basis) Validate() error {
	if b.Height <= 0 || b.Width <= 0 || b.Channels <= 0 {
		return errors.Errorf("basis: dimensions %dx%dx%d", b.Height, b.Width, b.Channels)
	}
	if len(b.Data) != b.Height*b.Width*b.Channels {
		return errors.Errorf("basis: %d values for %dx%dx%d", len(b.Data), b.Height, b.Width, b.Channels)
	}
	return nil
}

// Synthesizer evaluates sigmoid(basis x coefficients) on a gorgonia graph built once for a
// fixed basis resolution. It is safe for concurrent use; projections are serialized.
type Synthesizer struct {
	mu sync.Mutex

	height, width, channels int

	g      *G.ExprGraph
	proto  *G.Node
	coeffs *G.Node
	out    *G.Node
	vm     G.VM
}

// NewSynthesizer builds the projection graph.
//
// Arguments:
//   - height, width: The basis resolution.
//   - channels: The number of basis channels (and coefficients per detection).
//
// Returns:
//   - *Synthesizer: The synthesizer. Close it to release the tape machine.
//   - error: If the dimensions are invalid or the graph cannot be built.
func NewSynthesizer(height, width, channels int) (*Synthesizer, error) {
	if height <= 0 || width <= 0 || channels <= 0 {
		return nil, errors.Errorf("synthesizer: dimensions %dx%dx%d", height, width, channels)
	}

	g := G.NewGraph()
	proto := G.NewMatrix(g, tensor.Float32, G.WithShape(height*width, channels), G.WithName("proto"))
	coeffs := G.NewVector(g, tensor.Float32, G.WithShape(channels), G.WithName("coeffs"))

	logits, err := G.Mul(proto, coeffs)
	if err != nil {
		return nil, errors.Wrap(err, "synthesizer: project basis")
	}
	out, err := G.Sigmoid(logits)
	if err != nil {
		return nil, errors.Wrap(err, "synthesizer: sigmoid")
	}

	return &Synthesizer{
		height:   height,
		width:    width,
		channels: channels,
		g:        g,
		proto:    proto,
		coeffs:   coeffs,
		out:      out,
		vm:       G.NewTapeMachine(g),
	}, nil
}

// Project computes the low-resolution mask of one coefficient vector.
//
// Arguments:
//   - basis: The frame's prototype basis.
//   - coeffs: The detection's mask coefficients.
//
// Returns:
//   - []float32: Row-major [h][w] sigmoid values in [0, 1].
//   - error: If the inputs do not match the synthesizer's dimensions.
func (s *Synthesizer) Project(basis Basis, coeffs []float32) ([]float32, error) {
	if err := basis.Validate(); err != nil {
		return nil, err
	}
	if basis.Height != s.height || basis.Width != s.width || basis.Channels != s.channels {
		return nil, errors.Errorf("basis %dx%dx%d, synthesizer built for %dx%dx%d",
			basis.Height, basis.Width, basis.Channels, s.height, s.width, s.channels)
	}
	if len(coeffs) != s.channels {
		return nil, errors.Errorf("%d mask coefficients, want %d", len(coeffs), s.channels)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.vm.Reset()

	protoT := tensor.New(
		tensor.WithShape(s.height*s.width, s.channels),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(basis.Data),
	)
	if err := G.Let(s.proto, protoT); err != nil {
		return nil, errors.Wrap(err, "let basis")
	}
	coeffT := tensor.New(
		tensor.WithShape(s.channels),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(coeffs),
	)
	if err := G.Let(s.coeffs, coeffT); err != nil {
		return nil, errors.Wrap(err, "let coefficients")
	}

	if err := s.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "run projection")
	}

	data, ok := s.out.Value().Data().([]float32)
	if !ok {
		return nil, errors.Errorf("projection produced %T", s.out.Value().Data())
	}
	values := make([]float32, len(data))
	copy(values, data)
	return values, nil
}

// Synthesize reconstructs a detection's full-resolution mask.
//
// The projected mask is resized to the image, then everything outside the detection's crop
// rectangle is zeroed before any thresholding happens.
//
// Arguments:
//   - basis: The frame's prototype basis.
//   - det: The detection.
//   - width, height: The output image size.
//
// Returns:
//   - *Mask: The cropped mask.
//   - error: On a dimension mismatch or projection failure.
func (s *Synthesizer) Synthesize(basis Basis, det postprocess.Detection, width, height int) (*Mask, error) {
	values, err := s.Project(basis, det.MaskCoefficients)
	if err != nil {
		return nil, errors.Wrapf(err, "synthesize mask for label %d", det.Label)
	}

	resized, err := images.ResizeMask(values, s.width, s.height, width, height)
	if err != nil {
		return nil, err
	}

	rect := images.CropRect(det.Box.X, det.Box.Y, det.Box.W, det.Box.H, width, height).Rectangle()
	crop(resized, width, rect)

	return &Mask{Rect: rect, width: width, height: height, values: resized}, nil
}

// Close releases the tape machine.
func (s *Synthesizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vm.Close()
}

// crop zeroes every value of a row-major mask outside r.
func crop(values []float32, width int, r image.Rectangle) {
	height := len(values) / width
	for y := 0; y < height; y++ {
		row := values[y*width : (y+1)*width]
		if y < r.Min.Y || y >= r.Max.Y {
			clear(row)
			continue
		}
		clear(row[:min(r.Min.X, width)])
		clear(row[min(r.Max.X, width):])
	}
}
