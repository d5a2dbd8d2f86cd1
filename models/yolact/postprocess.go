package yolact

import (
	"image"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-yolact/feed"
	"github.com/nvr-ai/go-yolact/masks"
	"github.com/nvr-ai/go-yolact/models/postprocess"
)

// Result is one frame's post-processed output.
type Result struct {
	// Detections are ordered by ascending label, then descending score.
	Detections []postprocess.Detection
	// Basis is the frame's prototype mask basis, copied out of the feed.
	Basis masks.Basis
	// Report lists the tensors consumed and skipped.
	Report feed.Report
	// Decoded is the number of anchors decoded for this frame.
	Decoded int
}

// Instance is a detection with its instance mask.
type Instance struct {
	postprocess.Detection
	Mask *masks.Mask
}

// Process assembles one batch slot of raw outputs and runs decode and suppression.
//
// Arguments:
//   - outputs: The network output tensors, in any order.
//   - batchSlot: The batch element to read.
//
// Returns:
//   - *Result: The detections and mask basis of the frame.
//   - error: feed.ErrMalformedFeed for shape or mapping problems.
func (m *YOLACT) Process(outputs []feed.Buffer, batchSlot int) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report, err := m.assembler.Assemble(outputs, batchSlot)
	if err != nil {
		return nil, errors.Wrap(err, "yolact: assemble")
	}

	cache, err := postprocess.NewFrameCache(m.table, m.assembler.Location(), m.assembler.MaskCoeff(), m.options.Dims.MaskChannels)
	if err != nil {
		return nil, errors.Wrap(err, "yolact: frame cache")
	}

	detections, err := m.suppressor.Run(m.assembler.Confidence(), m.options.Dims.NumClasses, cache)
	if err != nil {
		return nil, errors.Wrap(err, "yolact: suppress")
	}

	proto := m.assembler.Prototype()
	basis := masks.Basis{
		Data:     make([]float32, len(proto)),
		Height:   m.options.Dims.ProtoHeight,
		Width:    m.options.Dims.ProtoWidth,
		Channels: m.options.Dims.MaskChannels,
	}
	copy(basis.Data, proto)

	m.log.Debug("frame processed",
		zap.Int("detections", len(detections)),
		zap.Int("decoded", cache.Decoded()),
		zap.Strings("unknown", report.Unknown),
	)

	return &Result{
		Detections: detections,
		Basis:      basis,
		Report:     report,
		Decoded:    cache.Decoded(),
	}, nil
}

// PostProcess returns the detections of one batch slot.
func (m *YOLACT) PostProcess(outputs []feed.Buffer, batchSlot int) ([]postprocess.Detection, error) {
	result, err := m.Process(outputs, batchSlot)
	if err != nil {
		return nil, err
	}
	return result.Detections, nil
}

// Segment builds the instance masks of the detections scoring at least scoreThreshold.
//
// Arguments:
//   - result: A frame result from Process.
//   - width, height: The output image resolution.
//   - scoreThreshold: The minimum score, in [0, 1].
//
// Returns:
//   - []Instance: The qualifying detections in emission order, each with its mask.
//   - error: On an invalid threshold or a mask synthesis failure.
func (m *YOLACT) Segment(result *Result, width, height int, scoreThreshold float32) ([]Instance, error) {
	ms, err := m.instanceMasks(result, width, height, scoreThreshold)
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(ms))
	for i, mask := range ms {
		if mask == nil {
			continue
		}
		instances = append(instances, Instance{Detection: result.Detections[i], Mask: mask})
	}
	return instances, nil
}

// Overlay draws the masks, boxes and labels of result onto a copy of img.
//
// Arguments:
//   - img: The original frame.
//   - result: A frame result from Process.
//   - scoreThreshold: The minimum score to draw, in [0, 1].
//
// Returns:
//   - *image.RGBA: The rendered overlay.
//   - error: On an invalid threshold or a mask synthesis failure.
func (m *YOLACT) Overlay(img image.Image, result *Result, scoreThreshold float32) (*image.RGBA, error) {
	b := img.Bounds()
	ms, err := m.instanceMasks(result, b.Dx(), b.Dy(), scoreThreshold)
	if err != nil {
		return nil, err
	}
	return m.renderer.Render(img, result.Detections, ms, scoreThreshold)
}

// instanceMasks returns one mask per detection, nil for detections below scoreThreshold.
func (m *YOLACT) instanceMasks(result *Result, width, height int, scoreThreshold float32) ([]*masks.Mask, error) {
	if err := postprocess.ValidateScoreThreshold(scoreThreshold); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("yolact: nil result")
	}

	ms := make([]*masks.Mask, len(result.Detections))
	for i, det := range result.Detections {
		if det.Score < scoreThreshold {
			continue
		}
		mask, err := m.synthesizer.Synthesize(result.Basis, det, width, height)
		if err != nil {
			return nil, errors.Wrapf(err, "yolact: detection %d", i)
		}
		ms[i] = mask
	}
	return ms, nil
}
