// Package yolact - YOLACT instance segmentation model.
package yolact

import (
	"image"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-yolact/anchors"
	"github.com/nvr-ai/go-yolact/feed"
	"github.com/nvr-ai/go-yolact/masks"
	"github.com/nvr-ai/go-yolact/models/model"
	"github.com/nvr-ai/go-yolact/models/model/preprocess"
	"github.com/nvr-ai/go-yolact/models/postprocess"
	"github.com/nvr-ai/go-yolact/overlay"
)

// DefaultInputSize is the square input side of the reference export.
const DefaultInputSize = 550

// Options is the options for the YOLACT model.
type Options struct {
	model.BaseModel `yaml:",inline"`

	Layout     anchors.Layout          `json:"layout" yaml:"layout"`
	Dims       feed.Dims               `json:"dims" yaml:"dims"`
	Tensors    feed.Mapping            `json:"-" yaml:"-"`
	NMS        postprocess.NMSConfig   `json:"nms" yaml:"nms"`
	Labels     []string                `json:"labels" yaml:"labels"`
	MaskAlpha  float32                 `json:"maskAlpha" yaml:"mask_alpha"`
	ColorMode  overlay.ColorMode       `json:"colorMode" yaml:"color_mode"`
	Offsets    []int                   `json:"offsets,omitempty" yaml:"offsets,omitempty"`
	Preprocess *preprocess.ModelConfig `json:"-" yaml:"-"`
}

// IsOptions marks Options as model options.
func (Options) IsOptions() {}

// DefaultOptions returns the options of the reference COCO export.
//
// Labels are left empty; overlays then fall back to "class N".
func DefaultOptions() Options {
	return Options{
		BaseModel: model.BaseModel{
			Name:      model.ModelNameYOLACT,
			Family:    model.ModelFamilyCOCO,
			InputSize: DefaultInputSize,
			Precision: model.PrecisionFP32,
		},
		Layout:    anchors.DefaultLayout(),
		Dims:      feed.DefaultDims(),
		Tensors:   feed.DefaultMapping(),
		NMS:       postprocess.DefaultNMSConfig(),
		MaskAlpha: overlay.DefaultMaskAlpha,
		ColorMode: overlay.ColorByLabel,
		Offsets:   anchors.DefaultOffsets,
	}
}

// YOLACT is the instance of the YOLACT model.
//
// The anchor table, flat feed arrays and mask graph are allocated once in NewModel and reused for
// every frame. Frames are processed one at a time; Process is safe for concurrent use.
type YOLACT struct {
	options Options
	log     *zap.Logger

	mu           sync.Mutex
	table        *anchors.Table
	assembler    *feed.Assembler
	suppressor   *postprocess.Suppressor
	synthesizer  *masks.Synthesizer
	renderer     *overlay.Renderer
	preprocessor *preprocess.Preprocessor
}

// NewModel creates a new YOLACT model.
//
// Arguments:
//   - opts: The model options.
//   - log: The logger; nil disables logging.
//
// Returns:
//   - *YOLACT: The model. Close it to release the mask graph.
//   - error: If the layout, dims, tensor mapping or NMS config is invalid.
func NewModel(opts Options, log *zap.Logger) (*YOLACT, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Tensors == nil {
		opts.Tensors = feed.DefaultMapping()
	}
	if opts.InputSize <= 0 {
		opts.InputSize = DefaultInputSize
	}
	if opts.MaskAlpha < 0 || opts.MaskAlpha > 1 {
		return nil, errors.Errorf("yolact: mask alpha %v outside [0, 1]", opts.MaskAlpha)
	}

	if err := opts.Layout.Validate(); err != nil {
		return nil, errors.Wrap(err, "yolact")
	}
	if len(opts.Offsets) > 0 {
		if err := opts.Layout.ValidateOffsets(opts.Offsets); err != nil {
			return nil, errors.Wrap(err, "yolact")
		}
	}

	table, err := anchors.NewTable(opts.Layout)
	if err != nil {
		return nil, errors.Wrap(err, "yolact")
	}
	assembler, err := feed.NewAssembler(opts.Layout, opts.Dims, opts.Tensors, log)
	if err != nil {
		return nil, errors.Wrap(err, "yolact")
	}
	suppressor, err := postprocess.NewSuppressor(opts.NMS)
	if err != nil {
		return nil, errors.Wrap(err, "yolact")
	}
	synthesizer, err := masks.NewSynthesizer(opts.Dims.ProtoHeight, opts.Dims.ProtoWidth, opts.Dims.MaskChannels)
	if err != nil {
		return nil, errors.Wrap(err, "yolact")
	}

	renderer := overlay.NewRenderer(opts.Labels)
	renderer.MaskAlpha = opts.MaskAlpha
	if opts.ColorMode != "" {
		renderer.ColorMode = opts.ColorMode
	}

	ppConfig := opts.Preprocess
	if ppConfig == nil {
		ppConfig = preprocess.GetYOLACTConfig(opts.InputSize)
	}

	log.Info("yolact model ready",
		zap.String("layout", opts.Layout.String()),
		zap.String("precision", string(opts.Precision)),
		zap.Int("anchors", table.Len()),
		zap.Int("classes", opts.Dims.NumClasses),
		zap.Int("mask_channels", opts.Dims.MaskChannels),
	)

	return &YOLACT{
		options:      opts,
		log:          log,
		table:        table,
		assembler:    assembler,
		suppressor:   suppressor,
		synthesizer:  synthesizer,
		renderer:     renderer,
		preprocessor: preprocess.NewPreprocessor(ppConfig, log),
	}, nil
}

// Options returns the base options of the model.
func (m *YOLACT) Options() model.BaseModel {
	return m.options.BaseModel
}

// Config returns the full model options.
func (m *YOLACT) Config() Options {
	return m.options
}

// Table returns the model's anchor table.
func (m *YOLACT) Table() *anchors.Table {
	return m.table
}

// Renderer returns the overlay renderer so callers can adjust palette or font.
func (m *YOLACT) Renderer() *overlay.Renderer {
	return m.renderer
}

// UnknownTensors returns how many unrecognized output tensors have been skipped so far.
func (m *YOLACT) UnknownTensors() int64 {
	return m.assembler.UnknownTotal()
}

// PreProcess converts an image into the network input tensor.
//
// Arguments:
//   - img: The input image.
//
// Returns:
//   - []float32: The normalized tensor in the configured layout.
//   - error: If the image is empty.
func (m *YOLACT) PreProcess(img image.Image) ([]float32, error) {
	result, err := m.preprocessor.Preprocess(img)
	if err != nil {
		return nil, errors.Wrap(err, "yolact: preprocess")
	}
	return result.Data, nil
}

// PreProcessBatch converts frames into one batched input tensor, frame i filling batch slot i.
//
// Frames are preprocessed concurrently, at most maxConcurrency at a time.
func (m *YOLACT) PreProcessBatch(imgs []image.Image, maxConcurrency int) ([]float32, error) {
	if len(imgs) == 0 {
		return nil, errors.New("yolact: preprocess: empty batch")
	}
	results, err := m.preprocessor.BatchPreprocess(imgs, maxConcurrency)
	if err != nil {
		return nil, errors.Wrap(err, "yolact: preprocess")
	}
	batch := make([]float32, 0, len(results)*len(results[0].Data))
	for _, r := range results {
		batch = append(batch, r.Data...)
	}
	return batch, nil
}

// Decode decodes an encoded JPEG, PNG or BMP frame.
func (m *YOLACT) Decode(img *preprocess.Image) (image.Image, error) {
	decoded, err := m.preprocessor.Decode(img)
	if err != nil {
		return nil, errors.Wrap(err, "yolact: decode")
	}
	return decoded, nil
}

// Close releases the mask graph.
func (m *YOLACT) Close() error {
	return m.synthesizer.Close()
}
