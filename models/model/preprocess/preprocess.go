// Package preprocess - Converts images into normalized network input tensors.
package preprocess

import (
	"bytes"
	"image"
	_ "image/jpeg" // register decoders for Decode
	_ "image/png"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"

	"github.com/nvr-ai/go-yolact/images"
)

// ImageFormat represents the format of an image.
type ImageFormat string

const (
	// ImageFormatJPEG represents JPEG image format.
	ImageFormatJPEG ImageFormat = "jpeg"
	// ImageFormatPNG represents PNG image format.
	ImageFormatPNG ImageFormat = "png"
	// ImageFormatBMP represents BMP image format.
	ImageFormatBMP ImageFormat = "bmp"
)

// FormatFromExtension maps a file extension (with or without the dot) to a format.
func FormatFromExtension(ext string) (ImageFormat, bool) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "jpg", "jpeg":
		return ImageFormatJPEG, true
	case "png":
		return ImageFormatPNG, true
	case "bmp":
		return ImageFormatBMP, true
	}
	return "", false
}

// Image represents an encoded input image with metadata.
type Image struct {
	// The format of the image.
	Format ImageFormat `json:"format" yaml:"format"`
	// The data of the image.
	Data []byte `json:"data" yaml:"data"`
	// The width of the image.
	Width int `json:"width" yaml:"width"`
	// The height of the image.
	Height int `json:"height" yaml:"height"`
}

// ModelConfig defines preprocessing configuration for a specific model.
type ModelConfig struct {
	// Name of the model for debugging purposes.
	Name string
	// InputWidth is the expected width of the model input.
	InputWidth int
	// InputHeight is the expected height of the model input.
	InputHeight int
	// InputChannels is the number of channels.
	InputChannels int
	// NormalizationType defines how to normalize pixel values.
	NormalizationType NormalizationType
	// MeanValues for standardization, in tensor channel order.
	MeanValues []float32
	// StdValues for standardization, in tensor channel order.
	StdValues []float32
	// ChannelOrder defines the channel ordering (CHW or HWC).
	ChannelOrder ChannelOrder
	// ColorMode defines the tensor channel color order.
	ColorMode ColorMode
}

// NormalizationType defines how pixel values are normalized.
type NormalizationType int

const (
	// NormalizeNone keeps pixel values as 0-255.
	NormalizeNone NormalizationType = iota
	// NormalizeZeroToOne scales pixel values to [0, 1].
	NormalizeZeroToOne
	// NormalizeMinusOneToOne scales pixel values to [-1, 1].
	NormalizeMinusOneToOne
	// NormalizeStandardize applies mean and std normalization.
	NormalizeStandardize
)

// ChannelOrder defines the ordering of image channels.
type ChannelOrder int

const (
	// ChannelOrderCHW is Channel-Height-Width ordering (common for ONNX).
	ChannelOrderCHW ChannelOrder = iota
	// ChannelOrderHWC is Height-Width-Channel ordering.
	ChannelOrderHWC
)

// ColorMode defines the color space of the image.
type ColorMode int

const (
	// ColorModeRGB is standard RGB color mode.
	ColorModeRGB ColorMode = iota
	// ColorModeBGR is BGR color mode (common for OpenCV trained models).
	ColorModeBGR
)

// PreprocessingResult contains the preprocessed image data and metadata.
type PreprocessingResult struct {
	// Data is the preprocessed float32 tensor data.
	Data []float32
	// OriginalWidth is the original image width before preprocessing.
	OriginalWidth int
	// OriginalHeight is the original image height before preprocessing.
	OriginalHeight int
	// ScaleX is the horizontal scaling factor applied.
	ScaleX float64
	// ScaleY is the vertical scaling factor applied.
	ScaleY float64
	// Shape contains the tensor shape [C, H, W] or [H, W, C].
	Shape []int
}

// Preprocessor handles image preprocessing for ONNX models.
type Preprocessor struct {
	config     *ModelConfig
	bufferPool *sync.Pool
	log        *zap.Logger
}

// NewPreprocessor creates a new preprocessor with the given configuration.
//
// Arguments:
// - config: The model-specific preprocessing configuration.
// - log: Debug logger; nil disables logging.
//
// Returns:
// - A configured Preprocessor instance.
//
// @example
//
//	preprocessor := NewPreprocessor(GetYOLACTConfig(550), logger)
func NewPreprocessor(config *ModelConfig, log *zap.Logger) *Preprocessor {
	if log == nil {
		log = zap.NewNop()
	}

	return &Preprocessor{
		config: config,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
		log: log,
	}
}

// Config returns the preprocessing configuration.
func (p *Preprocessor) Config() *ModelConfig {
	return p.config
}

// Preprocess resizes, reorders and normalizes img into a network input tensor.
//
// Arguments:
// - img: The decoded input image.
//
// Returns:
// - PreprocessingResult containing the preprocessed tensor and metadata.
// - error if preprocessing fails.
//
// @example
//
//	result, err := preprocessor.Preprocess(img)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tensor := result.Data
func (p *Preprocessor) Preprocess(img image.Image) (*PreprocessingResult, error) {
	if img == nil {
		return nil, errors.New("image is nil")
	}
	originalWidth := img.Bounds().Dx()
	originalHeight := img.Bounds().Dy()
	if originalWidth <= 0 || originalHeight <= 0 {
		return nil, errors.Errorf("invalid image dimensions: %dx%d", originalWidth, originalHeight)
	}
	if p.config.InputChannels != 3 {
		return nil, errors.Errorf("unsupported channel count %d", p.config.InputChannels)
	}

	resizedImg, scaleX, scaleY := p.resizeImage(img)

	tensor := p.imageToTensor(resizedImg)
	p.normalize(tensor)

	var shape []int
	if p.config.ChannelOrder == ChannelOrderCHW {
		shape = []int{p.config.InputChannels, p.config.InputHeight, p.config.InputWidth}
	} else {
		shape = []int{p.config.InputHeight, p.config.InputWidth, p.config.InputChannels}
	}

	p.log.Debug("preprocessed image",
		zap.String("model", p.config.Name),
		zap.Int("width", originalWidth),
		zap.Int("height", originalHeight),
		zap.Ints("shape", shape),
		zap.Float64("scale_x", scaleX),
		zap.Float64("scale_y", scaleY),
	)

	return &PreprocessingResult{
		Data:           tensor,
		OriginalWidth:  originalWidth,
		OriginalHeight: originalHeight,
		ScaleX:         scaleX,
		ScaleY:         scaleY,
		Shape:          shape,
	}, nil
}

// Decode decodes an encoded image.
//
// Arguments:
// - img: The encoded image.
//
// Returns:
// - The decoded image.
// - error if the image is empty or cannot be decoded.
func (p *Preprocessor) Decode(img *Image) (image.Image, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, errors.New("image data is empty")
	}

	buf := p.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		p.bufferPool.Put(buf)
	}()
	buf.Write(img.Data)

	decoded, _, err := image.Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s image", img.Format)
	}
	return decoded, nil
}

// resizeImage stretches the image to the model's input dimensions.
//
// Boxes and masks come back normalized to the input frame, which is why the aspect ratio is not
// preserved: normalized coordinates then map straight onto the source image.
//
// Returns:
// - The resized image.
// - scaleX: Horizontal scaling factor.
// - scaleY: Vertical scaling factor.
func (p *Preprocessor) resizeImage(img image.Image) (image.Image, float64, float64) {
	bounds := img.Bounds()
	scaleX := float64(p.config.InputWidth) / float64(bounds.Dx())
	scaleY := float64(p.config.InputHeight) / float64(bounds.Dy())
	return images.Resize(img, p.config.InputWidth, p.config.InputHeight), scaleX, scaleY
}

// imageToTensor converts an image to a float32 tensor in the configured layout and color order.
func (p *Preprocessor) imageToTensor(img image.Image) []float32 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	plane := width * height

	tensor := make([]float32, plane*p.config.InputChannels)

	idx := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			r8, g8, b8 := float32(uint8(r>>8)), float32(uint8(g>>8)), float32(uint8(b>>8))

			ch0, ch1, ch2 := r8, g8, b8
			if p.config.ColorMode == ColorModeBGR {
				ch0, ch1, ch2 = b8, g8, r8
			}

			if p.config.ChannelOrder == ChannelOrderCHW {
				tensor[y*width+x] = ch0
				tensor[plane+y*width+x] = ch1
				tensor[2*plane+y*width+x] = ch2
			} else {
				tensor[idx] = ch0
				tensor[idx+1] = ch1
				tensor[idx+2] = ch2
				idx += 3
			}
		}
	}

	return tensor
}

// normalize applies normalization to the tensor in place.
func (p *Preprocessor) normalize(tensor []float32) {
	switch p.config.NormalizationType {
	case NormalizeZeroToOne:
		for i := range tensor {
			tensor[i] /= 255.0
		}
	case NormalizeMinusOneToOne:
		for i := range tensor {
			tensor[i] = (tensor[i] / 127.5) - 1.0
		}
	case NormalizeStandardize:
		if len(p.config.MeanValues) != p.config.InputChannels ||
			len(p.config.StdValues) != p.config.InputChannels {
			// Fallback to zero-to-one if mean/std not properly configured.
			for i := range tensor {
				tensor[i] /= 255.0
			}
			return
		}

		pixelsPerChannel := len(tensor) / p.config.InputChannels
		for c := 0; c < p.config.InputChannels; c++ {
			mean := p.config.MeanValues[c]
			std := p.config.StdValues[c]

			if p.config.ChannelOrder == ChannelOrderCHW {
				offset := c * pixelsPerChannel
				for i := 0; i < pixelsPerChannel; i++ {
					tensor[offset+i] = (tensor[offset+i] - mean) / std
				}
			} else {
				for i := c; i < len(tensor); i += p.config.InputChannels {
					tensor[i] = (tensor[i] - mean) / std
				}
			}
		}
	}
}

// GetYOLACTConfig returns the standard configuration for YOLACT models.
//
// YOLACT stretches the frame to a square input and standardizes BGR channels.
//
// Arguments:
// - inputSize: The input size (550 for the reference export).
//
// Returns:
// - A configured ModelConfig for YOLACT.
//
// @example
//
//	config := GetYOLACTConfig(550)
//	preprocessor := NewPreprocessor(config, nil)
func GetYOLACTConfig(inputSize int) *ModelConfig {
	return &ModelConfig{
		Name:              "yolact",
		InputWidth:        inputSize,
		InputHeight:       inputSize,
		InputChannels:     3,
		NormalizationType: NormalizeStandardize,
		MeanValues:        []float32{103.94, 116.78, 123.68},
		StdValues:         []float32{57.38, 57.12, 58.40},
		ChannelOrder:      ChannelOrderCHW,
		ColorMode:         ColorModeBGR,
	}
}

// BatchPreprocess processes multiple images in parallel.
//
// Arguments:
// - imgs: Images to preprocess.
// - maxConcurrency: Maximum number of images to process concurrently.
//
// Returns:
// - Slice of preprocessing results in input order.
// - error if any preprocessing fails.
func (p *Preprocessor) BatchPreprocess(imgs []image.Image, maxConcurrency int) ([]*PreprocessingResult, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	results := make([]*PreprocessingResult, len(imgs))
	errs := make([]error, len(imgs))

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for i, img := range imgs {
		wg.Add(1)
		go func(idx int, img image.Image) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := p.Preprocess(img)
			if err != nil {
				errs[idx] = errors.Wrapf(err, "failed to preprocess image %d", idx)
			} else {
				results[idx] = result
			}
		}(i, img)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return results, nil
}
