// Package config - YAML configuration for the segmentation pipeline.
package config

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-yolact/anchors"
	"github.com/nvr-ai/go-yolact/feed"
	"github.com/nvr-ai/go-yolact/inference"
	"github.com/nvr-ai/go-yolact/logger"
	"github.com/nvr-ai/go-yolact/models/model"
	"github.com/nvr-ai/go-yolact/models/postprocess"
	"github.com/nvr-ai/go-yolact/models/yolact"
	"github.com/nvr-ai/go-yolact/overlay"
)

// ErrInvalidConfig is returned when a configuration value is out of range.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the application configuration.
type Config struct {
	Model       ModelConfig           `json:"model" yaml:"model"`
	Postprocess postprocess.NMSConfig `json:"postprocess" yaml:"postprocess"`
	Render      RenderConfig          `json:"render" yaml:"render"`
	Tensors     []TensorConfig        `json:"tensors" yaml:"tensors"`
	Runtime     RuntimeConfig         `json:"runtime" yaml:"runtime"`
	Log         logger.Config         `json:"log" yaml:"log"`
}

// ModelConfig describes the network and its anchor geometry.
type ModelConfig struct {
	Name      model.Name      `json:"name" yaml:"name"`
	Family    model.Family    `json:"family" yaml:"family"`
	Path      string          `json:"path" yaml:"path"`
	InputSize int             `json:"inputSize" yaml:"input_size"`
	Precision model.Precision `json:"precision" yaml:"precision"`
	Layout    anchors.Layout  `json:"layout" yaml:"layout"`
	Dims      feed.Dims       `json:"dims" yaml:"dims"`
	// Offsets, when set, must equal the level boundaries derived from Layout.
	Offsets []int `json:"offsets" yaml:"offsets"`
}

// RenderConfig controls overlay drawing.
type RenderConfig struct {
	ScoreThreshold float32           `json:"scoreThreshold" yaml:"score_threshold"`
	MaskAlpha      float32           `json:"maskAlpha" yaml:"mask_alpha"`
	ColorMode      overlay.ColorMode `json:"colorMode" yaml:"color_mode"`
}

// TensorConfig binds one output tensor name to a role and level.
type TensorConfig struct {
	Name  string `json:"name" yaml:"name"`
	Role  string `json:"role" yaml:"role"`
	Level int    `json:"level" yaml:"level"`
}

// RuntimeConfig configures the ONNX Runtime session.
type RuntimeConfig struct {
	SharedLibraryPath string             `json:"sharedLibraryPath" yaml:"shared_library_path"`
	Provider          inference.Provider `json:"provider" yaml:"provider"`
	IntraOpThreads    int                `json:"intraOpThreads" yaml:"intra_op_threads"`
	DeviceID          string             `json:"deviceId" yaml:"device_id"`
	InputName         string             `json:"inputName" yaml:"input_name"`
	BatchSize         int                `json:"batchSize" yaml:"batch_size"`
}

// Default returns the configuration of the reference COCO export.
func Default() *Config {
	mapping := feed.DefaultMapping()
	tensors := make([]TensorConfig, 0, len(mapping))
	for name, b := range mapping {
		tensors = append(tensors, TensorConfig{Name: name, Role: b.Role.String(), Level: b.Level})
	}
	sort.Slice(tensors, func(i, j int) bool { return tensors[i].Name < tensors[j].Name })

	offsets := make([]int, len(anchors.DefaultOffsets))
	copy(offsets, anchors.DefaultOffsets)

	return &Config{
		Model: ModelConfig{
			Name:      model.ModelNameYOLACT,
			Family:    model.ModelFamilyCOCO,
			InputSize: yolact.DefaultInputSize,
			Precision: model.PrecisionFP32,
			Layout:    anchors.DefaultLayout(),
			Dims:      feed.DefaultDims(),
			Offsets:   offsets,
		},
		Postprocess: postprocess.DefaultNMSConfig(),
		Render: RenderConfig{
			ScoreThreshold: 0.5,
			MaskAlpha:      overlay.DefaultMaskAlpha,
			ColorMode:      overlay.ColorByLabel,
		},
		Tensors: tensors,
		Runtime: RuntimeConfig{
			Provider:  inference.ProviderCPU,
			InputName: "input",
			BatchSize: 1,
		},
		Log: logger.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults and validates the result.
//
// Lists in the file (levels, aspect ratios, offsets, tensors) replace the default lists.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read configuration file")
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Model.Name != model.ModelNameYOLACT {
		return errors.Wrapf(ErrInvalidConfig, "model.name %q", c.Model.Name)
	}
	if c.Model.InputSize <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "model.input_size %d", c.Model.InputSize)
	}
	if err := c.Model.Precision.Validate(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "model.precision: %v", err)
	}
	if err := c.Model.Layout.Validate(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "model.layout: %v", err)
	}
	if len(c.Model.Offsets) > 0 {
		if err := c.Model.Layout.ValidateOffsets(c.Model.Offsets); err != nil {
			return errors.Wrapf(ErrInvalidConfig, "model.offsets: %v", err)
		}
	}
	if err := c.Model.Dims.Validate(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "model.dims: %v", err)
	}
	if err := c.Postprocess.Validate(); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "postprocess: %v", err)
	}
	if err := postprocess.ValidateScoreThreshold(c.Render.ScoreThreshold); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "render.score_threshold: %v", err)
	}
	if c.Render.MaskAlpha < 0 || c.Render.MaskAlpha > 1 {
		return errors.Wrapf(ErrInvalidConfig, "render.mask_alpha %v", c.Render.MaskAlpha)
	}
	switch c.Render.ColorMode {
	case overlay.ColorByLabel, overlay.ColorByIndex:
	default:
		return errors.Wrapf(ErrInvalidConfig, "render.color_mode %q", c.Render.ColorMode)
	}
	mapping, err := c.Mapping()
	if err != nil {
		return errors.Wrapf(ErrInvalidConfig, "tensors: %v", err)
	}
	if err := mapping.Validate(len(c.Model.Layout.Levels)); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "tensors: %v", err)
	}
	if c.Runtime.BatchSize <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "runtime.batch_size %d", c.Runtime.BatchSize)
	}
	if c.Runtime.InputName == "" {
		return errors.Wrap(ErrInvalidConfig, "runtime.input_name is empty")
	}
	return nil
}

// Mapping converts the tensors list into a feed mapping.
func (c *Config) Mapping() (feed.Mapping, error) {
	if len(c.Tensors) == 0 {
		return nil, errors.New("no tensors configured")
	}
	m := make(feed.Mapping, len(c.Tensors))
	for _, t := range c.Tensors {
		if t.Name == "" {
			return nil, errors.New("tensor with empty name")
		}
		if _, dup := m[t.Name]; dup {
			return nil, errors.Errorf("tensor %q listed twice", t.Name)
		}
		role, err := feed.ParseRole(t.Role)
		if err != nil {
			return nil, err
		}
		m[t.Name] = feed.Binding{Role: role, Level: t.Level}
	}
	return m, nil
}

// ModelOptions builds YOLACT options; labels name the classes for overlays.
func (c *Config) ModelOptions(labels []string) (yolact.Options, error) {
	mapping, err := c.Mapping()
	if err != nil {
		return yolact.Options{}, errors.Wrapf(ErrInvalidConfig, "tensors: %v", err)
	}
	opts := yolact.DefaultOptions()
	opts.Name = c.Model.Name
	opts.Family = c.Model.Family
	opts.Path = c.Model.Path
	opts.InputSize = c.Model.InputSize
	opts.Precision = c.Model.Precision
	opts.Layout = c.Model.Layout
	opts.Dims = c.Model.Dims
	opts.Offsets = c.Model.Offsets
	opts.Tensors = mapping
	opts.NMS = c.Postprocess
	opts.Labels = labels
	opts.MaskAlpha = c.Render.MaskAlpha
	opts.ColorMode = c.Render.ColorMode
	return opts, nil
}

// SessionConfig builds the ONNX Runtime session configuration for an NCHW export.
func (c *Config) SessionConfig() (inference.SessionConfig, error) {
	mapping, err := c.Mapping()
	if err != nil {
		return inference.SessionConfig{}, errors.Wrapf(ErrInvalidConfig, "tensors: %v", err)
	}
	size := int64(c.Model.InputSize)
	return inference.SessionConfig{
		ModelPath:         c.Model.Path,
		SharedLibraryPath: c.Runtime.SharedLibraryPath,
		InputName:         c.Runtime.InputName,
		InputShape:        []int64{int64(c.Runtime.BatchSize), 3, size, size},
		Outputs:           inference.OutputsFor(mapping, c.Model.Layout, c.Model.Dims, c.Runtime.BatchSize),
		Provider:          c.Runtime.Provider,
		IntraOpThreads:    c.Runtime.IntraOpThreads,
		DeviceID:          c.Runtime.DeviceID,
	}, nil
}
