package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-yolact/feed"
	"github.com/nvr-ai/go-yolact/inference"
	"github.com/nvr-ai/go-yolact/models/model"
	"github.com/nvr-ai/go-yolact/overlay"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 550, cfg.Model.InputSize)
	assert.Equal(t, model.PrecisionFP32, cfg.Model.Precision)
	assert.Equal(t, []int{0, 14283, 17958, 18930, 19173, 19248}, cfg.Model.Layout.Offsets())
	assert.Equal(t, float32(0.6), cfg.Postprocess.ConfidenceThreshold)
	assert.Equal(t, float32(0.2), cfg.Postprocess.IoUThreshold)
	assert.Equal(t, 200, cfg.Postprocess.TopK)
	assert.Equal(t, 15, cfg.Postprocess.KeepTopK)
	assert.Len(t, cfg.Tensors, 16)

	mapping, err := cfg.Mapping()
	require.NoError(t, err)
	assert.Equal(t, feed.DefaultMapping(), mapping)
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
model:
  path: /models/yolact.onnx
  precision: FP16
postprocess:
  keep_top_k: 30
  num_workers: 4
render:
  score_threshold: 0.3
  color_mode: index
runtime:
  provider: cuda
log:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, "/models/yolact.onnx", cfg.Model.Path)
	assert.Equal(t, model.PrecisionFP16, cfg.Model.Precision)
	assert.Equal(t, 30, cfg.Postprocess.KeepTopK)
	assert.Equal(t, 4, cfg.Postprocess.NumWorkers)
	assert.Equal(t, float32(0.6), cfg.Postprocess.ConfidenceThreshold, "unset keys keep their default")
	assert.Equal(t, float32(0.3), cfg.Render.ScoreThreshold)
	assert.Equal(t, overlay.ColorByIndex, cfg.Render.ColorMode)
	assert.Equal(t, inference.ProviderCUDA, cfg.Runtime.Provider)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Len(t, cfg.Tensors, 16)
}

func TestParseCustomTensorsAndLayout(t *testing.T) {
	cfg, err := Parse([]byte(`
model:
  layout:
    levels:
      - {feature_size: 2, scale: 8}
    aspect_ratios: [1]
    max_size: 16
  offsets: [0, 4]
  dims: {num_classes: 3, mask_channels: 2, proto_height: 2, proto_width: 2}
tensors:
  - {name: loc, role: location, level: 0}
  - {name: conf, role: confidence, level: 0}
  - {name: coef, role: mask_coeff, level: 0}
  - {name: proto, role: prototype}
`))
	require.NoError(t, err)

	mapping, err := cfg.Mapping()
	require.NoError(t, err)
	assert.Equal(t, feed.Binding{Role: feed.RoleMaskCoeff}, mapping["coef"])
	assert.Len(t, mapping, 4)

	opts, err := cfg.ModelOptions([]string{"bg", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 4, opts.Layout.Count())
	assert.Equal(t, model.PrecisionFP32, opts.Precision)
	assert.Equal(t, mapping, opts.Tensors)

	session, err := cfg.SessionConfig()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 550, 550}, session.InputShape)
	require.Len(t, session.Outputs, 4)
	assert.Equal(t, "coef", session.Outputs[0].Name)
	assert.Equal(t, []int64{1, 4, 2}, session.Outputs[0].Shape)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"model name", "model: {name: rfdetr}"},
		{"input size", "model: {input_size: 0}"},
		{"precision", "model: {precision: ACCURACY}"},
		{"offsets", "model: {offsets: [0, 1]}"},
		{"iou threshold", "postprocess: {iou_threshold: 1.5}"},
		{"keep top k", "postprocess: {keep_top_k: 0}"},
		{"score threshold", "render: {score_threshold: -0.1}"},
		{"mask alpha", "render: {mask_alpha: 2}"},
		{"color mode", "render: {color_mode: rainbow}"},
		{"unknown role", "tensors: [{name: x, role: heatmap}]"},
		{"incomplete tensors", "tensors: [{name: x, role: prototype}]"},
		{"batch size", "runtime: {batch_size: 0}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "yolact.yaml")
	require.NoError(t, os.WriteFile(path, []byte("render: {score_threshold: 0.7}\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, float32(0.7), cfg.Render.ScoreThreshold)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("model: [unterminated"), 0o600))
	_, err = Load(bad)
	assert.Error(t, err)
}
