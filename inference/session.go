// Package inference - ONNX Runtime sessions producing raw output buffers.
package inference

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-yolact/anchors"
	"github.com/nvr-ai/go-yolact/feed"
)

// SharedLibraryEnv overrides the ONNX Runtime library location.
const SharedLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// Provider is an ONNX Runtime execution provider.
type Provider string

const (
	// ProviderCPU runs on the default CPU provider.
	ProviderCPU Provider = "cpu"
	// ProviderCUDA runs on an NVIDIA GPU.
	ProviderCUDA Provider = "cuda"
	// ProviderCoreML runs on Apple's CoreML.
	ProviderCoreML Provider = "coreml"
	// ProviderOpenVINO runs on Intel OpenVINO.
	ProviderOpenVINO Provider = "openvino"
)

// OutputSpec names one output tensor and its fixed shape.
type OutputSpec struct {
	Name  string  `json:"name" yaml:"name"`
	Shape []int64 `json:"shape" yaml:"shape"`
}

// Size returns the element count of the shape.
func (o OutputSpec) Size() int {
	n := 1
	for _, d := range o.Shape {
		n *= int(d)
	}
	return n
}

// SessionConfig describes the model file, its input and outputs, and how to run it.
type SessionConfig struct {
	// ModelPath is the ONNX file.
	ModelPath string `json:"modelPath" yaml:"model_path"`
	// SharedLibraryPath is the ONNX Runtime library; empty selects GetSharedLibPath.
	SharedLibraryPath string `json:"sharedLibraryPath" yaml:"shared_library_path"`
	// InputName is the image input tensor name.
	InputName string `json:"inputName" yaml:"input_name"`
	// InputShape is [batch, channels, height, width] for NCHW exports.
	InputShape []int64 `json:"inputShape" yaml:"input_shape"`
	// Outputs lists every output tensor to fetch.
	Outputs []OutputSpec `json:"outputs" yaml:"outputs"`
	// Provider selects the execution provider.
	Provider Provider `json:"provider" yaml:"provider"`
	// IntraOpThreads bounds intra-op parallelism; 0 lets ONNX Runtime decide.
	IntraOpThreads int `json:"intraOpThreads" yaml:"intra_op_threads"`
	// DeviceID selects the GPU or OpenVINO device.
	DeviceID string `json:"deviceId" yaml:"device_id"`
}

// Validate checks that the config names a model, an input and at least one output.
func (c SessionConfig) Validate() error {
	if c.ModelPath == "" {
		return errors.New("session: model path is required")
	}
	if c.InputName == "" || len(c.InputShape) == 0 {
		return errors.New("session: input name and shape are required")
	}
	for _, d := range c.InputShape {
		if d <= 0 {
			return errors.Errorf("session: input shape %v", c.InputShape)
		}
	}
	if len(c.Outputs) == 0 {
		return errors.New("session: at least one output is required")
	}
	for _, o := range c.Outputs {
		if o.Name == "" || len(o.Shape) == 0 || o.Size() <= 0 {
			return errors.Errorf("session: output %q shape %v", o.Name, o.Shape)
		}
	}
	switch c.Provider {
	case "", ProviderCPU, ProviderCUDA, ProviderCoreML, ProviderOpenVINO:
	default:
		return errors.Errorf("session: unknown provider %q", c.Provider)
	}
	return nil
}

// OutputsFor derives the output specs of a YOLACT export from its tensor mapping.
//
// Per-level tensors are [batch, anchors, C] and the prototype is [batch, H, W, C]. Specs are
// sorted by name.
func OutputsFor(mapping feed.Mapping, layout anchors.Layout, dims feed.Dims, batch int) []OutputSpec {
	specs := make([]OutputSpec, 0, len(mapping))
	for name, b := range mapping {
		ch := int64(dims.Channels(b.Role))
		var shape []int64
		if b.Role == feed.RolePrototype {
			shape = []int64{int64(batch), int64(dims.ProtoHeight), int64(dims.ProtoWidth), ch}
		} else {
			shape = []int64{int64(batch), int64(layout.LevelCount(b.Level)), ch}
		}
		specs = append(specs, OutputSpec{Name: name, Shape: shape})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment loads the shared library and initializes ONNX Runtime once per process.
func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if _, err := os.Stat(libPath); err != nil {
			envErr = errors.Wrapf(err, "ONNX Runtime library not found at %s", libPath)
			return
		}
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = errors.Wrap(err, "error initializing ORT environment")
		}
	})
	return envErr
}

// Session runs one model with preallocated input and output tensors.
type Session struct {
	mu      sync.Mutex
	config  SessionConfig
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs []*ort.Tensor[float32]
	log     *zap.Logger
}

// NewSession creates a new ONNX Runtime session.
//
// Order of operations:
//  1. Library path check and one-time environment setup.
//  2. Tensor allocation for the input and every output.
//  3. Session options: threading, graph optimization and the execution provider.
//  4. Session creation, binding the tensors.
//
// Arguments:
//   - config: The session configuration.
//   - log: The logger; nil disables logging.
//
// Returns:
//   - *Session: The session. Close it to release native resources.
//   - error: An error if the configuration is invalid or session creation fails.
func NewSession(config SessionConfig, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Provider == "" {
		config.Provider = ProviderCPU
	}

	libPath := config.SharedLibraryPath
	if libPath == "" {
		libPath = GetSharedLibPath()
	}
	if err := initEnvironment(libPath); err != nil {
		return nil, err
	}

	s := &Session{config: config, log: log}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(config.InputShape...))
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}
	s.input = input

	names := make([]string, len(config.Outputs))
	outputs := make([]ort.ArbitraryTensor, len(config.Outputs))
	for i, spec := range config.Outputs {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.Shape...))
		if err != nil {
			_ = s.Close()
			return nil, errors.Wrapf(err, "error creating output tensor %q", spec.Name)
		}
		s.outputs = append(s.outputs, t)
		names[i] = spec.Name
		outputs[i] = t
	}

	options, err := sessionOptions(config)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(
		config.ModelPath,
		[]string{config.InputName},
		names,
		[]ort.ArbitraryTensor{input},
		outputs,
		options,
	)
	if err != nil {
		_ = s.Close()
		return nil, errors.Wrap(err, "failed to create ONNX session")
	}
	s.session = session

	log.Info("onnx session ready",
		zap.String("model", config.ModelPath),
		zap.String("provider", string(config.Provider)),
		zap.Int("outputs", len(config.Outputs)),
	)
	return s, nil
}

// sessionOptions builds threading, optimization and execution provider settings.
func sessionOptions(config SessionConfig) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating ORT session options")
	}

	if err := options.SetIntraOpNumThreads(config.IntraOpThreads); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "error setting intra-op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		options.Destroy()
		return nil, errors.Wrap(err, "error setting graph optimization level")
	}

	switch config.Provider {
	case ProviderCoreML:
		err = options.AppendExecutionProviderCoreML(0)
	case ProviderOpenVINO:
		settings := map[string]string{"device_type": "CPU"}
		if config.DeviceID != "" {
			settings["device_id"] = config.DeviceID
		}
		err = options.AppendExecutionProviderOpenVINO(settings)
	case ProviderCUDA:
		err = appendCUDA(options, config.DeviceID)
	}
	if err != nil {
		options.Destroy()
		return nil, errors.Wrapf(err, "error enabling %s", config.Provider)
	}
	return options, nil
}

func appendCUDA(options *ort.SessionOptions, deviceID string) error {
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cuda.Destroy()

	if deviceID == "" {
		deviceID = "0"
	}
	if err := cuda.Update(map[string]string{"device_id": deviceID}); err != nil {
		return err
	}
	return options.AppendExecutionProviderCUDA(cuda)
}

// Run executes the model on one preprocessed input.
//
// Arguments:
//   - input: The input tensor data; its length must match the input shape.
//
// Returns:
//   - []feed.Buffer: One buffer per output, holding a copy of its data.
//   - error: On a size mismatch or a runtime failure.
func (s *Session) Run(input []float32) ([]feed.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, errors.New("session: closed")
	}
	dst := s.input.GetData()
	if len(input) != len(dst) {
		return nil, errors.Errorf("session: input has %d values, want %d", len(input), len(dst))
	}
	copy(dst, input)

	if err := s.session.Run(); err != nil {
		return nil, errors.Wrap(err, "session: run")
	}

	buffers := make([]feed.Buffer, len(s.outputs))
	for i, t := range s.outputs {
		buffers[i] = toBuffer(s.config.Outputs[i], t.GetData())
	}
	return buffers, nil
}

// toBuffer copies tensor data into a feed buffer, so the next Run cannot overwrite it.
func toBuffer(spec OutputSpec, data []float32) feed.Buffer {
	shape := make([]int64, len(spec.Shape))
	copy(shape, spec.Shape)
	out := make([]float32, len(data))
	copy(out, data)
	return feed.Buffer{Name: spec.Name, Shape: shape, Data: out}
}

// Close releases the session and its tensors.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.session != nil {
		if dErr := s.session.Destroy(); dErr != nil {
			err = fmt.Errorf("error destroying ORT session: %w", dErr)
		}
		s.session = nil
	}
	if s.input != nil {
		s.input.Destroy()
		s.input = nil
	}
	for _, t := range s.outputs {
		t.Destroy()
	}
	s.outputs = nil
	return err
}

// GetSharedLibPath returns the ONNX Runtime library path for the current platform.
//
// The SharedLibraryEnv environment variable takes precedence.
//
// Returns:
//   - string: The path to the shared library.
func GetSharedLibPath() string {
	if p := os.Getenv(SharedLibraryEnv); p != "" {
		return p
	}
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	}
}
