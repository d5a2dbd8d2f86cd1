package main

import (
	"flag"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-yolact/config"
	"github.com/nvr-ai/go-yolact/inference"
	"github.com/nvr-ai/go-yolact/logger"
	"github.com/nvr-ai/go-yolact/models"
	"github.com/nvr-ai/go-yolact/models/yolact"
	"github.com/nvr-ai/go-yolact/profiler"
	"github.com/nvr-ai/go-yolact/util"
)

// Supported file extensions
var (
	supportedVideoExtensions = []string{".mp4", ".avi", ".mov", ".mkv"}
	supportedImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp"}
)

type options struct {
	configPath     string
	imagePath      string
	videoPath      string
	framesDir      string
	outputPath     string
	modelPath      string
	scoreThreshold float64
	batchSlot      int
	repeat         int
	prototypeDir   string
	prototypeCSV   bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to a YAML configuration file")
	flag.StringVar(&opts.imagePath, "image", "", "Path to image file (.jpg, .jpeg, .png, .bmp)")
	flag.StringVar(&opts.videoPath, "video", "", "Path to video file (.mp4, .avi, .mov, .mkv)")
	flag.StringVar(&opts.framesDir, "frames", "", "Directory of numbered frames (frame-N.jpg)")
	flag.StringVar(&opts.outputPath, "output", "", "Where to write the overlay image, video or frame directory")
	flag.StringVar(&opts.modelPath, "model", "", "ONNX model path, overrides model.path")
	flag.Float64Var(&opts.scoreThreshold, "score", -1, "Overlay score threshold, overrides render.score_threshold")
	flag.IntVar(&opts.batchSlot, "batch-slot", 0, "Batch element to post-process")
	flag.IntVar(&opts.repeat, "repeat", 1, "Run an image through the pipeline this many times")
	flag.StringVar(&opts.prototypeDir, "dump-prototypes", "", "Directory to write prototype mask channels to")
	flag.BoolVar(&opts.prototypeCSV, "prototype-csv", false, "Also write each prototype channel as CSV")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "yolact: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	if err := validateInputFlags(opts); err != nil {
		return err
	}

	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return err
		}
	}
	if opts.modelPath != "" {
		cfg.Model.Path = opts.modelPath
	}
	if opts.scoreThreshold >= 0 {
		cfg.Render.ScoreThreshold = float32(opts.scoreThreshold)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	p, err := newPipeline(cfg, opts.batchSlot, log)
	if err != nil {
		return err
	}
	defer p.Close()

	switch {
	case opts.videoPath != "":
		err = p.runVideo(opts.videoPath, opts.outputPath)
	case opts.framesDir != "":
		err = p.runFrames(opts.framesDir, opts.outputPath)
	default:
		err = p.runImage(opts)
	}
	p.profiler.Report(log)
	return err
}

// pipeline runs preprocess, inference, post-processing and overlay for one model.
type pipeline struct {
	cfg       *config.Config
	model     *yolact.YOLACT
	session   *inference.Session
	profiler  *profiler.Profiler
	batchSlot int
	log       *zap.Logger
}

func newPipeline(cfg *config.Config, batchSlot int, log *zap.Logger) (*pipeline, error) {
	if batchSlot < 0 || batchSlot >= cfg.Runtime.BatchSize {
		return nil, errors.Errorf("batch slot %d outside batch of %d", batchSlot, cfg.Runtime.BatchSize)
	}

	modelOpts, err := cfg.ModelOptions(models.Labels(cfg.Model.Family))
	if err != nil {
		return nil, err
	}
	m, err := yolact.NewModel(modelOpts, log)
	if err != nil {
		return nil, err
	}

	sessionCfg, err := cfg.SessionConfig()
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	session, err := inference.NewSession(sessionCfg, log)
	if err != nil {
		_ = m.Close()
		return nil, err
	}

	return &pipeline{
		cfg:       cfg,
		model:     m,
		session:   session,
		profiler:  profiler.New(profiler.DefaultMaxSamples),
		batchSlot: batchSlot,
		log:       log,
	}, nil
}

// Close releases the session and the model.
func (p *pipeline) Close() {
	if err := p.session.Close(); err != nil {
		p.log.Warn("closing session", zap.Error(err))
	}
	_ = p.model.Close()
}

// frame runs one image through every stage and returns the post-processed result and overlay.
func (p *pipeline) frame(img image.Image) (*yolact.Result, *image.RGBA, error) {
	// Every batch slot receives the same frame.
	batch := make([]image.Image, p.cfg.Runtime.BatchSize)
	for i := range batch {
		batch[i] = img
	}

	stop := p.profiler.StartOperation(profiler.StagePreprocess)
	input, err := p.model.PreProcessBatch(batch, runtime.NumCPU())
	stop()
	if err != nil {
		return nil, nil, err
	}

	stop = p.profiler.StartOperation(profiler.StageExecute)
	outputs, err := p.session.Run(input)
	stop()
	if err != nil {
		return nil, nil, err
	}

	stop = p.profiler.StartOperation(profiler.StagePostprocess)
	result, err := p.model.Process(outputs, p.batchSlot)
	stop()
	if err != nil {
		return nil, nil, err
	}

	stop = p.profiler.StartOperation(profiler.StageOverlay)
	overlay, err := p.model.Overlay(img, result, p.cfg.Render.ScoreThreshold)
	stop()
	if err != nil {
		return nil, nil, err
	}
	return result, overlay, nil
}

func (p *pipeline) runImage(opts options) error {
	img, err := readImage(opts.imagePath)
	if err != nil {
		return err
	}
	p.log.Info("processing image",
		zap.String("path", opts.imagePath),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()),
	)

	var (
		result  *yolact.Result
		overlay *image.RGBA
	)
	for i := 0; i < opts.repeat; i++ {
		if result, overlay, err = p.frame(img); err != nil {
			return err
		}
	}
	p.logDetections(result)

	if opts.outputPath != "" {
		if err := writeImage(opts.outputPath, overlay); err != nil {
			return err
		}
		p.log.Info("overlay written", zap.String("path", opts.outputPath))
	}
	if opts.prototypeDir != "" {
		if err := dumpPrototypes(opts.prototypeDir, result, p.cfg.Model.InputSize, opts.prototypeCSV); err != nil {
			return err
		}
		p.log.Info("prototypes written",
			zap.String("dir", opts.prototypeDir),
			zap.Int("channels", result.Basis.Channels),
		)
	}
	return nil
}

// runFrames processes a directory of encoded frames in frame order.
func (p *pipeline) runFrames(dir, outputDir string) error {
	files, err := util.LoadDirectoryImageFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.Errorf("no frames in %s", dir)
	}
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create output directory")
		}
	}
	p.log.Info("processing frames", zap.String("dir", dir), zap.Int("frames", len(files)))

	for i := range files {
		file := &files[i]
		img, err := p.model.Decode(&file.Image)
		if err != nil {
			return errors.Wrapf(err, "frame %s", file.Path)
		}
		result, overlay, err := p.frame(img)
		if err != nil {
			return errors.Wrapf(err, "frame %s", file.Path)
		}
		p.log.Debug("frame processed",
			zap.String("path", file.Path),
			zap.Int("frame", file.Frame),
			zap.Int("detections", len(result.Detections)),
		)
		if outputDir != "" {
			name := strings.TrimSuffix(filepath.Base(file.Path), filepath.Ext(file.Path)) + ".png"
			if err := writeImage(filepath.Join(outputDir, name), overlay); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *pipeline) logDetections(result *yolact.Result) {
	labels := p.model.Config().Labels
	p.log.Info("frame processed",
		zap.Int("decoded", result.Decoded),
		zap.Int("detections", len(result.Detections)),
		zap.Strings("unknown_tensors", result.Report.Unknown),
	)
	for _, det := range result.Detections {
		name := fmt.Sprintf("class %d", det.Label)
		if det.Label < len(labels) {
			name = labels[det.Label]
		}
		p.log.Info("detection",
			zap.String("class", name),
			zap.Int("label", det.Label),
			zap.Float32("score", det.Score),
			zap.Float32("x", det.Box.X),
			zap.Float32("y", det.Box.Y),
			zap.Float32("w", det.Box.W),
			zap.Float32("h", det.Box.H),
		)
	}
}

// validateInputFlags checks that exactly one supported input is given.
func validateInputFlags(opts options) error {
	inputs := 0
	for _, in := range []string{opts.imagePath, opts.videoPath, opts.framesDir} {
		if in != "" {
			inputs++
		}
	}
	if inputs != 1 {
		return errors.New("exactly one of -image, -video or -frames is required")
	}
	if opts.repeat < 1 {
		return errors.Errorf("-repeat %d must be at least 1", opts.repeat)
	}
	if opts.prototypeDir != "" && opts.imagePath == "" {
		return errors.New("-dump-prototypes needs -image")
	}
	switch {
	case opts.videoPath != "":
		return validateFile(opts.videoPath, supportedVideoExtensions)
	case opts.framesDir != "":
		info, err := os.Stat(opts.framesDir)
		if err != nil {
			return errors.Wrapf(err, "input %s", opts.framesDir)
		}
		if !info.IsDir() {
			return errors.Errorf("-frames %s is not a directory", opts.framesDir)
		}
		return nil
	}
	return validateFile(opts.imagePath, supportedImageExtensions)
}

// validateFile checks that the file exists and has a supported extension.
func validateFile(path string, supported []string) error {
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(err, "input %s", path)
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, s := range supported {
		if ext == s {
			return nil
		}
	}
	return errors.Errorf("unsupported extension %q, expected one of %s", ext, strings.Join(supported, ", "))
}
