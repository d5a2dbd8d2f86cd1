package main

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-yolact/models/yolact"
	"github.com/nvr-ai/go-yolact/profiler"
)

// readImage loads an image file in RGB order.
func readImage(path string) (image.Image, error) {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	defer mat.Close()
	if mat.Empty() {
		return nil, errors.Errorf("failed to load image %s", path)
	}
	img, err := mat.ToImage()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to convert %s", path)
	}
	return img, nil
}

// writeImage encodes img by the extension of path.
func writeImage(path string, img image.Image) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return errors.Wrap(err, "failed to convert overlay")
	}
	defer mat.Close()
	if !gocv.IMWrite(path, mat) {
		return errors.Errorf("failed to write %s", path)
	}
	return nil
}

// runVideo processes every frame of a video file, optionally writing an overlay video.
func (p *pipeline) runVideo(path, outputPath string) error {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return errors.Wrapf(err, "error opening video file %s", path)
	}
	defer capture.Close()

	fps := capture.Get(gocv.VideoCaptureFPS)
	if fps <= 0 {
		fps = 25
	}

	frame := gocv.NewMat()
	defer frame.Close()

	var writer *gocv.VideoWriter
	defer func() {
		if writer != nil {
			writer.Close()
		}
	}()

	p.log.Info("processing video", zap.String("path", path), zap.Float64("fps", fps))

	frames := 0
	for capture.Read(&frame) {
		if frame.Empty() {
			continue
		}
		img, err := frame.ToImage()
		if err != nil {
			return errors.Wrapf(err, "frame %d", frames)
		}

		result, overlay, err := p.frame(img)
		if err != nil {
			return errors.Wrapf(err, "frame %d", frames)
		}
		p.log.Debug("frame processed",
			zap.Int("frame", frames),
			zap.Int("detections", len(result.Detections)),
		)

		if outputPath != "" {
			if writer == nil {
				b := overlay.Bounds()
				writer, err = gocv.VideoWriterFile(outputPath, "mp4v", fps, b.Dx(), b.Dy(), true)
				if err != nil {
					return errors.Wrapf(err, "error opening video writer %s", outputPath)
				}
			}
			if err := writeFrame(writer, overlay); err != nil {
				return errors.Wrapf(err, "frame %d", frames)
			}
		}
		frames++
	}

	p.log.Info("end of video",
		zap.String("path", path),
		zap.Int("frames", frames),
		zap.Duration("avg_execute", p.profiler.Average(profiler.StageExecute)),
	)
	return nil
}

func writeFrame(writer *gocv.VideoWriter, img image.Image) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return err
	}
	defer mat.Close()
	return writer.Write(mat)
}

// dumpPrototypes writes every prototype channel as a JET heatmap scaled to size x size.
// With withCSV set, each channel is also written as proto_data_<c>.csv.
func dumpPrototypes(dir string, result *yolact.Result, size int, withCSV bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create prototype directory")
	}

	basis := result.Basis
	for c := 0; c < basis.Channels; c++ {
		gray, err := basis.ChannelImage(c)
		if err != nil {
			return err
		}
		if err := writeHeatmap(filepath.Join(dir, fmt.Sprintf("proto_%02d.png", c)), gray, size); err != nil {
			return err
		}

		if !withCSV {
			continue
		}
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("proto_data_%d.csv", c)))
		if err != nil {
			return errors.Wrap(err, "failed to create prototype csv")
		}
		err = basis.WriteChannelCSV(f, c)
		if cErr := f.Close(); err == nil {
			err = cErr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeHeatmap(path string, gray *image.Gray, size int) error {
	src, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return errors.Wrap(err, "failed to convert prototype")
	}
	defer src.Close()

	scaled := gocv.NewMat()
	defer scaled.Close()
	gocv.Resize(src, &scaled, image.Pt(size, size), 0, 0, gocv.InterpolationLinear)

	heatmap := gocv.NewMat()
	defer heatmap.Close()
	gocv.ApplyColorMap(scaled, &heatmap, gocv.ColormapJet)

	if !gocv.IMWrite(path, heatmap) {
		return errors.Errorf("failed to write %s", path)
	}
	return nil
}
