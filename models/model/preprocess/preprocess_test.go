package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// TestPreprocessYOLACT validates the full pipeline for the YOLACT configuration.
func TestPreprocessYOLACT(t *testing.T) {
	p := NewPreprocessor(GetYOLACTConfig(64), nil)
	img := solidImage(80, 40, color.RGBA{R: 200, G: 100, B: 50, A: 255})

	result, err := p.Preprocess(img)
	require.NoError(t, err)

	assert.Equal(t, []int{3, 64, 64}, result.Shape)
	assert.Len(t, result.Data, 3*64*64)
	assert.Equal(t, 80, result.OriginalWidth)
	assert.Equal(t, 40, result.OriginalHeight)
	assert.InDelta(t, 0.8, result.ScaleX, 1e-9, "stretched to the square input")
	assert.InDelta(t, 1.6, result.ScaleY, 1e-9)

	// Channel planes are B, G, R.
	plane := 64 * 64
	want := []float32{(50 - 103.94) / 57.38, (100 - 116.78) / 57.12, (200 - 123.68) / 58.40}
	for c, v := range want {
		assert.InDelta(t, v, result.Data[c*plane+plane/2], 1e-3, "channel %d", c)
	}
}

func TestPreprocessHWC(t *testing.T) {
	config := &ModelConfig{
		Name:              "hwc",
		InputWidth:        20,
		InputHeight:       10,
		InputChannels:     3,
		NormalizationType: NormalizeZeroToOne,
		ChannelOrder:      ChannelOrderHWC,
		ColorMode:         ColorModeRGB,
	}
	p := NewPreprocessor(config, nil)

	img := solidImage(40, 40, color.RGBA{R: 255, G: 0, B: 51, A: 255})
	result, err := p.Preprocess(img)
	require.NoError(t, err)

	assert.Equal(t, []int{10, 20, 3}, result.Shape)
	assert.InDelta(t, 0.5, result.ScaleX, 1e-9)
	assert.InDelta(t, 0.25, result.ScaleY, 1e-9)

	// The whole input is image content, interleaved R, G, B.
	at := func(x, y, c int) float32 { return result.Data[(y*20+x)*3+c] }
	for _, pt := range [][2]int{{0, 0}, {19, 9}, {10, 5}} {
		assert.InDelta(t, 1, at(pt[0], pt[1], 0), 0.005, "red at %v", pt)
		assert.InDelta(t, 0, at(pt[0], pt[1], 1), 0.005, "green at %v", pt)
		assert.InDelta(t, 0.2, at(pt[0], pt[1], 2), 0.005, "blue at %v", pt)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		typ  NormalizationType
		in   float32
		want float32
	}{
		{"none", NormalizeNone, 255, 255},
		{"zero to one", NormalizeZeroToOne, 51, 0.2},
		{"minus one to one", NormalizeMinusOneToOne, 255, 1},
		{"standardize without stats falls back", NormalizeStandardize, 255, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPreprocessor(&ModelConfig{InputChannels: 3, NormalizationType: tt.typ}, nil)
			tensor := []float32{tt.in, tt.in, tt.in}
			p.normalize(tensor)
			assert.InDelta(t, tt.want, tensor[0], 1e-6)
		})
	}
}

func TestPreprocessValidation(t *testing.T) {
	p := NewPreprocessor(GetYOLACTConfig(16), nil)

	_, err := p.Preprocess(nil)
	assert.Error(t, err)

	_, err = p.Preprocess(image.NewRGBA(image.Rect(0, 0, 0, 5)))
	assert.Error(t, err)

	gray := NewPreprocessor(&ModelConfig{InputWidth: 4, InputHeight: 4, InputChannels: 1}, nil)
	_, err = gray.Preprocess(solidImage(4, 4, color.RGBA{A: 255}))
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	p := NewPreprocessor(GetYOLACTConfig(16), nil)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solidImage(6, 3, color.RGBA{R: 9, A: 255})))

	img, err := p.Decode(&Image{Format: ImageFormatPNG, Data: buf.Bytes(), Width: 6, Height: 3})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 6, 3), img.Bounds())

	_, err = p.Decode(&Image{Format: ImageFormatJPEG, Data: []byte("not an image")})
	assert.Error(t, err)

	_, err = p.Decode(&Image{})
	assert.Error(t, err)

	buf.Reset()
	require.NoError(t, bmp.Encode(&buf, solidImage(4, 2, color.RGBA{B: 200, A: 255})))
	img, err = p.Decode(&Image{Format: ImageFormatBMP, Data: buf.Bytes()})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 2), img.Bounds())
}

func TestFormatFromExtension(t *testing.T) {
	tests := map[string]ImageFormat{
		".jpg": ImageFormatJPEG,
		"JPEG": ImageFormatJPEG,
		".png": ImageFormatPNG,
		".BMP": ImageFormatBMP,
	}
	for ext, want := range tests {
		got, ok := FormatFromExtension(ext)
		assert.True(t, ok, ext)
		assert.Equal(t, want, got, ext)
	}

	_, ok := FormatFromExtension(".webp")
	assert.False(t, ok)
}

func TestPreprocessIdempotency(t *testing.T) {
	p := NewPreprocessor(GetYOLACTConfig(32), nil)
	img := solidImage(50, 30, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	first, err := p.Preprocess(img)
	require.NoError(t, err)
	second, err := p.Preprocess(img)
	require.NoError(t, err)

	assert.Equal(t, first.Data, second.Data)
}

func TestBatchPreprocess(t *testing.T) {
	p := NewPreprocessor(GetYOLACTConfig(16), nil)
	imgs := []image.Image{
		solidImage(10, 10, color.RGBA{R: 1, A: 255}),
		solidImage(20, 10, color.RGBA{G: 1, A: 255}),
		solidImage(10, 20, color.RGBA{B: 1, A: 255}),
	}

	results, err := p.BatchPreprocess(imgs, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, imgs[i].Bounds().Dx(), r.OriginalWidth, "result %d keeps input order", i)
	}

	_, err = p.BatchPreprocess([]image.Image{imgs[0], nil}, 0)
	assert.Error(t, err)
}
