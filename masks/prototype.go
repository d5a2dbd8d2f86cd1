package masks

import (
	"bufio"
	"fmt"
	"image"
	"io"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// Channel returns prototype channel c as a row-major height x width slice.
func (b Basis) Channel(c int) ([]float32, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if c < 0 || c >= b.Channels {
		return nil, errors.Errorf("basis: channel %d of %d", c, b.Channels)
	}
	out := make([]float32, b.Height*b.Width)
	for i := range out {
		out[i] = b.Data[i*b.Channels+c]
	}
	return out, nil
}

// ChannelImage renders prototype channel c scaled by its maximum onto 0..255.
//
// Negative values map to 0. A channel with no positive value renders black.
func (b Basis) ChannelImage(c int) (*image.Gray, error) {
	values, err := b.Channel(c)
	if err != nil {
		return nil, err
	}

	var peak float32
	for _, v := range values {
		peak = math32.Max(peak, v)
	}

	img := image.NewGray(image.Rect(0, 0, b.Width, b.Height))
	if peak <= 0 {
		return img, nil
	}
	for i, v := range values {
		if v > 0 {
			img.Pix[i] = uint8(v / peak * 255)
		}
	}
	return img, nil
}

// WriteChannelCSV writes prototype channel c as comma separated rows, one per basis row.
func (b Basis) WriteChannelCSV(w io.Writer, c int) error {
	values, err := b.Channel(c)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			if x > 0 {
				bw.WriteString(", ")
			}
			fmt.Fprintf(bw, "%f", values[y*b.Width+x])
		}
		bw.WriteByte('\n')
	}
	return errors.Wrap(bw.Flush(), "basis: write csv")
}
