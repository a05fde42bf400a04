package preprocess

import (
	"fmt"
	"image"
	"image/color"
)

type Layout string

const (
	LayoutNHWC Layout = "NHWC"
	LayoutNCHW Layout = "NCHW"
)

const channels = 3

func ParseLayout(s string) (Layout, error) {
	switch Layout(s) {
	case "", LayoutNHWC:
		return LayoutNHWC, nil
	case LayoutNCHW:
		return LayoutNCHW, nil
	}
	return "", fmt.Errorf("unknown tensor layout %q", s)
}

// Tensor is a batch-of-one float32 image tensor.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// ToTensor scales every 8-bit RGB channel into [0,1] (value / 255).
// Alpha is dropped.
func ToTensor(img image.Image, layout Layout) (Tensor, error) {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if width == 0 || height == 0 {
		return Tensor{}, fmt.Errorf("image has no pixels")
	}

	plane := width * height
	data := make([]float32, channels*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			r := float32(c.R) / 255.0
			g := float32(c.G) / 255.0
			bl := float32(c.B) / 255.0

			i := y*width + x
			switch layout {
			case LayoutNCHW:
				data[i] = r
				data[plane+i] = g
				data[2*plane+i] = bl
			case LayoutNHWC:
				data[channels*i] = r
				data[channels*i+1] = g
				data[channels*i+2] = bl
			default:
				return Tensor{}, fmt.Errorf("unknown tensor layout %q", layout)
			}
		}
	}

	shape := []int64{1, int64(height), int64(width), channels}
	if layout == LayoutNCHW {
		shape = []int64{1, channels, int64(height), int64(width)}
	}
	return Tensor{Shape: shape, Data: data}, nil
}
