package preprocess

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

type ResizeMode string

const (
	// ResizeStretch scales the whole image to a square, ignoring aspect ratio.
	ResizeStretch ResizeMode = "stretch"
	// ResizeCenterCrop keeps the largest centered square and scales that.
	ResizeCenterCrop ResizeMode = "center_crop"
)

var ErrEmptyCrop = errors.New("crop region does not overlap the image")

func ParseResizeMode(s string) (ResizeMode, error) {
	switch ResizeMode(s) {
	case "", ResizeStretch:
		return ResizeStretch, nil
	case ResizeCenterCrop:
		return ResizeCenterCrop, nil
	}
	return "", fmt.Errorf("unknown resize mode %q", s)
}

// Crop cuts rect out of img. rect is relative to the image's top-left
// corner and is clipped to the image bounds.
func Crop(img image.Image, rect image.Rectangle) (image.Image, error) {
	b := img.Bounds()
	abs := rect.Canon().Add(b.Min).Intersect(b)
	if abs.Empty() {
		return nil, fmt.Errorf("%w: %v within %dx%d", ErrEmptyCrop, rect, b.Dx(), b.Dy())
	}
	return imaging.Crop(img, abs), nil
}

// Square returns img scaled to exactly size x size.
func Square(img image.Image, mode ResizeMode, size int) (image.Image, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid target size %d", size)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, errors.New("image has no pixels")
	}

	if mode == ResizeCenterCrop && b.Dx() != b.Dy() {
		side := min(b.Dx(), b.Dy())
		img = imaging.CropCenter(img, side, side)
	}

	// Bilinear matches the resize the exported models were trained with.
	return resize.Resize(uint(size), uint(size), img, resize.Bilinear), nil
}
