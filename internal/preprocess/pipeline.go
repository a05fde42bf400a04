// Package preprocess turns an encoded user image into the fixed-shape
// float tensor a classification model expects: decode, optional crop,
// square resize, then scale to [0,1].
package preprocess

import (
	"fmt"
	"image"
)

type Options struct {
	Size       int
	Layout     Layout
	ResizeMode ResizeMode
	// MaxPixels bounds width*height of the decoded source. 0 means no limit.
	MaxPixels int
}

type Pipeline struct {
	opts Options
}

func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid image size %d", opts.Size)
	}
	layout, err := ParseLayout(string(opts.Layout))
	if err != nil {
		return nil, err
	}
	mode, err := ParseResizeMode(string(opts.ResizeMode))
	if err != nil {
		return nil, err
	}
	opts.Layout = layout
	opts.ResizeMode = mode
	return &Pipeline{opts: opts}, nil
}

func (p *Pipeline) Options() Options {
	return p.opts
}

// Run preprocesses data. crop may be nil.
func (p *Pipeline) Run(data []byte, crop *image.Rectangle) (Tensor, error) {
	img, _, err := Decode(data, p.opts.MaxPixels)
	if err != nil {
		return Tensor{}, err
	}
	return p.FromImage(img, crop)
}

func (p *Pipeline) FromImage(img image.Image, crop *image.Rectangle) (Tensor, error) {
	var err error
	if crop != nil {
		if img, err = Crop(img, *crop); err != nil {
			return Tensor{}, err
		}
	}

	square, err := Square(img, p.opts.ResizeMode, p.opts.Size)
	if err != nil {
		return Tensor{}, err
	}
	return ToTensor(square, p.opts.Layout)
}
