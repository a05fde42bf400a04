package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Brownie44l1/redrot-api/internal/preprocess"
)

const (
	defaultInputName  = "input"
	defaultOutputName = "output"
)

var ErrInvalidMetadata = errors.New("invalid model metadata")

func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := metadata.Validate(); err != nil {
		return Metadata{}, err
	}
	return metadata, nil
}

// Validate fills defaults and checks that the input shape is a single
// 3-channel square image of ImageSize and that there is one class per
// output value.
func (m *Metadata) Validate() error {
	if m.InputName == "" {
		m.InputName = defaultInputName
	}
	if m.OutputName == "" {
		m.OutputName = defaultOutputName
	}

	layout, err := preprocess.ParseLayout(m.Layout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	m.Layout = string(layout)

	mode, err := preprocess.ParseResizeMode(m.ResizeMode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	m.ResizeMode = string(mode)

	if len(m.Classes) == 0 {
		return fmt.Errorf("%w: no classes", ErrInvalidMetadata)
	}
	if len(m.InputShape) != 4 {
		return fmt.Errorf("%w: input shape %v is not 4-dimensional", ErrInvalidMetadata, m.InputShape)
	}
	for _, dim := range m.InputShape {
		if dim <= 0 {
			return fmt.Errorf("%w: input shape %v has a non-positive dimension", ErrInvalidMetadata, m.InputShape)
		}
	}
	if m.InputShape[0] != 1 {
		return fmt.Errorf("%w: batch size %d, only 1 is supported", ErrInvalidMetadata, m.InputShape[0])
	}

	var c, h, w int64
	switch layout {
	case preprocess.LayoutNCHW:
		c, h, w = m.InputShape[1], m.InputShape[2], m.InputShape[3]
	default:
		h, w, c = m.InputShape[1], m.InputShape[2], m.InputShape[3]
	}
	if c != 3 {
		return fmt.Errorf("%w: %d channels in %s input, want 3", ErrInvalidMetadata, c, layout)
	}
	if h != w {
		return fmt.Errorf("%w: input %dx%d is not square", ErrInvalidMetadata, w, h)
	}
	if m.ImageSize == 0 {
		m.ImageSize = int(h)
	}
	if int64(m.ImageSize) != h {
		return fmt.Errorf("%w: image_size %d does not match input shape %v", ErrInvalidMetadata, m.ImageSize, m.InputShape)
	}

	for _, dim := range m.OutputShape {
		if dim <= 0 {
			return fmt.Errorf("%w: output shape %v has a non-positive dimension", ErrInvalidMetadata, m.OutputShape)
		}
	}
	if out := m.OutputSize(); out != len(m.Classes) {
		return fmt.Errorf("%w: output shape %v has %d values for %d classes", ErrInvalidMetadata, m.OutputShape, out, len(m.Classes))
	}
	return nil
}

func (m Metadata) InputSize() int {
	return product(m.InputShape)
}

func (m Metadata) OutputSize() int {
	if len(m.OutputShape) == 0 {
		return 0
	}
	return product(m.OutputShape)
}

func product(shape []int64) int {
	n := 1
	for _, dim := range shape {
		n *= int(dim)
	}
	return n
}

// PreprocessOptions derives the image pipeline settings from the model.
func (m Metadata) PreprocessOptions(maxPixels int) preprocess.Options {
	return preprocess.Options{
		Size:       m.ImageSize,
		Layout:     preprocess.Layout(m.Layout),
		ResizeMode: preprocess.ResizeMode(m.ResizeMode),
		MaxPixels:  maxPixels,
	}
}
