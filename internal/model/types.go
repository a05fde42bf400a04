package model

import (
	"image"

	"github.com/Brownie44l1/redrot-api/internal/ranking"
)

// Metadata describes an exported model. It is read from the JSON file
// shipped alongside the .onnx weights.
type Metadata struct {
	Name         string   `json:"name,omitempty"`
	InputShape   []int64  `json:"input_shape"`
	OutputShape  []int64  `json:"output_shape"`
	Classes      []string `json:"classes"`
	ImageSize    int      `json:"image_size"`
	InputName    string   `json:"input_name,omitempty"`
	OutputName   string   `json:"output_name,omitempty"`
	Layout       string   `json:"layout,omitempty"`
	ResizeMode   string   `json:"resize_mode,omitempty"`
	ApplySoftmax bool     `json:"apply_softmax,omitempty"`
}

// PredictionRequest carries an already preprocessed tensor.
type PredictionRequest struct {
	Image []float32 `json:"image"`
	TopK  int       `json:"top_k,omitempty"`
}

// DataURLRequest is what the mobile client posts after taking a photo.
type DataURLRequest struct {
	Image string       `json:"image"`
	TopK  int          `json:"top_k,omitempty"`
	Crop  *CropRequest `json:"crop,omitempty"`
}

type CropRequest struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (c CropRequest) Rect() image.Rectangle {
	return image.Rect(c.X, c.Y, c.X+c.Width, c.Y+c.Height)
}

type PredictionResponse struct {
	RequestID   string          `json:"request_id,omitempty"`
	Class       string          `json:"class"`
	Confidence  float32         `json:"confidence"`
	Predictions []ranking.Score `json:"predictions"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
