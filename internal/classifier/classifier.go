// Package classifier runs the leaf image pipeline end to end: decode,
// crop, resize, normalize, infer and rank.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/redrot-api/internal/model"
	"github.com/Brownie44l1/redrot-api/internal/preprocess"
	"github.com/Brownie44l1/redrot-api/internal/ranking"
)

const DefaultTopK = 5

var (
	ErrNoImage       = errors.New("no image selected")
	ErrInvalidImage  = errors.New("invalid image")
	ErrShapeMismatch = errors.New("tensor shape does not match model")
)

// Predictor runs a forward pass. *model.Server implements it.
type Predictor interface {
	Predict(ctx context.Context, input []float32) ([]float32, error)
}

type Options struct {
	TopK      int
	MaxPixels int
}

type Service struct {
	predictor Predictor
	metadata  model.Metadata
	pipeline  *preprocess.Pipeline
	topK      int
	log       logrus.FieldLogger
}

type Request struct {
	ID    string
	Image []byte
	// Crop is the user-selected region, relative to the image's top-left.
	Crop *image.Rectangle
	// TopK overrides the service default when positive.
	TopK int
}

func NewService(predictor Predictor, metadata model.Metadata, opts Options, logger logrus.FieldLogger) (*Service, error) {
	if err := metadata.Validate(); err != nil {
		return nil, err
	}
	pipeline, err := preprocess.NewPipeline(metadata.PreprocessOptions(opts.MaxPixels))
	if err != nil {
		return nil, err
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	return &Service{
		predictor: predictor,
		metadata:  metadata,
		pipeline:  pipeline,
		topK:      opts.TopK,
		log:       logger,
	}, nil
}

func (s *Service) Metadata() model.Metadata {
	return s.metadata
}

func (s *Service) Classify(ctx context.Context, req Request) (*model.PredictionResponse, error) {
	if len(req.Image) == 0 {
		return nil, ErrNoImage
	}

	start := time.Now()
	tensor, err := s.pipeline.Run(req.Image, req.Crop)
	if err != nil {
		if errors.Is(err, preprocess.ErrEmpty) {
			return nil, ErrNoImage
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	s.log.WithFields(logrus.Fields{
		"request_id": req.ID,
		"bytes":      len(req.Image),
		"shape":      tensor.Shape,
		"elapsed":    time.Since(start),
	}).Debug("Image preprocessed")

	return s.run(ctx, req.ID, tensor.Data, req.TopK)
}

// ClassifyDataURL handles the camera plugin's base64 data URL payload.
func (s *Service) ClassifyDataURL(ctx context.Context, id string, req model.DataURLRequest) (*model.PredictionResponse, error) {
	data, err := preprocess.DecodeDataURL(req.Image)
	if err != nil {
		if errors.Is(err, preprocess.ErrEmpty) {
			return nil, ErrNoImage
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}

	var crop *image.Rectangle
	if req.Crop != nil {
		rect := req.Crop.Rect()
		crop = &rect
	}
	return s.Classify(ctx, Request{ID: id, Image: data, Crop: crop, TopK: req.TopK})
}

// ClassifyTensor skips preprocessing; data must already match the model input.
func (s *Service) ClassifyTensor(ctx context.Context, id string, data []float32, topK int) (*model.PredictionResponse, error) {
	if want := s.metadata.InputSize(); len(data) != want {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrShapeMismatch, want, len(data))
	}
	return s.run(ctx, id, data, topK)
}

func (s *Service) run(ctx context.Context, id string, input []float32, topK int) (*model.PredictionResponse, error) {
	start := time.Now()
	output, err := s.predictor.Predict(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("prediction failed: %w", err)
	}
	if len(output) != len(s.metadata.Classes) {
		return nil, fmt.Errorf("%w: model returned %d values for %d classes", ErrShapeMismatch, len(output), len(s.metadata.Classes))
	}

	probs := output
	if s.metadata.ApplySoftmax {
		probs = ranking.Softmax(output)
	}
	if topK <= 0 {
		topK = s.topK
	}
	scores, err := ranking.Rank(probs, s.metadata.Classes, topK)
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"request_id": id,
		"class":      scores[0].Label,
		"confidence": scores[0].Probability,
		"elapsed":    time.Since(start),
	}).Info("Prediction complete")

	return &model.PredictionResponse{
		RequestID:   id,
		Class:       scores[0].Label,
		Confidence:  scores[0].Probability,
		Predictions: scores,
	}, nil
}
