package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

var ErrInputSize = errors.New("input tensor size mismatch")

type Config struct {
	ModelPath    string
	MetadataPath string
	// SharedLibraryPath points at libonnxruntime. Empty uses the
	// platform default lookup.
	SharedLibraryPath string
	// Sessions is the number of independent sessions, and therefore the
	// number of inferences that can run at once.
	Sessions int
}

// session owns its tensors; it is only ever used by one caller at a time.
type session struct {
	id           int
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

type Server struct {
	Metadata Metadata

	pool      chan *session
	sessions  []*session
	log       logrus.FieldLogger
	closeOnce sync.Once
}

func NewServer(cfg Config, logger logrus.FieldLogger) (*Server, error) {
	metadata, err := LoadMetadata(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}
	if cfg.Sessions <= 0 {
		cfg.Sessions = 1
	}

	if cfg.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	s := &Server{
		Metadata: metadata,
		pool:     make(chan *session, cfg.Sessions),
		log:      logger.WithField("model", metadata.Name),
	}
	for i := 0; i < cfg.Sessions; i++ {
		sess, err := newSession(i, cfg.ModelPath, metadata)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.sessions = append(s.sessions, sess)
		s.pool <- sess
	}

	s.log.WithFields(logrus.Fields{
		"path":     cfg.ModelPath,
		"sessions": cfg.Sessions,
		"input":    metadata.InputShape,
		"output":   metadata.OutputShape,
		"classes":  len(metadata.Classes),
	}).Info("Model loaded")

	return s, nil
}

func newSession(id int, modelPath string, metadata Metadata) (*session, error) {
	inputShape := ort.NewShape(metadata.InputShape...)
	outputShape := ort.NewShape(metadata.OutputShape...)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	sess, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &session{
		id:           id,
		session:      sess,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Predict runs one forward pass and returns a copy of the raw output.
// It blocks until a session is free or ctx is done.
func (s *Server) Predict(ctx context.Context, input []float32) ([]float32, error) {
	if want := s.Metadata.InputSize(); len(input) != want {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrInputSize, want, len(input))
	}

	var sess *session
	select {
	case sess = <-s.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { s.pool <- sess }()

	copy(sess.inputTensor.GetData(), input)
	if err := sess.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed on session %d: %w", sess.id, err)
	}

	outputData := sess.outputTensor.GetData()
	out := make([]float32, len(outputData))
	copy(out, outputData)
	return out, nil
}

// Close releases every session and the runtime. It must not race with
// Predict.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		for _, sess := range s.sessions {
			if sess.inputTensor != nil {
				sess.inputTensor.Destroy()
			}
			if sess.outputTensor != nil {
				sess.outputTensor.Destroy()
			}
			if sess.session != nil {
				sess.session.Destroy()
			}
		}
		if err := ort.DestroyEnvironment(); err != nil {
			s.log.WithError(err).Warn("Failed to destroy ONNX environment")
		}
	})
}
