package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/redrot-api/internal/model"
)

type fakePredictor struct {
	output []float32
	err    error
	inputs [][]float32
}

func (f *fakePredictor) Predict(_ context.Context, input []float32) ([]float32, error) {
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, f.err
	}
	return f.output, nil
}

var classes = []string{"healthy", "red_rot", "rust", "smut", "mosaic", "yellow_leaf", "wilt"}

func testMetadata() model.Metadata {
	return model.Metadata{
		Name:        "test",
		InputShape:  []int64{1, 32, 32, 3},
		OutputShape: []int64{1, int64(len(classes))},
		Classes:     classes,
	}
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func leafPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: 180, B: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newService(t *testing.T, p Predictor, meta model.Metadata) *Service {
	t.Helper()
	svc, err := NewService(p, meta, Options{}, quietLogger())
	require.NoError(t, err)
	return svc
}

func TestClassify(t *testing.T) {
	fake := &fakePredictor{output: []float32{0.02, 0.61, 0.05, 0.01, 0.2, 0.08, 0.03}}
	svc := newService(t, fake, testMetadata())

	res, err := svc.Classify(context.Background(), Request{ID: "req-1", Image: leafPNG(t, 120, 80)})
	require.NoError(t, err)

	assert.Equal(t, "req-1", res.RequestID)
	assert.Equal(t, "red_rot", res.Class)
	assert.InDelta(t, 0.61, res.Confidence, 1e-6)
	require.Len(t, res.Predictions, DefaultTopK)
	assert.Equal(t, []string{"red_rot", "mosaic", "yellow_leaf", "rust", "wilt"}, labelsOf(res))

	require.Len(t, fake.inputs, 1)
	assert.Len(t, fake.inputs[0], 32*32*3)
	for _, v := range fake.inputs[0] {
		require.True(t, v >= 0 && v <= 1, "value %f out of range", v)
	}
}

func TestClassifyTopKOverrideAndCrop(t *testing.T) {
	fake := &fakePredictor{output: []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7}}
	svc := newService(t, fake, testMetadata())

	crop := image.Rect(10, 10, 50, 50)
	res, err := svc.Classify(context.Background(), Request{Image: leafPNG(t, 60, 60), Crop: &crop, TopK: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"wilt", "yellow_leaf"}, labelsOf(res))

	outside := image.Rect(100, 100, 120, 120)
	_, err = svc.Classify(context.Background(), Request{Image: leafPNG(t, 60, 60), Crop: &outside})
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestClassifyAppliesSoftmax(t *testing.T) {
	meta := testMetadata()
	meta.ApplySoftmax = true
	fake := &fakePredictor{output: []float32{-2, 5, 1, 0, 0, 0, 0}}
	svc := newService(t, fake, meta)

	res, err := svc.Classify(context.Background(), Request{Image: leafPNG(t, 8, 8), TopK: len(classes)})
	require.NoError(t, err)

	var sum float32
	for _, p := range res.Predictions {
		sum += p.Probability
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
	assert.Equal(t, "red_rot", res.Class)
	assert.Greater(t, res.Confidence, float32(0.9))
}

func TestClassifyErrors(t *testing.T) {
	fake := &fakePredictor{output: make([]float32, len(classes))}
	svc := newService(t, fake, testMetadata())
	ctx := context.Background()

	_, err := svc.Classify(ctx, Request{})
	assert.ErrorIs(t, err, ErrNoImage)

	_, err = svc.Classify(ctx, Request{Image: []byte("not an image")})
	assert.ErrorIs(t, err, ErrInvalidImage)
	assert.Empty(t, fake.inputs)

	fake.output = []float32{1, 2}
	_, err = svc.Classify(ctx, Request{Image: leafPNG(t, 4, 4)})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	boom := errors.New("session exploded")
	fake.err = boom
	_, err = svc.Classify(ctx, Request{Image: leafPNG(t, 4, 4)})
	assert.ErrorIs(t, err, boom)
}

func TestClassifyTensor(t *testing.T) {
	fake := &fakePredictor{output: []float32{0.9, 0.1, 0, 0, 0, 0, 0}}
	svc := newService(t, fake, testMetadata())

	res, err := svc.ClassifyTensor(context.Background(), "raw", make([]float32, 32*32*3), 1)
	require.NoError(t, err)
	assert.Equal(t, "healthy", res.Class)
	assert.Len(t, res.Predictions, 1)

	_, err = svc.ClassifyTensor(context.Background(), "raw", make([]float32, 10), 1)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestNewServiceRejectsBadMetadata(t *testing.T) {
	meta := testMetadata()
	meta.Classes = meta.Classes[:2]
	_, err := NewService(&fakePredictor{}, meta, Options{}, quietLogger())
	assert.ErrorIs(t, err, model.ErrInvalidMetadata)
}

func labelsOf(res *model.PredictionResponse) []string {
	out := make([]string, len(res.Predictions))
	for i, p := range res.Predictions {
		out[i] = p.Label
	}
	return out
}

func TestClassifyDataURL(t *testing.T) {
	fake := &fakePredictor{output: []float32{0.3, 0.7, 0, 0, 0, 0, 0}}
	svc := newService(t, fake, testMetadata())
	ctx := context.Background()

	url := "data:image/png;base64," + base64.StdEncoding.EncodeToString(leafPNG(t, 50, 50))
	res, err := svc.ClassifyDataURL(ctx, "cam", model.DataURLRequest{
		Image: url,
		TopK:  2,
		Crop:  &model.CropRequest{X: 5, Y: 5, Width: 20, Height: 20},
	})
	require.NoError(t, err)
	assert.Equal(t, "red_rot", res.Class)
	assert.Equal(t, []string{"red_rot", "healthy"}, labelsOf(res))

	_, err = svc.ClassifyDataURL(ctx, "cam", model.DataURLRequest{})
	assert.ErrorIs(t, err, ErrNoImage)

	_, err = svc.ClassifyDataURL(ctx, "cam", model.DataURLRequest{Image: "data:text/html;base64,PGI+"})
	assert.ErrorIs(t, err, ErrInvalidImage)
}
