package queue

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/redrot-api/internal/classifier"
	"github.com/Brownie44l1/redrot-api/internal/model"
)

type stubPredictor []float32

func (s stubPredictor) Predict(context.Context, []float32) ([]float32, error) {
	return s, nil
}

func newWorker(t *testing.T) *Worker {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	meta := model.Metadata{
		InputShape:  []int64{1, 3, 8, 8},
		OutputShape: []int64{2},
		Classes:     []string{"healthy", "red_rot"},
		Layout:      "NCHW",
	}
	svc, err := classifier.NewService(stubPredictor{0.25, 0.75}, meta, classifier.Options{}, logger)
	require.NoError(t, err)
	return &Worker{queue: "test", classifier: svc, log: logger}
}

func dataURL(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 12, 12))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(0, 0, color.NRGBA{G: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestProcess(t *testing.T) {
	w := newWorker(t)

	body, err := json.Marshal(model.DataURLRequest{Image: dataURL(t)})
	require.NoError(t, err)

	var reply Reply
	require.NoError(t, json.Unmarshal(w.process(context.Background(), "corr-1", body), &reply))
	assert.Empty(t, reply.Error)
	require.NotNil(t, reply.Result)
	assert.Equal(t, "corr-1", reply.Result.RequestID)
	assert.Equal(t, "red_rot", reply.Result.Class)
	assert.Len(t, reply.Result.Predictions, 2)
}

func TestProcessErrors(t *testing.T) {
	w := newWorker(t)

	var reply Reply
	require.NoError(t, json.Unmarshal(w.process(context.Background(), "x", []byte("{")), &reply))
	assert.Equal(t, "invalid JSON", reply.Error)
	assert.Nil(t, reply.Result)

	reply = Reply{}
	require.NoError(t, json.Unmarshal(w.process(context.Background(), "x", []byte(`{"image": ""}`)), &reply))
	assert.Equal(t, classifier.ErrNoImage.Error(), reply.Error)
	assert.Nil(t, reply.Result)
}
