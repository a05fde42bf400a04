package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gofrs/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Brownie44l1/redrot-api/internal/classifier"
	"github.com/Brownie44l1/redrot-api/internal/model"
)

type Handler struct {
	classifier     *classifier.Service
	maxUploadBytes int64
	log            logrus.FieldLogger
}

func NewHandler(svc *classifier.Service, maxUploadBytes int64, logger logrus.FieldLogger) *Handler {
	return &Handler{
		classifier:     svc,
		maxUploadBytes: maxUploadBytes,
		log:            logger,
	}
}

// Routes returns the API mux wrapped in logging and CORS middleware.
func (h *Handler) Routes(corsOrigin string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/predict", h.Predict)
	mux.HandleFunc("/predict/image", h.PredictFromImage)
	mux.HandleFunc("/predict/dataurl", h.PredictFromDataURL)
	return h.logRequests(enableCORS(corsOrigin, mux))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	meta := h.classifier.Metadata()
	sendJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"model":       meta.Name,
		"classes":     meta.Classes,
		"input_shape": meta.InputShape,
	})
}

// Predict accepts an already preprocessed tensor.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req model.PredictionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.classifier.ClassifyTensor(r.Context(), requestID(r), req.Image, req.TopK)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

// PredictFromImage accepts a multipart upload in the "image" field.
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		if tooLarge(err) {
			sendError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		sendError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		h.fail(w, r, classifier.ErrNoImage)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		sendError(w, http.StatusBadRequest, "Failed to read image")
		return
	}

	topK, err := optionalInt(r.FormValue("top_k"))
	if err != nil {
		sendError(w, http.StatusBadRequest, "top_k must be an integer")
		return
	}
	crop, err := formCrop(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := requestID(r)
	h.log.WithFields(logrus.Fields{
		"request_id": id,
		"filename":   header.Filename,
		"size":       header.Size,
	}).Debug("Received upload")

	result, err := h.classifier.Classify(r.Context(), classifier.Request{ID: id, Image: data, Crop: crop, TopK: topK})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

// PredictFromDataURL accepts the camera plugin's data URL in a JSON body.
func (h *Handler) PredictFromDataURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req model.DataURLRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	result, err := h.classifier.ClassifyDataURL(r.Context(), requestID(r), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

// jsonEnvelopeBytes leaves room for the JSON fields around the image.
const jsonEnvelopeBytes = 4 << 10

// jsonBodyLimit allows an image of maxUploadBytes after base64 expansion.
func jsonBodyLimit(maxUploadBytes int64) int64 {
	return (maxUploadBytes+2)/3*4 + jsonEnvelopeBytes
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, jsonBodyLimit(h.maxUploadBytes))
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if tooLarge(err) {
			sendError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		sendError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message := StatusFor(err)
	entry := h.log.WithError(err).WithField("path", r.URL.Path)
	if status >= http.StatusInternalServerError {
		entry.Error("Prediction error")
	} else {
		entry.Warn("Rejected request")
	}
	sendError(w, status, message)
}

// StatusFor maps a classification error to an HTTP status and a message
// safe to show the user.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, classifier.ErrNoImage):
		return http.StatusBadRequest, classifier.ErrNoImage.Error()
	case errors.Is(err, classifier.ErrInvalidImage):
		return http.StatusBadRequest, "Invalid image. Supported: JPEG, PNG, GIF, WebP"
	case errors.Is(err, classifier.ErrShapeMismatch):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "Request cancelled"
	}
	return http.StatusInternalServerError, "Prediction failed"
}

func formCrop(r *http.Request) (*image.Rectangle, error) {
	keys := []string{"crop_x", "crop_y", "crop_w", "crop_h"}
	var vals [4]int
	present := 0
	for i, key := range keys {
		raw := r.FormValue(key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s must be an integer", key)
		}
		vals[i] = v
		present++
	}
	switch present {
	case 0:
		return nil, nil
	case len(keys):
		rect := model.CropRequest{X: vals[0], Y: vals[1], Width: vals[2], Height: vals[3]}.Rect()
		return &rect, nil
	}
	return nil, errors.New("crop_x, crop_y, crop_w and crop_h must be given together")
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

const requestIDHeader = "X-Request-ID"

func requestID(r *http.Request) string {
	if id := r.Header.Get(requestIDHeader); id != "" {
		return id
	}
	return uuid.Must(uuid.NewV4()).String()
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, model.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}

func enableCORS(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+requestIDHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Info("HTTP request")
	})
}
