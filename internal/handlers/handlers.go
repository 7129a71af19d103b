package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/israelluze/classifyimage/internal/imaging"
	"github.com/israelluze/classifyimage/internal/inference"
	"github.com/israelluze/classifyimage/internal/pipeline"

	custom_logger "github.com/israelluze/classifyimage/internal/logger"
)

// MaxUploadSize bounds multipart uploads.
const MaxUploadSize = 10 << 20

type Handler struct {
	engine *inference.Engine
}

func NewHandler(engine *inference.Engine) *Handler {
	return &Handler{
		engine: engine,
	}
}

// TrainResponse summarizes a freshly trained pipeline.
type TrainResponse struct {
	ID              string    `json:"id"`
	Fingerprint     string    `json:"fingerprint"`
	Labels          []string  `json:"labels"`
	LogLoss         float64   `json:"log_loss"`
	PerClassLogLoss []float64 `json:"per_class_log_loss"`
	MicroAccuracy   float64   `json:"micro_accuracy"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Classify handles GET /api/ml/{imageName}.
func (h *Handler) Classify(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("imageName")
	pred, err := h.engine.Classify(r.Context(), name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

// Train handles POST /api/ml/train.
func (h *Handler) Train(w http.ResponseWriter, r *http.Request) {
	tp, err := h.engine.Retrain(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := TrainResponse{
		ID:          tp.ID,
		Fingerprint: tp.Fingerprint,
		Labels:      tp.Labels.Labels(),
	}
	if m := tp.Metrics; m != nil {
		resp.LogLoss = m.LogLoss
		resp.PerClassLogLoss = m.PerClassLogLoss
		resp.MicroAccuracy = m.MicroAccuracy
	}
	writeJSON(w, http.StatusOK, resp)
}

// Upload handles POST /api/ml/upload. The image is stored in the predict
// directory and classified.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	logger, _ := custom_logger.GetZapLogger(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return
	}
	defer file.Close()

	body, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read upload", http.StatusBadRequest)
		return
	}
	mtype := mimetype.Detect(body)
	if !mimetype.EqualsAny(mtype.String(), imaging.SupportedTypes...) {
		http.Error(w, fmt.Sprintf("Unsupported image type %s", mtype.String()), http.StatusUnsupportedMediaType)
		return
	}

	name, err := uploadName(header.Filename, mtype.Extension())
	if err != nil {
		logger.Error("naming upload", zap.Error(err))
		http.Error(w, "Failed to store upload", http.StatusInternalServerError)
		return
	}
	dest := filepath.Join(h.engine.PredictDir(), name)
	if err := os.MkdirAll(h.engine.PredictDir(), 0o755); err != nil {
		logger.Error("creating predict dir", zap.Error(err))
		http.Error(w, "Failed to store upload", http.StatusInternalServerError)
		return
	}
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		logger.Error("storing upload", zap.String("path", dest), zap.Error(err))
		http.Error(w, "Failed to store upload", http.StatusInternalServerError)
		return
	}
	logger.Info("received upload",
		zap.String("file.name", header.Filename),
		zap.Int64("file.size", header.Size),
		zap.String("file.type", mtype.String()),
		zap.String("image.name", name),
	)

	pred, err := h.engine.Classify(r.Context(), name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

// uploadName keeps the client's base name when it is usable and otherwise
// generates one. A uuid prefix avoids clobbering earlier uploads.
func uploadName(filename, ext string) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	base := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	if inference.ValidateFilename(base) != nil {
		base = "upload" + ext
	}
	return id.String() + "-" + base, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	logger, _ := custom_logger.GetZapLogger(r.Context())

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, inference.ErrInvalidName):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrTrainingFailed):
	case errors.Is(err, fs.ErrNotExist):
		status = http.StatusNotFound
	case errors.Is(err, imaging.ErrImageDecode):
		status = http.StatusUnprocessableEntity
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		logger.Info("request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
