// Package artifact persists trained pipelines so training can be skipped
// while its inputs are unchanged.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"

	"github.com/israelluze/classifyimage/internal/classifier"
	"github.com/israelluze/classifyimage/internal/extractor"
	"github.com/israelluze/classifyimage/internal/imaging"
	"github.com/israelluze/classifyimage/internal/labels"
)

// Version is bumped whenever the encoding of TrainedPipeline changes.
const Version = 1

// ErrArtifactNotFound is returned by Load when nothing was saved yet.
var ErrArtifactNotFound = errors.New("artifact not found")

// Store saves and loads a single TrainedPipeline.
type Store interface {
	Save(ctx context.Context, tp *TrainedPipeline) error
	Load(ctx context.Context) (*TrainedPipeline, error)
}

// TrainedPipeline is everything inference needs: the label encoding, the
// classifier parameters and the preprocessing and extractor configuration
// the features were produced with.
type TrainedPipeline struct {
	ID          string               `json:"id"`
	Version     int                  `json:"version"`
	Fingerprint string               `json:"fingerprint"`
	CreatedAt   time.Time            `json:"created_at"`
	Labels      *labels.Encoding     `json:"labels"`
	Model       *classifier.Model    `json:"model"`
	Preprocess  imaging.Settings     `json:"preprocess"`
	Extractor   extractor.Descriptor `json:"extractor"`
	Metrics     *classifier.Metrics  `json:"metrics,omitempty"`
}

// New assembles a TrainedPipeline with a fresh ID.
func New(fingerprint string, enc *labels.Encoding, model *classifier.Model, pre imaging.Settings, fx extractor.Descriptor) (*TrainedPipeline, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	tp := &TrainedPipeline{
		ID:          id.String(),
		Version:     Version,
		Fingerprint: fingerprint,
		CreatedAt:   time.Now().UTC(),
		Labels:      enc,
		Model:       model,
		Preprocess:  pre,
		Extractor:   fx,
	}
	return tp, tp.Validate()
}

// Validate checks the parts of the pipeline agree with each other.
func (tp *TrainedPipeline) Validate() error {
	if tp.Labels == nil || tp.Model == nil {
		return errors.New("pipeline is missing labels or model")
	}
	if err := tp.Model.Validate(); err != nil {
		return err
	}
	if tp.Labels.Len() != tp.Model.Classes {
		return fmt.Errorf("%d labels but model has %d classes", tp.Labels.Len(), tp.Model.Classes)
	}
	if tp.Extractor.Dim != tp.Model.Features {
		return fmt.Errorf("extractor dim %d but model has %d features", tp.Extractor.Dim, tp.Model.Features)
	}
	return tp.Preprocess.Validate()
}

// Marshal encodes tp. Floats use the shortest representation that parses
// back to the same value, so Unmarshal(Marshal(tp)) is exact.
func Marshal(tp *TrainedPipeline) ([]byte, error) {
	return json.Marshal(tp)
}

// Unmarshal decodes and validates a pipeline written by Marshal.
func Unmarshal(b []byte) (*TrainedPipeline, error) {
	var tp TrainedPipeline
	if err := json.Unmarshal(b, &tp); err != nil {
		return nil, fmt.Errorf("decoding artifact: %w", err)
	}
	if tp.Version != Version {
		return nil, fmt.Errorf("artifact version %d, this build reads %d", tp.Version, Version)
	}
	if err := tp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid artifact: %w", err)
	}
	return &tp, nil
}

// Fingerprint hashes the training manifest together with the JSON form of
// every configuration value that influences the fitted pipeline.
func Fingerprint(manifest []byte, config ...any) (string, error) {
	h := sha256.New()
	h.Write(manifest)
	for _, c := range config {
		b, err := json.Marshal(c)
		if err != nil {
			return "", err
		}
		h.Write([]byte{0})
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
