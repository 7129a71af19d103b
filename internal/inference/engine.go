// Package inference classifies single images with a trained pipeline,
// training one first when no valid pipeline is stored.
package inference

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/israelluze/classifyimage/internal/artifact"
	"github.com/israelluze/classifyimage/internal/classifier"
	"github.com/israelluze/classifyimage/internal/extractor"
	"github.com/israelluze/classifyimage/internal/imaging"
	"github.com/israelluze/classifyimage/internal/pipeline"

	custom_logger "github.com/israelluze/classifyimage/internal/logger"
)

var tracer = otel.Tracer("github.com/israelluze/classifyimage/internal/inference")

// Engine answers classification requests. It keeps the last valid pipeline
// in memory and retrains only when the manifest or configuration changed.
type Engine struct {
	trainer    *pipeline.Trainer
	store      artifact.Store
	fx         extractor.FeatureExtractor
	predictDir string

	// mu guards current and makes retraining single-writer
	mu      sync.Mutex
	current *artifact.TrainedPipeline
}

// NewEngine returns an Engine resolving query filenames against predictDir.
func NewEngine(trainer *pipeline.Trainer, store artifact.Store, fx extractor.FeatureExtractor, predictDir string) *Engine {
	return &Engine{
		trainer:    trainer,
		store:      store,
		fx:         fx,
		predictDir: predictDir,
	}
}

// PredictDir is where Classify looks for query images.
func (e *Engine) PredictDir() string { return e.predictDir }

// Classify resolves filename inside the predict directory and classifies it.
func (e *Engine) Classify(ctx context.Context, filename string) (*ImagePrediction, error) {
	ctx, span := tracer.Start(ctx, "Classify")
	defer span.End()
	span.SetAttributes(attribute.String("image.name", filename))

	pred, err := e.classify(ctx, filename)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return pred, nil
}

func (e *Engine) classify(ctx context.Context, filename string) (*ImagePrediction, error) {
	if err := ValidateFilename(filename); err != nil {
		return nil, &Error{Image: filename, Err: err}
	}
	tp, err := e.Pipeline(ctx)
	if err != nil {
		return nil, &Error{Image: filename, Err: err}
	}
	return e.Predict(ctx, tp, filepath.Join(e.predictDir, filename))
}

// ValidateFilename accepts bare file names only.
func ValidateFilename(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("%w %q", ErrInvalidName, name)
	}
	return nil
}

// Pipeline returns a pipeline matching the current manifest and
// configuration, loading it from the store or training a new one.
func (e *Engine) Pipeline(ctx context.Context) (*artifact.TrainedPipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	logger, _ := custom_logger.GetZapLogger(ctx)

	fp, err := e.trainer.Fingerprint()
	if err != nil {
		return nil, err
	}
	if e.current != nil && e.current.Fingerprint == fp {
		return e.current, nil
	}

	tp, err := e.store.Load(ctx)
	switch {
	case err == nil && tp.Fingerprint == fp:
		logger.Info("reusing stored pipeline", zap.String(custom_logger.ArtifactKey, tp.ID))
		e.current = tp
		return tp, nil
	case err == nil:
		logger.Info("stored pipeline is stale, retraining", zap.String(custom_logger.ArtifactKey, tp.ID))
	case errors.Is(err, artifact.ErrArtifactNotFound):
		logger.Info("no stored pipeline, training")
	default:
		logger.Warn("stored pipeline unreadable, retraining", zap.Error(err))
	}

	return e.retrainLocked(ctx)
}

// Retrain trains and stores a new pipeline regardless of the stored one.
func (e *Engine) Retrain(ctx context.Context) (*artifact.TrainedPipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retrainLocked(ctx)
}

func (e *Engine) retrainLocked(ctx context.Context) (*artifact.TrainedPipeline, error) {
	tp, err := e.trainer.Train(ctx)
	if err != nil {
		return nil, err
	}
	e.current = tp
	return tp, nil
}

// Predict classifies the image at imagePath with tp. It does not modify tp.
func (e *Engine) Predict(ctx context.Context, tp *artifact.TrainedPipeline, imagePath string) (*ImagePrediction, error) {
	name := filepath.Base(imagePath)
	if tp == nil {
		return nil, &Error{Image: name, Err: errors.New("no trained pipeline available")}
	}
	if d := e.fx.Descriptor(); d != tp.Extractor {
		return nil, &Error{Image: name, Err: fmt.Errorf("pipeline was trained with extractor %q, engine uses %q", tp.Extractor.Name, d.Name)}
	}

	pre, err := imaging.NewPreprocessor(tp.Preprocess)
	if err != nil {
		return nil, &Error{Image: name, Err: err}
	}
	tensor, err := pre.Load(imagePath)
	if err != nil {
		return nil, &Error{Image: name, Err: err}
	}
	vecs, err := extractor.ExtractAll(ctx, e.fx, []imaging.Tensor{tensor}, 1)
	if err != nil {
		return nil, &Error{Image: name, Err: err}
	}
	probs, err := tp.Model.Probabilities(vecs[0])
	if err != nil {
		return nil, &Error{Image: name, Err: err}
	}

	best := classifier.ArgMax(probs)
	label, err := tp.Labels.Decode(best)
	if err != nil {
		return nil, &Error{Image: name, Err: err}
	}

	scores := make([]LabelScore, len(probs))
	for i, p := range probs {
		l, _ := tp.Labels.Decode(i)
		scores[i] = LabelScore{Label: l, Probability: float32(p)}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Probability > scores[j].Probability })

	pred := &ImagePrediction{
		ImagePath:      name,
		PredictedLabel: label,
		Scores:         scores,
		TopScore:       float32(probs[best]),
	}

	logger, _ := custom_logger.GetZapLogger(ctx)
	logger.Info("image classified",
		zap.String("image.name", name),
		zap.String("preds.label", label),
		zap.Float32(custom_logger.ConfidenceKey, pred.TopScore),
	)
	return pred, nil
}
