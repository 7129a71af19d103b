// Package pipeline trains the classifier on embeddings of the labeled image
// set and persists the result.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/israelluze/classifyimage/internal/artifact"
	"github.com/israelluze/classifyimage/internal/classifier"
	"github.com/israelluze/classifyimage/internal/extractor"
	"github.com/israelluze/classifyimage/internal/imaging"
	"github.com/israelluze/classifyimage/internal/labels"
	"github.com/israelluze/classifyimage/internal/manifest"

	custom_logger "github.com/israelluze/classifyimage/internal/logger"
)

var tracer = otel.Tracer("github.com/israelluze/classifyimage/internal/pipeline")

// Config describes one training setup.
type Config struct {
	ManifestPath string
	ImageRoot    string
	Preprocess   imaging.Settings
	Classifier   classifier.Options
	// Workers bounds concurrent image preprocessing.
	Workers int
	// BatchSize is the number of images preprocessed and extracted together.
	BatchSize int
	// Timeout bounds a whole training run when positive.
	Timeout time.Duration
}

// MetricsReporter receives training-set metrics after a successful run.
type MetricsReporter func(ctx context.Context, tp *artifact.TrainedPipeline, m *classifier.Metrics)

// Option configures a Trainer.
type Option func(*Trainer)

// WithMetricsReporter replaces the default log-based metrics reporter.
func WithMetricsReporter(r MetricsReporter) Option {
	return func(t *Trainer) { t.report = r }
}

// Trainer fits and persists a TrainedPipeline.
type Trainer struct {
	cfg    Config
	pre    *imaging.Preprocessor
	fx     extractor.FeatureExtractor
	store  artifact.Store
	report MetricsReporter
}

// NewTrainer checks that the preprocessing matches what the extractor
// expects and returns a Trainer.
func NewTrainer(cfg Config, fx extractor.FeatureExtractor, store artifact.Store, opts ...Option) (*Trainer, error) {
	pre, err := imaging.NewPreprocessor(cfg.Preprocess)
	if err != nil {
		return nil, err
	}
	d := fx.Descriptor()
	if d.Height > 0 && (d.Height != cfg.Preprocess.Height || d.Width != cfg.Preprocess.Width || d.ChannelsLast != cfg.Preprocess.ChannelsLast) {
		return nil, fmt.Errorf("extractor expects %dx%d (channels last %t), preprocessing produces %dx%d (channels last %t)",
			d.Width, d.Height, d.ChannelsLast, cfg.Preprocess.Width, cfg.Preprocess.Height, cfg.Preprocess.ChannelsLast)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}

	t := &Trainer{cfg: cfg, pre: pre, fx: fx, store: store, report: logMetrics}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Config returns the trainer configuration with defaults applied.
func (t *Trainer) Config() Config { return t.cfg }

// Fingerprint identifies the current manifest, the size and modification
// time of every image it lists, and the configuration. A stored pipeline with
// the same fingerprint is still valid. An unreadable manifest is reported as
// a TrainingError, since no pipeline can be built from it.
func (t *Trainer) Fingerprint() (string, error) {
	data, records, err := t.loadManifest()
	if err != nil {
		return "", stageErr("manifest", err)
	}
	return t.fingerprint(data, records)
}

func (t *Trainer) loadManifest() ([]byte, []manifest.LabeledImage, error) {
	data, err := t.readManifest()
	if err != nil {
		return nil, nil, err
	}
	records, err := manifest.Parse(data, t.cfg.ManifestPath, t.cfg.ImageRoot)
	if err != nil {
		return nil, nil, err
	}
	return data, records, nil
}

func (t *Trainer) readManifest() ([]byte, error) {
	data, err := os.ReadFile(t.cfg.ManifestPath)
	if err != nil {
		return nil, &manifest.ReadError{Path: t.cfg.ManifestPath, Err: err}
	}
	return data, nil
}

// imageStamp stands in for an image's content. Size is -1 when the file
// cannot be stat'ed; training reports that error.
type imageStamp struct {
	Size    int64 `json:"size"`
	ModTime int64 `json:"mtime"`
}

func (t *Trainer) fingerprint(data []byte, records []manifest.LabeledImage) (string, error) {
	stamps := make([]imageStamp, len(records))
	for i, r := range records {
		st, err := os.Stat(r.ImagePath)
		if err != nil {
			stamps[i] = imageStamp{Size: -1}
			continue
		}
		stamps[i] = imageStamp{Size: st.Size(), ModTime: st.ModTime().UnixNano()}
	}
	return artifact.Fingerprint(data, t.cfg.ImageRoot, stamps, t.cfg.Preprocess, t.fx.Descriptor(), t.cfg.Classifier)
}

// Train reads the manifest, embeds every image, fits the classifier,
// evaluates it on the training set and saves the result, replacing any
// previous artifact. Any failure aborts the run without saving.
func (t *Trainer) Train(ctx context.Context) (*artifact.TrainedPipeline, error) {
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "Train")
	defer span.End()

	tp, err := t.train(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String(custom_logger.ArtifactKey, tp.ID))
	return tp, nil
}

func (t *Trainer) train(ctx context.Context) (*artifact.TrainedPipeline, error) {
	logger, _ := custom_logger.GetZapLogger(ctx)
	start := time.Now()

	data, records, err := t.loadManifest()
	if err != nil {
		return nil, stageErr("manifest", err)
	}
	fp, err := t.fingerprint(data, records)
	if err != nil {
		return nil, stageErr("manifest", err)
	}

	names := make([]string, len(records))
	for i, r := range records {
		names[i] = r.Label
	}
	enc := labels.New(names)
	targets := make([]int, len(records))
	for i, r := range records {
		// every label was added above
		targets[i], _ = enc.Encode(r.Label)
	}

	logger.Info("training started",
		zap.String(custom_logger.PhaseKey, "training"),
		zap.Int(custom_logger.SamplesKey, len(records)),
		zap.Int(custom_logger.ClassesKey, enc.Len()),
	)

	features, err := t.embed(ctx, records)
	if err != nil {
		return nil, stageErr("feature extraction", err)
	}

	model, summary, err := classifier.Fit(ctx, features, targets, enc.Len(), t.cfg.Classifier)
	if err != nil {
		return nil, stageErr("fit", err)
	}
	metrics, err := classifier.EvaluateModel(model, features, targets)
	if err != nil {
		return nil, stageErr("evaluate", err)
	}

	tp, err := artifact.New(fp, enc, model, t.cfg.Preprocess, t.fx.Descriptor())
	if err != nil {
		return nil, stageErr("assemble", err)
	}
	tp.Metrics = metrics

	if err := ctx.Err(); err != nil {
		return nil, stageErr("save", err)
	}
	if err := t.store.Save(ctx, tp); err != nil {
		return nil, stageErr("save", err)
	}

	logger.Info("training finished",
		zap.String(custom_logger.ArtifactKey, tp.ID),
		zap.Int(custom_logger.IterationKey, summary.Iterations),
		zap.String("optimizer.status", summary.Status),
		zap.Int(custom_logger.FeaturesKey, model.Features),
		zap.Int64(custom_logger.DurationKey, time.Since(start).Milliseconds()),
	)
	if t.report != nil {
		t.report(ctx, tp, metrics)
	}
	return tp, nil
}

// embed preprocesses records batch by batch, in parallel within a batch, and
// extracts their features. Output order follows records.
func (t *Trainer) embed(ctx context.Context, records []manifest.LabeledImage) ([]extractor.FeatureVector, error) {
	features := make([]extractor.FeatureVector, 0, len(records))
	for start := 0; start < len(records); start += t.cfg.BatchSize {
		end := min(start+t.cfg.BatchSize, len(records))
		batch := records[start:end]
		tensors := make([]imaging.Tensor, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(t.cfg.Workers)
		for i, rec := range batch {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				tensor, err := t.pre.Load(rec.ImagePath)
				if err != nil {
					return err
				}
				tensors[i] = tensor
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		vecs, err := extractor.ExtractAll(ctx, t.fx, tensors, len(tensors))
		if err != nil {
			return nil, err
		}
		features = append(features, vecs...)
	}
	return features, nil
}

func logMetrics(ctx context.Context, tp *artifact.TrainedPipeline, m *classifier.Metrics) {
	logger, _ := custom_logger.GetZapLogger(ctx)

	perClass := make([]zap.Field, 0, len(m.PerClassLogLoss))
	for i, l := range m.PerClassLogLoss {
		name, _ := tp.Labels.Decode(i)
		perClass = append(perClass, zap.Float64(name, l))
	}
	logger.Info("classification metrics",
		zap.String(custom_logger.ArtifactKey, tp.ID),
		zap.Float64(custom_logger.LossKey, m.LogLoss),
		zap.Float64("metrics.log_loss_reduction", m.LogLossReduction),
		zap.Float64(custom_logger.AccuracyKey, m.MicroAccuracy),
		zap.Float64("metrics.macro_accuracy", m.MacroAccuracy),
		zap.Dict("metrics.per_class_log_loss", perClass...),
	)
}
