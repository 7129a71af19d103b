package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelluze/classifyimage/internal/artifact"
	"github.com/israelluze/classifyimage/internal/classifier"
	"github.com/israelluze/classifyimage/internal/extractor/extractortest"
	"github.com/israelluze/classifyimage/internal/imaging"
	"github.com/israelluze/classifyimage/internal/imaging/imagingtest"
	"github.com/israelluze/classifyimage/internal/manifest"
	"github.com/israelluze/classifyimage/internal/pipeline"
)

var (
	reds  = []color.RGBA{{255, 0, 0, 255}, {230, 20, 10, 255}, {200, 30, 30, 255}, {250, 10, 40, 255}}
	blues = []color.RGBA{{0, 0, 255, 255}, {10, 20, 230, 255}, {30, 30, 200, 255}, {40, 10, 250, 255}}
)

type dataset struct {
	root     string
	manifest string
}

// toyDataset writes 4 red and 4 blue images and a manifest labeling them.
func toyDataset(t *testing.T) dataset {
	t.Helper()
	root := t.TempDir()
	var lines []string
	for i, c := range reds {
		name := fmt.Sprintf("red%d.png", i)
		imagingtest.WriteSolidPNG(t, root, name, 12, 10, c)
		lines = append(lines, name+"\tred")
	}
	for i, c := range blues {
		name := fmt.Sprintf("blue%d.png", i)
		imagingtest.WriteSolidPNG(t, root, name, 10, 12, c)
		lines = append(lines, name+"\tblue")
	}
	p := filepath.Join(root, "tags.tsv")
	require.NoError(t, os.WriteFile(p, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return dataset{root: root, manifest: p}
}

func config(ds dataset) pipeline.Config {
	s := imaging.DefaultSettings()
	s.Height, s.Width = 8, 8
	return pipeline.Config{
		ManifestPath: ds.manifest,
		ImageRoot:    ds.root,
		Preprocess:   s,
		Classifier:   classifier.DefaultOptions(),
		Workers:      3,
		BatchSize:    3,
	}
}

func TestTrain(t *testing.T) {
	ctx := context.Background()
	ds := toyDataset(t)
	store := artifact.NewFileStore(filepath.Join(t.TempDir(), "model.json"))
	fx := &extractortest.ChannelMeans{}

	var reported *classifier.Metrics
	tr, err := pipeline.NewTrainer(config(ds), fx, store, pipeline.WithMetricsReporter(
		func(_ context.Context, _ *artifact.TrainedPipeline, m *classifier.Metrics) { reported = m },
	))
	require.NoError(t, err)

	tp, err := tr.Train(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"red", "blue"}, tp.Labels.Labels())
	assert.Equal(t, 3, tp.Model.Features)
	assert.Equal(t, 2, tp.Model.Classes)
	assert.Equal(t, int64(3), fx.Calls.Load(), "8 images in batches of 3")

	require.NotNil(t, reported)
	assert.Equal(t, 8, reported.Samples)
	assert.Equal(t, 1.0, reported.MicroAccuracy)
	assert.Len(t, reported.PerClassLogLoss, 2)
	assert.Equal(t, reported, tp.Metrics)

	fp, err := tr.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fp, tp.Fingerprint)

	saved, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, tp.ID, saved.ID)
	assert.Equal(t, tp.Model, saved.Model)
}

func TestTrain_MissingImageAborts(t *testing.T) {
	ctx := context.Background()
	ds := toyDataset(t)
	require.NoError(t, os.Remove(filepath.Join(ds.root, "blue2.png")))
	store := artifact.NewFileStore(filepath.Join(t.TempDir(), "model.json"))

	tr, err := pipeline.NewTrainer(config(ds), &extractortest.ChannelMeans{}, store)
	require.NoError(t, err)

	_, err = tr.Train(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrTrainingFailed))
	assert.True(t, errors.Is(err, imaging.ErrImageDecode))

	_, err = store.Load(ctx)
	assert.True(t, errors.Is(err, artifact.ErrArtifactNotFound), "no partial model is saved")
}

func TestTrain_MalformedManifest(t *testing.T) {
	ds := toyDataset(t)
	require.NoError(t, os.WriteFile(ds.manifest, []byte("red0.png\tred\nblue0.png blue\n"), 0o644))

	tr, err := pipeline.NewTrainer(config(ds), &extractortest.ChannelMeans{}, artifact.NewFileStore(filepath.Join(t.TempDir(), "m.json")))
	require.NoError(t, err)

	_, err = tr.Train(context.Background())
	assert.True(t, errors.Is(err, pipeline.ErrTrainingFailed))
	assert.True(t, errors.Is(err, manifest.ErrManifestRead))

	var terr *pipeline.TrainingError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "manifest", terr.Stage)
}

func TestTrain_ExtractorFailure(t *testing.T) {
	ds := toyDataset(t)
	// the first value of the pure red tensor is 255-117
	fail := float32(138)
	fx := &extractortest.ChannelMeans{FailOn: &fail}

	tr, err := pipeline.NewTrainer(config(ds), fx, artifact.NewFileStore(filepath.Join(t.TempDir(), "m.json")))
	require.NoError(t, err)

	_, err = tr.Train(context.Background())
	assert.True(t, errors.Is(err, pipeline.ErrTrainingFailed))
	assert.ErrorContains(t, err, "extractor failure")
}

func TestTrain_Cancelled(t *testing.T) {
	ds := toyDataset(t)
	tr, err := pipeline.NewTrainer(config(ds), &extractortest.ChannelMeans{}, artifact.NewFileStore(filepath.Join(t.TempDir(), "m.json")))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Train(ctx)
	assert.True(t, errors.Is(err, pipeline.ErrTrainingFailed))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFingerprint_TracksInputs(t *testing.T) {
	ds := toyDataset(t)
	cfg := config(ds)
	store := artifact.NewFileStore(filepath.Join(t.TempDir(), "m.json"))

	tr, err := pipeline.NewTrainer(cfg, &extractortest.ChannelMeans{}, store)
	require.NoError(t, err)
	a, err := tr.Fingerprint()
	require.NoError(t, err)

	cfg.Preprocess.Mean = 0
	tr2, err := pipeline.NewTrainer(cfg, &extractortest.ChannelMeans{}, store)
	require.NoError(t, err)
	b, err := tr2.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	f, err := os.OpenFile(ds.manifest, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("red0.png\tcrimson\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c, err := tr.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestNewTrainer_InvalidSettings(t *testing.T) {
	cfg := config(toyDataset(t))
	cfg.Preprocess.Interpolation = "sinc"
	_, err := pipeline.NewTrainer(cfg, &extractortest.ChannelMeans{}, nil)
	assert.Error(t, err)
}

func TestFingerprint_TracksImageFiles(t *testing.T) {
	ds := toyDataset(t)
	tr, err := pipeline.NewTrainer(config(ds), &extractortest.ChannelMeans{}, nil)
	require.NoError(t, err)

	a, err := tr.Fingerprint()
	require.NoError(t, err)
	again, err := tr.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, a, again)

	// same name, new pixels
	p := imagingtest.WriteSolidPNG(t, ds.root, "red0.png", 30, 30, color.RGBA{G: 255, A: 255})
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(p, later, later))

	b, err := tr.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestFingerprint_MissingManifest(t *testing.T) {
	cfg := config(toyDataset(t))
	cfg.ManifestPath = filepath.Join(t.TempDir(), "absent.tsv")
	tr, err := pipeline.NewTrainer(cfg, &extractortest.ChannelMeans{}, nil)
	require.NoError(t, err)

	_, err = tr.Fingerprint()
	assert.True(t, errors.Is(err, pipeline.ErrTrainingFailed))
	assert.True(t, errors.Is(err, manifest.ErrManifestRead))
}
