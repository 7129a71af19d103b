package artifact_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelluze/classifyimage/internal/artifact"
	"github.com/israelluze/classifyimage/internal/classifier"
	"github.com/israelluze/classifyimage/internal/extractor"
	"github.com/israelluze/classifyimage/internal/imaging"
	"github.com/israelluze/classifyimage/internal/labels"
)

func trainedPipeline(t *testing.T) *artifact.TrainedPipeline {
	t.Helper()
	x := [][]float32{{0.1, 3.3}, {0.2, 2.9}, {2.8, 0.3}, {3.1, 0.05}}
	y := []int{0, 0, 1, 1}
	model, _, err := classifier.Fit(context.Background(), x, y, 2, classifier.DefaultOptions())
	require.NoError(t, err)

	tp, err := artifact.New("fp", labels.New([]string{"cat", "dog"}), model,
		imaging.DefaultSettings(), extractor.Descriptor{Name: "stub", Dim: 2})
	require.NoError(t, err)
	return tp
}

func assertSamePredictions(t *testing.T, a, b *artifact.TrainedPipeline) {
	t.Helper()
	assert.Equal(t, a.Labels.Labels(), b.Labels.Labels())
	assert.Equal(t, a.Model, b.Model)
	assert.Equal(t, a.Preprocess, b.Preprocess)
	assert.Equal(t, a.Extractor, b.Extractor)
	assert.Equal(t, a.ID, b.ID)

	for _, q := range [][]float32{{0, 3}, {3, 0}, {1.5, 1.5}, {-7, 12.25}} {
		pa, err := a.Model.Probabilities(q)
		require.NoError(t, err)
		pb, err := b.Model.Probabilities(q)
		require.NoError(t, err)
		assert.Equal(t, pa, pb)
	}
}

func TestFileStore_NotFound(t *testing.T) {
	s := artifact.NewFileStore(filepath.Join(t.TempDir(), "outputs", "model.json"))
	_, err := s.Load(context.Background())
	assert.True(t, errors.Is(err, artifact.ErrArtifactNotFound))
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := artifact.NewFileStore(filepath.Join(t.TempDir(), "outputs", "model.json"))
	tp := trainedPipeline(t)

	require.NoError(t, s.Save(ctx, tp))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assertSamePredictions(t, tp, got)

	// overwrite
	tp2 := trainedPipeline(t)
	require.NoError(t, s.Save(ctx, tp2))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, tp2.ID, got.ID)

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestFileStore_ConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	s := artifact.NewFileStore(filepath.Join(t.TempDir(), "model.json"))

	tps := make([]*artifact.TrainedPipeline, 8)
	for i := range tps {
		tps[i] = trainedPipeline(t)
	}

	var wg sync.WaitGroup
	for _, tp := range tps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Save(ctx, tp))
		}()
	}
	wg.Wait()

	_, err := s.Load(ctx)
	require.NoError(t, err)
}

func TestFileStore_Corrupt(t *testing.T) {
	p := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(p, []byte("{"), 0o644))

	_, err := artifact.NewFileStore(p).Load(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, artifact.ErrArtifactNotFound))
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()

	s := artifact.NewRedisStore(rc, "classifyimage:test")

	_, err = s.Load(ctx)
	assert.True(t, errors.Is(err, artifact.ErrArtifactNotFound))

	tp := trainedPipeline(t)
	require.NoError(t, s.Save(ctx, tp))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assertSamePredictions(t, tp, got)
}

func TestUnmarshal_Version(t *testing.T) {
	tp := trainedPipeline(t)
	tp.Version = artifact.Version + 1
	b, err := artifact.Marshal(tp)
	require.NoError(t, err)

	_, err = artifact.Unmarshal(b)
	assert.ErrorContains(t, err, fmt.Sprintf("artifact version %d", artifact.Version+1))
}

func TestValidate(t *testing.T) {
	tp := trainedPipeline(t)
	tp.Extractor.Dim = 5
	assert.Error(t, tp.Validate())

	tp = trainedPipeline(t)
	tp.Labels = labels.New([]string{"cat", "dog", "bird"})
	assert.Error(t, tp.Validate())
}

func TestFingerprint(t *testing.T) {
	a, err := artifact.Fingerprint([]byte("a.png\tcat\n"), imaging.DefaultSettings())
	require.NoError(t, err)
	b, err := artifact.Fingerprint([]byte("a.png\tcat\n"), imaging.DefaultSettings())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := artifact.Fingerprint([]byte("a.png\tdog\n"), imaging.DefaultSettings())
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	s := imaging.DefaultSettings()
	s.Mean = 0
	d, err := artifact.Fingerprint([]byte("a.png\tcat\n"), s)
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}
