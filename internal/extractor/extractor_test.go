package extractor_test

import (
	"context"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelluze/classifyimage/internal/extractor"
	"github.com/israelluze/classifyimage/internal/extractor/extractortest"
	"github.com/israelluze/classifyimage/internal/imaging"
	"github.com/israelluze/classifyimage/internal/imaging/imagingtest"
)

type shortExtractor struct{ extractortest.ChannelMeans }

func (s *shortExtractor) Extract(ctx context.Context, batch []imaging.Tensor) ([]extractor.FeatureVector, error) {
	vecs, err := s.ChannelMeans.Extract(ctx, batch)
	if err != nil {
		return nil, err
	}
	return vecs[:len(vecs)-1], nil
}

func tensors(t *testing.T, colors ...color.RGBA) []imaging.Tensor {
	t.Helper()
	s := imaging.DefaultSettings()
	s.Height, s.Width = 4, 4
	pp, err := imaging.NewPreprocessor(s)
	require.NoError(t, err)

	out := make([]imaging.Tensor, len(colors))
	for i, c := range colors {
		out[i] = pp.FromImage(imagingtest.Solid(4, 4, c))
	}
	return out
}

func TestExtractAll_OrderAndBatches(t *testing.T) {
	fx := &extractortest.ChannelMeans{}
	in := tensors(t,
		color.RGBA{R: 255, A: 255},
		color.RGBA{G: 255, A: 255},
		color.RGBA{B: 255, A: 255},
		color.RGBA{R: 117, G: 117, B: 117, A: 255},
		color.RGBA{A: 255},
	)

	vecs, err := extractor.ExtractAll(context.Background(), fx, in, 2)
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	assert.Equal(t, int64(3), fx.Calls.Load())

	for _, v := range vecs {
		assert.Len(t, v, fx.Dim())
	}
	assert.InDelta(t, 138, vecs[0][0], 1)
	assert.InDelta(t, 138, vecs[1][1], 1)
	assert.InDelta(t, 138, vecs[2][2], 1)
	assert.InDelta(t, 0, vecs[3][0], 1)
	assert.InDelta(t, -117, vecs[4][2], 1)
}

func TestExtractAll_ShortOutput(t *testing.T) {
	fx := &shortExtractor{}
	_, err := extractor.ExtractAll(context.Background(), fx, tensors(t, color.RGBA{A: 255}, color.RGBA{A: 255}), 0)
	assert.ErrorContains(t, err, "returned 1 vectors for 2 inputs")
}

func TestExtractAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := extractor.ExtractAll(ctx, &extractortest.ChannelMeans{}, tensors(t, color.RGBA{A: 255}), 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewONNX_InvalidShape(t *testing.T) {
	_, err := extractor.NewONNX(extractor.ONNXConfig{ModelPath: "model.onnx", Dim: 0, Height: 224, Width: 224})
	assert.ErrorContains(t, err, "invalid extractor shape")
}
