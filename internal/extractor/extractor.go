// Package extractor wraps a frozen pretrained network that turns image
// tensors into fixed-length embeddings.
package extractor

import (
	"context"
	"fmt"

	"github.com/israelluze/classifyimage/internal/imaging"
)

// FeatureVector is the embedding of one image.
type FeatureVector []float32

// Descriptor identifies an extractor configuration. It is stored with the
// trained pipeline and any change to it invalidates that pipeline.
type Descriptor struct {
	Name         string `json:"name"`
	ModelPath    string `json:"model_path,omitempty"`
	InputName    string `json:"input_name,omitempty"`
	OutputName   string `json:"output_name,omitempty"`
	Dim          int    `json:"dim"`
	Height       int    `json:"height"`
	Width        int    `json:"width"`
	ChannelsLast bool   `json:"channels_last"`
}

// FeatureExtractor returns one FeatureVector per input tensor, in input order.
// Every returned vector has length Dim().
type FeatureExtractor interface {
	Extract(ctx context.Context, batch []imaging.Tensor) ([]FeatureVector, error)
	Dim() int
	Descriptor() Descriptor
}

// ExtractAll runs tensors through fx in chunks of batchSize and checks the
// output contract.
func ExtractAll(ctx context.Context, fx FeatureExtractor, tensors []imaging.Tensor, batchSize int) ([]FeatureVector, error) {
	if batchSize <= 0 {
		batchSize = len(tensors)
	}
	out := make([]FeatureVector, 0, len(tensors))
	for start := 0; start < len(tensors); start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+batchSize, len(tensors))
		vecs, err := fx.Extract(ctx, tensors[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("extractor returned %d vectors for %d inputs", len(vecs), end-start)
		}
		for i, v := range vecs {
			if len(v) != fx.Dim() {
				return nil, fmt.Errorf("vector %d has length %d, want %d", start+i, len(v), fx.Dim())
			}
		}
		out = append(out, vecs...)
	}
	return out, nil
}
