// Package extractortest provides deterministic feature extractors for tests.
package extractortest

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/israelluze/classifyimage/internal/extractor"
	"github.com/israelluze/classifyimage/internal/imaging"
)

// ChannelMeans embeds a tensor as the mean of each of its channels. Solid
// color images of different colors land far apart.
type ChannelMeans struct {
	// Calls counts Extract invocations.
	Calls atomic.Int64
	// FailOn makes Extract fail when a tensor's first value equals it.
	FailOn *float32
}

var _ extractor.FeatureExtractor = (*ChannelMeans)(nil)

func (c *ChannelMeans) Dim() int { return 3 }

func (c *ChannelMeans) Descriptor() extractor.Descriptor {
	return extractor.Descriptor{Name: "channel-means", Dim: 3}
}

func (c *ChannelMeans) Extract(ctx context.Context, batch []imaging.Tensor) ([]extractor.FeatureVector, error) {
	c.Calls.Add(1)
	out := make([]extractor.FeatureVector, len(batch))
	for i, t := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.FailOn != nil && len(t.Data) > 0 && t.Data[0] == *c.FailOn {
			return nil, errors.New("extractor failure")
		}
		v := make(extractor.FeatureVector, 3)
		for y := 0; y < t.Height; y++ {
			for x := 0; x < t.Width; x++ {
				for ch := 0; ch < 3; ch++ {
					v[ch] += t.At(x, y, ch)
				}
			}
		}
		n := float32(t.Height * t.Width)
		for ch := range v {
			v[ch] /= n
		}
		out[i] = v
	}
	return out, nil
}
