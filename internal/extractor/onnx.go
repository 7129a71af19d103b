package extractor

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/israelluze/classifyimage/internal/imaging"
)

// ONNXConfig configures an ONNX extractor.
type ONNXConfig struct {
	// SharedLibrary overrides the onnxruntime shared library location.
	SharedLibrary string
	ModelPath     string
	InputName     string
	// OutputName is the penultimate activation read as the embedding.
	OutputName   string
	Dim          int
	Height       int
	Width        int
	ChannelsLast bool
}

// ONNX runs the pretrained network with ONNX Runtime. The network's own
// label head is ignored; OutputName selects the layer used as the feature.
type ONNX struct {
	cfg          ONNXConfig
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]

	// the session is bound to the two tensors above
	mu sync.Mutex
}

var _ FeatureExtractor = (*ONNX)(nil)

// NewONNX initializes the runtime environment and opens a session on the model.
func NewONNX(cfg ONNXConfig) (*ONNX, error) {
	if cfg.Dim <= 0 || cfg.Height <= 0 || cfg.Width <= 0 {
		return nil, errors.Errorf("invalid extractor shape dim=%d size=%dx%d", cfg.Dim, cfg.Width, cfg.Height)
	}
	if cfg.SharedLibrary != "" {
		ort.SetSharedLibraryPath(cfg.SharedLibrary)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "failed to initialize ONNX environment")
		}
	}

	inputShape := ort.NewShape(1, 3, int64(cfg.Height), int64(cfg.Width))
	if cfg.ChannelsLast {
		inputShape = ort.NewShape(1, int64(cfg.Height), int64(cfg.Width), 3)
	}
	outputShape := ort.NewShape(1, int64(cfg.Dim))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create input tensor")
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, errors.Wrap(err, "failed to create output tensor")
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, errors.Wrapf(err, "failed to create ONNX session for %s", cfg.ModelPath)
	}

	return &ONNX{
		cfg:          cfg,
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Dim is the embedding length.
func (o *ONNX) Dim() int { return o.cfg.Dim }

// Descriptor identifies the model and layer in use.
func (o *ONNX) Descriptor() Descriptor {
	return Descriptor{
		Name:         "onnx",
		ModelPath:    o.cfg.ModelPath,
		InputName:    o.cfg.InputName,
		OutputName:   o.cfg.OutputName,
		Dim:          o.cfg.Dim,
		Height:       o.cfg.Height,
		Width:        o.cfg.Width,
		ChannelsLast: o.cfg.ChannelsLast,
	}
}

// Extract runs each tensor through the network with a batch dimension of one.
func (o *ONNX) Extract(ctx context.Context, batch []imaging.Tensor) ([]FeatureVector, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	in := o.inputTensor.GetData()
	out := make([]FeatureVector, len(batch))
	for i, t := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if t.Height != o.cfg.Height || t.Width != o.cfg.Width || t.ChannelsLast != o.cfg.ChannelsLast || len(t.Data) != len(in) {
			return nil, fmt.Errorf("tensor %d shape %v does not match extractor input", i, t.Shape())
		}
		copy(in, t.Data)

		if err := o.session.Run(); err != nil {
			return nil, errors.Wrap(err, "inference failed")
		}

		v := make(FeatureVector, o.cfg.Dim)
		copy(v, o.outputTensor.GetData())
		out[i] = v
	}
	return out, nil
}

// Close releases the session, its tensors and the runtime environment.
func (o *ONNX) Close() {
	if o.inputTensor != nil {
		o.inputTensor.Destroy()
	}
	if o.outputTensor != nil {
		o.outputTensor.Destroy()
	}
	if o.session != nil {
		o.session.Destroy()
	}
	ort.DestroyEnvironment()
}
