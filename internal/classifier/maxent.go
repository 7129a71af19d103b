// Package classifier implements a multiclass maximum-entropy (softmax
// logistic regression) classifier fitted with L-BFGS.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// Model holds one weight vector and one bias per class. Weights is
// Classes x Features.
type Model struct {
	Classes  int         `json:"classes"`
	Features int         `json:"features"`
	Weights  [][]float64 `json:"weights"`
	Bias     []float64   `json:"bias"`
}

// Options controls fitting.
type Options struct {
	// MaxIterations caps L-BFGS major iterations.
	MaxIterations int
	// Tolerance is the gradient norm and relative loss change that count as converged.
	Tolerance float64
	// L2 is the weight of the squared-norm penalty on weights (biases are not penalized).
	L2 float64
	// Memory is the number of L-BFGS correction pairs kept.
	Memory int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{MaxIterations: 100, Tolerance: 1e-7, L2: 1e-4, Memory: 20}
}

// FitSummary describes how the optimizer stopped.
type FitSummary struct {
	Iterations int
	Loss       float64
	Status     string
}

// Fit trains a Model on x with class targets y in [0, classes). Cancelling
// ctx stops the optimizer between evaluations.
func Fit[V ~[]float32](ctx context.Context, x []V, y []int, classes int, opts Options) (*Model, FitSummary, error) {
	if len(x) == 0 {
		return nil, FitSummary{}, errors.New("no training samples")
	}
	if len(x) != len(y) {
		return nil, FitSummary{}, fmt.Errorf("%d samples but %d targets", len(x), len(y))
	}
	if classes <= 0 {
		return nil, FitSummary{}, fmt.Errorf("invalid class count %d", classes)
	}
	dim := len(x[0])
	if dim == 0 {
		return nil, FitSummary{}, errors.New("empty feature vectors")
	}

	data := make([][]float64, len(x))
	for i, v := range x {
		if len(v) != dim {
			return nil, FitSummary{}, fmt.Errorf("sample %d has %d features, want %d", i, len(v), dim)
		}
		if y[i] < 0 || y[i] >= classes {
			return nil, FitSummary{}, fmt.Errorf("sample %d has target %d outside [0,%d)", i, y[i], classes)
		}
		row := make([]float64, dim)
		for j, f := range v {
			row[j] = float64(f)
		}
		data[i] = row
	}

	if classes == 1 {
		m := newModel(classes, dim)
		return m, FitSummary{Status: "SingleClass"}, nil
	}

	obj := &objective{x: data, y: y, classes: classes, dim: dim, l2: opts.L2}
	problem := optimize.Problem{
		Func: func(p []float64) float64 { return obj.eval(p, nil) },
		Grad: func(grad, p []float64) { obj.eval(p, grad) },
	}

	settings := &optimize.Settings{
		Recorder:          ctxRecorder{ctx},
		MajorIterations:   opts.MaxIterations,
		GradientThreshold: opts.Tolerance,
		Converger: &optimize.FunctionConverge{
			Absolute:   opts.Tolerance * 1e-3,
			Relative:   opts.Tolerance,
			Iterations: 5,
		},
	}
	memory := opts.Memory
	if memory <= 0 {
		memory = 20
	}

	x0 := make([]float64, classes*(dim+1))
	result, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{Store: memory})
	if cerr := ctx.Err(); cerr != nil {
		return nil, FitSummary{}, fmt.Errorf("fitting classifier: %w", cerr)
	}
	if result == nil || len(result.X) != len(x0) || math.IsNaN(result.F) || math.IsInf(result.F, 0) {
		if err == nil {
			err = errors.New("optimizer returned no solution")
		}
		return nil, FitSummary{}, fmt.Errorf("fitting classifier: %w", err)
	}

	// A line search failing next to the optimum still leaves a usable point.
	summary := FitSummary{
		Iterations: result.MajorIterations,
		Loss:       result.F,
		Status:     result.Status.String(),
	}
	return obj.unpack(result.X), summary, nil
}

// ctxRecorder aborts the optimization once its context is done.
type ctxRecorder struct {
	ctx context.Context
}

func (r ctxRecorder) Init() error { return r.ctx.Err() }

func (r ctxRecorder) Record(*optimize.Location, optimize.Operation, *optimize.Stats) error {
	return r.ctx.Err()
}

func newModel(classes, dim int) *Model {
	m := &Model{
		Classes:  classes,
		Features: dim,
		Weights:  make([][]float64, classes),
		Bias:     make([]float64, classes),
	}
	for k := range m.Weights {
		m.Weights[k] = make([]float64, dim)
	}
	return m
}

// Scores returns the raw per-class scores w_k·x + b_k.
func (m *Model) Scores(x []float32) ([]float64, error) {
	if len(x) != m.Features {
		return nil, fmt.Errorf("got %d features, model expects %d", len(x), m.Features)
	}
	xf := make([]float64, len(x))
	for j, f := range x {
		xf[j] = float64(f)
	}
	z := make([]float64, m.Classes)
	for k := range z {
		z[k] = floats.Dot(m.Weights[k], xf) + m.Bias[k]
	}
	return z, nil
}

// Probabilities returns the softmax of Scores, summing to one.
func (m *Model) Probabilities(x []float32) ([]float64, error) {
	z, err := m.Scores(x)
	if err != nil {
		return nil, err
	}
	return Softmax(z), nil
}

// Validate checks the parameter shapes are consistent.
func (m *Model) Validate() error {
	if m.Classes <= 0 || m.Features <= 0 {
		return fmt.Errorf("invalid model shape %dx%d", m.Classes, m.Features)
	}
	if len(m.Weights) != m.Classes || len(m.Bias) != m.Classes {
		return fmt.Errorf("model has %d weight rows and %d biases for %d classes", len(m.Weights), len(m.Bias), m.Classes)
	}
	for k, w := range m.Weights {
		if len(w) != m.Features {
			return fmt.Errorf("weight row %d has %d values, want %d", k, len(w), m.Features)
		}
	}
	return nil
}

// Softmax maps scores to a probability distribution.
func Softmax(z []float64) []float64 {
	out := make([]float64, len(z))
	if len(z) == 0 {
		return out
	}
	lse := floats.LogSumExp(z)
	for k, v := range z {
		out[k] = math.Exp(v - lse)
	}
	return out
}

// ArgMax returns the index of the largest value, the lowest index on ties.
func ArgMax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

type objective struct {
	x       [][]float64
	y       []int
	classes int
	dim     int
	l2      float64
}

func (o *objective) unpack(p []float64) *Model {
	m := newModel(o.classes, o.dim)
	for k := 0; k < o.classes; k++ {
		copy(m.Weights[k], p[k*o.dim:(k+1)*o.dim])
		m.Bias[k] = p[o.classes*o.dim+k]
	}
	return m
}

// eval returns the mean multiclass log-loss plus the L2 penalty at p and,
// when grad is non-nil, writes its gradient.
func (o *objective) eval(p, grad []float64) float64 {
	K, D := o.classes, o.dim
	n := float64(len(o.x))
	if grad != nil {
		for i := range grad {
			grad[i] = 0
		}
	}

	z := make([]float64, K)
	loss := 0.0
	for i, row := range o.x {
		for k := 0; k < K; k++ {
			z[k] = floats.Dot(p[k*D:(k+1)*D], row) + p[K*D+k]
		}
		lse := floats.LogSumExp(z)
		loss += lse - z[o.y[i]]

		if grad == nil {
			continue
		}
		for k := 0; k < K; k++ {
			d := math.Exp(z[k] - lse)
			if k == o.y[i] {
				d--
			}
			d /= n
			floats.AddScaled(grad[k*D:(k+1)*D], d, row)
			grad[K*D+k] += d
		}
	}
	loss /= n

	w := p[:K*D]
	loss += 0.5 * o.l2 * floats.Dot(w, w)
	if grad != nil && o.l2 != 0 {
		floats.AddScaled(grad[:K*D], o.l2, w)
	}
	return loss
}
