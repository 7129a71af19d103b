package classifier

import (
	"fmt"
	"math"
)

// probability floor used when taking logarithms
const epsilon = 1e-15

// Metrics are multiclass evaluation results. Log-losses are natural-log
// averages over samples; PerClassLogLoss averages over the samples of each
// true class.
type Metrics struct {
	LogLoss          float64   `json:"log_loss"`
	LogLossReduction float64   `json:"log_loss_reduction"`
	PerClassLogLoss  []float64 `json:"per_class_log_loss"`
	MicroAccuracy    float64   `json:"micro_accuracy"`
	MacroAccuracy    float64   `json:"macro_accuracy"`
	Samples          int       `json:"samples"`
}

// Evaluate computes Metrics from per-sample probability distributions and
// true class indices.
func Evaluate(probs [][]float64, y []int, classes int) (*Metrics, error) {
	if len(probs) != len(y) {
		return nil, fmt.Errorf("%d predictions but %d targets", len(probs), len(y))
	}
	if len(y) == 0 {
		return nil, fmt.Errorf("nothing to evaluate")
	}

	classLoss := make([]float64, classes)
	classCount := make([]int, classes)
	classHits := make([]int, classes)
	hits := 0
	total := 0.0

	for i, p := range probs {
		if len(p) != classes {
			return nil, fmt.Errorf("prediction %d has %d classes, want %d", i, len(p), classes)
		}
		t := y[i]
		if t < 0 || t >= classes {
			return nil, fmt.Errorf("target %d outside [0,%d)", t, classes)
		}
		l := -math.Log(math.Max(p[t], epsilon))
		total += l
		classLoss[t] += l
		classCount[t]++
		if ArgMax(p) == t {
			hits++
			classHits[t]++
		}
	}

	n := float64(len(y))
	m := &Metrics{
		LogLoss:         total / n,
		PerClassLogLoss: make([]float64, classes),
		MicroAccuracy:   float64(hits) / n,
		Samples:         len(y),
	}

	prior := 0.0
	present := 0
	macro := 0.0
	for k := 0; k < classes; k++ {
		if classCount[k] == 0 {
			continue
		}
		present++
		m.PerClassLogLoss[k] = classLoss[k] / float64(classCount[k])
		macro += float64(classHits[k]) / float64(classCount[k])
		q := float64(classCount[k]) / n
		prior -= q * math.Log(q)
	}
	m.MacroAccuracy = macro / float64(present)
	if prior > 0 {
		m.LogLossReduction = (prior - m.LogLoss) / prior
	}
	return m, nil
}

// EvaluateModel scores x with m and computes Metrics against y.
func EvaluateModel[V ~[]float32](m *Model, x []V, y []int) (*Metrics, error) {
	probs := make([][]float64, len(x))
	for i, v := range x {
		p, err := m.Probabilities(v)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		probs[i] = p
	}
	return Evaluate(probs, y, m.Classes)
}
