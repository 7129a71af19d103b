package logger

// Attribute keys shared by training and inference log lines.
const (
	ComponentKey  = "ml.component"
	PhaseKey      = "ml.phase"
	SamplesKey    = "data.samples"
	FeaturesKey   = "data.features"
	ClassesKey    = "data.classes"
	LossKey       = "metrics.loss"
	AccuracyKey   = "metrics.accuracy"
	IterationKey  = "training.iteration"
	DurationKey   = "perf.duration_ms"
	ConfidenceKey = "preds.confidence"
	ArtifactKey   = "artifact.id"
)
