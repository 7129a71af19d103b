package pipeline

import (
	"errors"
	"fmt"
)

// ErrTrainingFailed is matched by every error returned from Train.
var ErrTrainingFailed = errors.New("training failed")

// TrainingError wraps the failure that aborted a training run.
type TrainingError struct {
	Stage string
	Err   error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("training failed at %s: %v", e.Stage, e.Err)
}

func (e *TrainingError) Unwrap() []error { return []error{ErrTrainingFailed, e.Err} }

func stageErr(stage string, err error) error {
	return &TrainingError{Stage: stage, Err: err}
}
