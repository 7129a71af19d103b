package inference

import (
	"errors"
	"fmt"
)

// LabelScore is the probability assigned to one label.
type LabelScore struct {
	Label       string  `json:"label"`
	Probability float32 `json:"probability"`
}

// ImagePrediction is the result of classifying one image. Scores are sorted
// by descending probability and sum to one.
type ImagePrediction struct {
	ImagePath      string       `json:"image_path"`
	PredictedLabel string       `json:"predicted_label"`
	Scores         []LabelScore `json:"scores"`
	TopScore       float32      `json:"top_score"`
}

// ErrInference is matched by every error returned from Classify and Predict.
var ErrInference = errors.New("inference failed")

// ErrInvalidName rejects query names that are not bare file names.
var ErrInvalidName = errors.New("invalid image name")

// Error reports why an image could not be classified.
type Error struct {
	Image string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("classifying %s: %v", e.Image, e.Err)
}

func (e *Error) Unwrap() []error { return []error{ErrInference, e.Err} }
