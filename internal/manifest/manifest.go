// Package manifest reads the tab-separated training manifest that maps image
// files to labels.
package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

// ErrManifestRead is matched by every error returned from this package.
var ErrManifestRead = errors.New("manifest read failed")

// ReadError reports a manifest that is missing, unreadable or malformed.
// Line is 1-based and zero when the failure is not tied to a line.
type ReadError struct {
	Path string
	Line int
	Err  error
}

func (e *ReadError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("manifest %s line %d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("manifest %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() []error { return []error{ErrManifestRead, e.Err} }

// LabeledImage is one manifest row with its image path resolved against the
// image root.
type LabeledImage struct {
	ImagePath string `json:"image_path"`
	Label     string `json:"label"`
}

// Scan lazily yields one LabeledImage per non-empty manifest line. Iteration
// stops after the first error.
func Scan(path, imageRoot string) iter.Seq2[LabeledImage, error] {
	return func(yield func(LabeledImage, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(LabeledImage{}, &ReadError{Path: path, Err: err})
			return
		}
		defer f.Close()

		for rec, err := range scan(f, path, imageRoot) {
			if !yield(rec, err) {
				return
			}
		}
	}
}

// Read loads the whole manifest. It returns either every record or an error,
// never a partial result.
func Read(path, imageRoot string) ([]LabeledImage, error) {
	return collect(path, Scan(path, imageRoot))
}

// Parse is Read over manifest content already in memory; path is only used
// in errors.
func Parse(data []byte, path, imageRoot string) ([]LabeledImage, error) {
	return collect(path, scan(bytes.NewReader(data), path, imageRoot))
}

func collect(path string, seq iter.Seq2[LabeledImage, error]) ([]LabeledImage, error) {
	var records []LabeledImage
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, &ReadError{Path: path, Err: errors.New("no records")}
	}
	return records, nil
}

func scan(r io.Reader, path, imageRoot string) iter.Seq2[LabeledImage, error] {
	return func(yield func(LabeledImage, error) bool) {
		scanner := bufio.NewScanner(r)
		line := 0
		for scanner.Scan() {
			line++
			text := strings.TrimRight(scanner.Text(), "\r")
			if strings.TrimSpace(text) == "" {
				continue
			}
			rec, err := parseLine(text, imageRoot)
			if err != nil {
				yield(LabeledImage{}, &ReadError{Path: path, Line: line, Err: err})
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(LabeledImage{}, &ReadError{Path: path, Err: err})
		}
	}
}

func parseLine(text, imageRoot string) (LabeledImage, error) {
	fields := strings.Split(text, "\t")
	if len(fields) < 2 {
		return LabeledImage{}, errors.New("expected <image path>\\t<label>")
	}
	rel, label := strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1])
	if rel == "" || label == "" {
		return LabeledImage{}, errors.New("empty image path or label")
	}
	p := rel
	if !filepath.IsAbs(p) {
		p = filepath.Join(imageRoot, rel)
	}
	return LabeledImage{ImagePath: p, Label: label}, nil
}
