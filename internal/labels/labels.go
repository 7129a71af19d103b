// Package labels maps label strings to dense class indices and back.
package labels

import (
	"encoding/json"
	"fmt"
)

// Encoding is a bijection between label strings and indices 0..Len()-1.
// Indices follow first-seen order so the same input yields the same mapping.
type Encoding struct {
	names []string
	index map[string]int
}

// New builds an Encoding from labels, keeping the first occurrence of each.
func New(labels []string) *Encoding {
	e := &Encoding{index: make(map[string]int)}
	for _, l := range labels {
		e.add(l)
	}
	return e
}

func (e *Encoding) add(label string) int {
	if i, ok := e.index[label]; ok {
		return i
	}
	e.index[label] = len(e.names)
	e.names = append(e.names, label)
	return len(e.names) - 1
}

// Len returns the number of distinct labels.
func (e *Encoding) Len() int { return len(e.names) }

// Encode returns the index of label.
func (e *Encoding) Encode(label string) (int, error) {
	i, ok := e.index[label]
	if !ok {
		return -1, fmt.Errorf("unknown label %q", label)
	}
	return i, nil
}

// Decode returns the label at index i.
func (e *Encoding) Decode(i int) (string, error) {
	if i < 0 || i >= len(e.names) {
		return "", fmt.Errorf("label index %d out of range [0,%d)", i, len(e.names))
	}
	return e.names[i], nil
}

// Labels returns a copy of the labels in index order.
func (e *Encoding) Labels() []string {
	out := make([]string, len(e.names))
	copy(out, e.names)
	return out
}

func (e *Encoding) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.names)
}

func (e *Encoding) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	enc := New(names)
	if enc.Len() != len(names) {
		return fmt.Errorf("label encoding contains duplicates")
	}
	*e = *enc
	return nil
}
