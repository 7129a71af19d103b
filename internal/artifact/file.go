package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// writers serializes saves per artifact path within the process
var writers sync.Map

// FileStore keeps the pipeline as a JSON document on disk.
type FileStore struct {
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path is the artifact location.
func (s *FileStore) Path() string { return s.path }

// Save writes tp next to the target and renames it into place, so readers
// never observe a partially written file.
func (s *FileStore) Save(ctx context.Context, tp *TrainedPipeline) error {
	b, err := Marshal(tp)
	if err != nil {
		return err
	}

	mu, _ := writers.LoadOrStore(s.path, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Load reads the pipeline saved at the store's path.
func (s *FileStore) Load(ctx context.Context) (*TrainedPipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, s.path)
	}
	if err != nil {
		return nil, err
	}
	return Unmarshal(b)
}
