package outputs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DirArtifactStore keeps each artifact as a JSON file in a local directory.
type DirArtifactStore struct {
	basePath string
}

// NewDirArtifactStore creates the directory if needed.
func NewDirArtifactStore(basePath string) (*DirArtifactStore, error) {
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &DirArtifactStore{basePath: basePath}, nil
}

func (s *DirArtifactStore) path(name string) string {
	return filepath.Join(s.basePath, filepath.Base(name))
}

// Read loads an artifact file.
func (s *DirArtifactStore) Read(_ context.Context, name string) (map[string]string, bool, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read artifact %s: %w", name, err)
	}

	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, false, fmt.Errorf("failed to decode artifact %s: %w", name, err)
	}
	return values, true, nil
}

// Write replaces an artifact file atomically.
func (s *DirArtifactStore) Write(_ context.Context, name string, values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode artifact %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.basePath, ".artifact-*")
	if err != nil {
		return fmt.Errorf("failed to create artifact %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write artifact %s: %w", name, err)
	}

	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit artifact %s: %w", name, err)
	}
	return nil
}
