package outputs

import (
	"context"
	"sync"
)

// ArtifactStore persists the output bag written by a native deploy, one
// artifact per (stage, region). Read returns found=false for a missing artifact.
type ArtifactStore interface {
	Read(ctx context.Context, name string) (values map[string]string, found bool, err error)
	Write(ctx context.Context, name string, values map[string]string) error
}

// VariableStore holds live variables captured from delegated task results.
type VariableStore interface {
	Get(namespace, variable string) (string, bool)
	Set(namespace, variable, value string)
}

// MemoryArtifactStore keeps artifacts in memory.
type MemoryArtifactStore struct {
	mu        sync.RWMutex
	artifacts map[string]map[string]string
}

// NewMemoryArtifactStore creates an empty in-memory artifact store.
func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{artifacts: make(map[string]map[string]string)}
}

// Read returns a copy of the artifact.
func (s *MemoryArtifactStore) Read(_ context.Context, name string) (map[string]string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values, ok := s.artifacts[name]
	if !ok {
		return nil, false, nil
	}
	return copyValues(values), true, nil
}

// Write replaces the artifact.
func (s *MemoryArtifactStore) Write(_ context.Context, name string, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.artifacts[name] = copyValues(values)
	return nil
}

// MemoryVariableStore keeps live variables in memory.
type MemoryVariableStore struct {
	mu   sync.RWMutex
	vars map[string]map[string]string
}

// NewMemoryVariableStore creates an empty variable store.
func NewMemoryVariableStore() *MemoryVariableStore {
	return &MemoryVariableStore{vars: make(map[string]map[string]string)}
}

func (s *MemoryVariableStore) Get(namespace, variable string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vars[namespace][variable]
	return v, ok
}

func (s *MemoryVariableStore) Set(namespace, variable, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vars[namespace] == nil {
		s.vars[namespace] = make(map[string]string)
	}
	s.vars[namespace][variable] = value
}

func copyValues(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
