package memory

import (
	"context"
	"sync"
)

// ArtifactStore keeps artifacts in memory for development/testing.
type ArtifactStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewArtifactStore constructs an ArtifactStore.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{blobs: make(map[string][]byte)}
}

// PutArtifact stores data under path and returns a memory:// URI.
func (s *ArtifactStore) PutArtifact(_ context.Context, path string, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.blobs[path] = buf
	return "memory://" + path, nil
}

// Get returns a stored artifact, if present.
func (s *ArtifactStore) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[path]
	return data, ok
}
