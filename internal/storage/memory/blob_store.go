package memory

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/JakeFAU/extraction-supervisor/internal/store"
)

// BlobStore keeps artifacts in memory and returns memory:// URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ store.BlobStore = (*BlobStore)(nil)

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject copies data under path.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = byteData
	return "memory://" + path, nil
}

// DeletePrefix drops every object whose path starts with prefix.
func (s *BlobStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	if strings.TrimSpace(prefix) == "" {
		return 0, fmt.Errorf("prefix is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for path := range s.data {
		if strings.HasPrefix(path, prefix) {
			delete(s.data, path)
			deleted++
		}
	}
	return deleted, nil
}

// Len reports how many objects are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
