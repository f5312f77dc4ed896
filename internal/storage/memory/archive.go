package memory

import (
	"context"
	"fmt"
	"sync"
)

// Archive keeps result snapshots in memory and returns pseudo URIs.
type Archive struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewArchive creates an empty in-memory archive.
func NewArchive() *Archive {
	return &Archive{data: make(map[string][]byte)}
}

// PutObject stores a copy of data and returns a memory:// URI.
func (a *Archive) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[path] = append([]byte(nil), data...)
	return "memory://" + path, nil
}

// Object returns the stored bytes for path.
func (a *Archive) Object(path string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.data[path]
	return data, ok
}
