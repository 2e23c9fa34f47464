package artifact

import (
	"context"
	"strings"
	"sync"
)

// Memory keeps artifacts in process. URLs point at the server's audio
// route, which serves them through Get.
type Memory struct {
	prefix string

	mu    sync.RWMutex
	items map[string]*Artifact
}

// NewMemory creates a store whose URLs are urlPrefix + key.
func NewMemory(urlPrefix string) *Memory {
	if !strings.HasSuffix(urlPrefix, "/") {
		urlPrefix += "/"
	}
	return &Memory{prefix: urlPrefix, items: make(map[string]*Artifact)}
}

// Put stores a copy of the artifact.
func (m *Memory) Put(ctx context.Context, a *Artifact) (string, error) {
	cp := *a
	cp.Data = append([]byte(nil), a.Data...)
	cp.URL = m.prefix + a.Key

	m.mu.Lock()
	m.items[a.Key] = &cp
	m.mu.Unlock()
	return cp.URL, nil
}

// Get returns a stored artifact.
func (m *Memory) Get(ctx context.Context, key string) (*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// Delete removes an artifact.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored artifacts.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

var _ Store = (*Memory)(nil)
