package objectstore

import (
	"context"
	"sync"
)

// MemoryClient is a map-backed Client for development and tests.
type MemoryClient struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryClient returns an empty in-memory object store.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{objects: make(map[string][]byte)}
}

func (m *MemoryClient) Put(ctx context.Context, key, contentType string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := make([]byte, len(body))
	copy(stored, body)
	m.mu.Lock()
	m.objects[key] = stored
	m.mu.Unlock()
	return nil
}

func (m *MemoryClient) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	stored, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(stored))
	copy(out, stored)
	return out, nil
}

func (m *MemoryClient) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored objects. Used by tests to assert cleanup.
func (m *MemoryClient) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Keys returns the stored keys in unspecified order.
func (m *MemoryClient) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}
	return keys
}
