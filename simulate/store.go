package simulate

import (
	"context"
	"fmt"
	"sync"

	"asyncinfer/lib/inference"
)

// MemoryStore is an in-process inference.ObjectStore.
type MemoryStore struct {
	bucket  string
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ inference.ObjectStore = (*MemoryStore)(nil)

func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{bucket: bucket, objects: map[string][]byte{}}
}

func (m *MemoryStore) key(ref string) (string, error) {
	loc, err := inference.ParseLocation(ref, m.bucket)
	if err != nil {
		return "", err
	}
	return loc.String(), nil
}

func (m *MemoryStore) Put(_ context.Context, ref string, data []byte) error {
	k, err := m.key(ref)
	if err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[k] = cp
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, ref string) (bool, error) {
	k, err := m.key(ref)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[k]
	return ok, nil
}

func (m *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	k, err := m.key(ref)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[k]
	if !ok {
		return nil, fmt.Errorf("%s: %w", k, inference.ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
