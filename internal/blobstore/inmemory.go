package blobstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/dvloznov/ledger-engine/internal/domain"
)

// InMemory keeps blobs in a map, for tests and local runs.
type InMemory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{blobs: make(map[string][]byte)}
}

func (m *InMemory) Put(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uri := "mem://" + objectName
	cp := append([]byte(nil), data...)
	m.blobs[uri] = cp
	return uri, nil
}

func (m *InMemory) Fetch(ctx context.Context, uri string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[uri]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", uri, domain.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}
