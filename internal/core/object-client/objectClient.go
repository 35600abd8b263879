package objectclient

import (
	"context"
	"sync"

	"github.com/markdave123-py/chatrelay/internal/core"
)

// MemoryObjects keeps blobs in process. Used when no bucket is configured.
type MemoryObjects struct {
	mu    sync.RWMutex
	blobs map[string]memBlob
}

type memBlob struct {
	data        []byte
	contentType string
}

func NewMemoryObjects() *MemoryObjects {
	return &MemoryObjects{blobs: make(map[string]memBlob)}
}

func (m *MemoryObjects) UploadFile(_ context.Context, key string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = memBlob{data: append([]byte(nil), data...), contentType: contentType}
	return "mem://" + key, nil
}

func (m *MemoryObjects) GetFile(_ context.Context, key string) ([]byte, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, "", core.ErrNotFound
	}
	return append([]byte(nil), b.data...), b.contentType, nil
}

func (m *MemoryObjects) DeleteFile(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

var _ core.ObjectClient = (*MemoryObjects)(nil)
