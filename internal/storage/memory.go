package storage

import (
	"bytes"
	"context"
	"sync"

	"dossier/pkg/platform/sentinel"
)

type memoryObject struct {
	data []byte
	meta Meta
	etag string
}

// MemoryStorage keeps objects in process. Used in development and tests.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string]memoryObject)}
}

func (s *MemoryStorage) Put(ctx context.Context, key string, data []byte, meta Meta) (PutResult, error) {
	if err := ctx.Err(); err != nil {
		return PutResult{}, err
	}
	clean, err := cleanKey(key)
	if err != nil {
		return PutResult{}, err
	}
	obj := memoryObject{data: bytes.Clone(data), meta: meta, etag: etag(data)}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[clean] = obj
	return PutResult{ETag: obj.etag, Size: int64(len(data))}, nil
}

func (s *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[clean]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return bytes.Clone(obj.data), nil
}

func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clean, err := cleanKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, clean)
	return nil
}

// Overwrite replaces stored bytes without touching metadata. Tests use it to
// simulate tampering at rest.
func (s *MemoryStorage) Overwrite(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.objects[key]
	obj.data = bytes.Clone(data)
	s.objects[key] = obj
}

func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
