package store

import (
	"context"
	"sync"
)

// MemoryBackend is an in-process Backend used for development and tests.
// Safe for concurrent use.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string][]byte
	cache    map[string]*CacheRecord // keyed by handle + "\x00" + signature
	users    map[string]*UserRecord
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string][]byte),
		cache:    make(map[string]*CacheRecord),
		users:    make(map[string]*UserRecord),
	}
}

func cacheKey(handle, signature string) string {
	return handle + "\x00" + signature
}

func (m *MemoryBackend) GetSessionBlob(_ context.Context, handle string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.sessions[handle]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, true, nil
}

func (m *MemoryBackend) PutSessionBlob(_ context.Context, handle string, blob []byte) error {
	cp := make([]byte, len(blob))
	copy(cp, blob)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[handle] = cp
	return nil
}

func (m *MemoryBackend) DeleteSessionBlob(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, handle)
	return nil
}

func (m *MemoryBackend) GetCacheEntry(_ context.Context, handle, signature string) (*CacheRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.cache[cacheKey(handle, signature)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryBackend) PutCacheEntry(_ context.Context, rec *CacheRecord) error {
	cp := *rec
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[cacheKey(rec.Handle, rec.Signature)] = &cp
	return nil
}

func (m *MemoryBackend) DeleteCacheEntry(_ context.Context, handle, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, cacheKey(handle, signature))
	return nil
}

func (m *MemoryBackend) DeleteCacheForUser(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, rec := range m.cache {
		if rec.Handle == handle {
			delete(m.cache, key)
		}
	}
	return nil
}

func (m *MemoryBackend) GetUser(_ context.Context, handle string) (*UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.users[handle]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryBackend) PutUser(_ context.Context, rec *UserRecord) error {
	cp := *rec
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[rec.Handle] = &cp
	return nil
}

func (m *MemoryBackend) ListUsers(_ context.Context) ([]*UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]*UserRecord, 0, len(m.users))
	for _, rec := range m.users {
		cp := *rec
		users = append(users, &cp)
	}
	return users, nil
}

func (m *MemoryBackend) ClearDefaults(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.users {
		rec.IsDefault = false
	}
	return nil
}

func (m *MemoryBackend) Ping(_ context.Context) error { return nil }

func (m *MemoryBackend) Close(_ context.Context) error { return nil }
