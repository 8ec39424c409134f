package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore is a process-local Store on go-cache.
// It is used when Redis is not configured and as the fallback during outages.
type MemoryStore struct {
	c *cache.Cache
	// lockMu makes compare-and-delete on locks atomic
	lockMu sync.Mutex
}

// NewMemoryStore creates a store that evicts expired keys every cleanupInterval
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &MemoryStore{c: cache.New(cache.NoExpiration, cleanupInterval)}
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return cache.NoExpiration
	}
	return ttl
}

// Get implements Store
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	raw := v.([]byte)
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

// Set implements Store
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.c.Set(key, append([]byte(nil), value...), expiration(ttl))
	return nil
}

// SetNX implements Store
func (m *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := m.c.Add(key, append([]byte(nil), value...), expiration(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

// Delete implements Store
func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		m.c.Delete(k)
	}
	return nil
}

// Keys implements Store
func (m *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range m.c.Items() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// AcquireLock implements Store
func (m *MemoryStore) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	return m.SetNX(ctx, key, []byte(owner), ttl)
}

// ReleaseLock implements Store
func (m *MemoryStore) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	v, ok := m.c.Get(key)
	if !ok || string(v.([]byte)) != owner {
		return false, nil
	}
	m.c.Delete(key)
	return true, nil
}

// Ping implements Store
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Mode implements Store
func (m *MemoryStore) Mode() string {
	return "memory"
}

// Close implements Store
func (m *MemoryStore) Close() error {
	m.c.Flush()
	return nil
}
