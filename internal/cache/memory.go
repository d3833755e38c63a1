package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a process-local Cache backed by a concurrent map.
type MemoryCache struct {
	entries sync.Map
	now     func() time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.entries.Load(key)
	if !ok {
		return nil, false, nil
	}
	entry := v.(memoryEntry)
	if !c.now().Before(entry.expiresAt) {
		c.entries.CompareAndDelete(key, v)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.entries.Store(key, memoryEntry{value: value, expiresAt: c.now().Add(ttl)})
	return nil
}

func (c *MemoryCache) DeletePrefix(_ context.Context, prefix string) error {
	c.entries.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			c.entries.Delete(k)
		}
		return true
	})
	return nil
}

func (c *MemoryCache) Close() error {
	c.entries.Clear()
	return nil
}

var _ Cache = (*MemoryCache)(nil)
