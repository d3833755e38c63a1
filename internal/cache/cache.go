// Package cache memoizes rendered comment pages and invalidates them on writes.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiaot623/gogo/comments/internal/domain"
	"github.com/xiaot623/gogo/comments/internal/metrics"
	"github.com/xiaot623/gogo/comments/internal/pkg/log"
)

// Logical invalidation keys. Page entries live under the KeyCommentPages prefix.
const (
	KeyCommentPages = "comments:pages:"
	KeyReplies      = "comments:replies"
)

// DefaultTTL is how long a rendered page may be served before it is recomputed.
const DefaultTTL = 300 * time.Second

// Cache is a byte-value store with expiry.
type Cache interface {
	// Get returns the value and whether it was present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// PageKey is the cache key of one rendered page of top-level comments.
func PageKey(q domain.ListQuery) string {
	return fmt.Sprintf("%s%s:%s:%d:%d", KeyCommentPages, q.SortBy, q.SortOrder, q.Page, q.PageSize)
}

// Layer wraps a Cache with the compute-on-miss and invalidation policy.
//
// Lookups take no lock. A computed value is only stored if no invalidation of
// its logical key happened while it was being computed; the generation check
// and the store share a read lock that Invalidate takes exclusively.
type Layer struct {
	backend Cache
	ttl     time.Duration

	mu          sync.RWMutex
	generations sync.Map // logical key -> *atomic.Uint64
}

// NewLayer creates a Layer. A non-positive ttl selects DefaultTTL.
func NewLayer(backend Cache, ttl time.Duration) *Layer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Layer{backend: backend, ttl: ttl}
}

// GetOrCompute returns the cached value for key, computing and storing it on a miss.
// Concurrent misses may compute more than once.
func (l *Layer) GetOrCompute(ctx context.Context, key string, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	value, ok, err := l.backend.Get(ctx, key)
	if err != nil {
		log.From(ctx).Warn("cache get failed", "key", key, "err", err)
	}
	if ok {
		metrics.CacheRequests.WithLabelValues("hit").Inc()
		return value, nil
	}
	metrics.CacheRequests.WithLabelValues("miss").Inc()

	gen := l.generation(logicalKey(key))
	before := gen.Load()

	value, err = compute(ctx)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if gen.Load() != before {
		return value, nil
	}
	if err := l.backend.Set(ctx, key, value, l.ttl); err != nil {
		log.From(ctx).Warn("cache set failed", "key", key, "err", err)
	}
	return value, nil
}

// Invalidate drops every entry under the given logical keys. Invalidating an
// empty key is a no-op.
func (l *Layer) Invalidate(ctx context.Context, keys ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, key := range keys {
		l.generation(key).Add(1)
		if err := l.backend.DeletePrefix(ctx, key); err != nil {
			return fmt.Errorf("invalidate %s: %w", key, err)
		}
	}
	return nil
}

// InvalidateAll drops both comment listing keys.
func (l *Layer) InvalidateAll(ctx context.Context) error {
	return l.Invalidate(ctx, KeyCommentPages, KeyReplies)
}

// Close releases the backend.
func (l *Layer) Close() error {
	return l.backend.Close()
}

func (l *Layer) generation(key string) *atomic.Uint64 {
	if v, ok := l.generations.Load(key); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := l.generations.LoadOrStore(key, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func logicalKey(key string) string {
	if strings.HasPrefix(key, KeyCommentPages) {
		return KeyCommentPages
	}
	return key
}
