package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/comments/internal/domain"
)

func counter(n *int32, value string) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) {
		atomic.AddInt32(n, 1)
		return []byte(value), nil
	}
}

func TestLayerGetOrComputeCachesValue(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer(NewMemoryCache(), time.Minute)

	var calls int32
	key := PageKey(domain.DefaultListQuery())
	v, err := layer.GetOrCompute(ctx, key, counter(&calls, "page-1"))
	require.NoError(t, err)
	assert.Equal(t, "page-1", string(v))

	v, err = layer.GetOrCompute(ctx, key, counter(&calls, "page-2"))
	require.NoError(t, err)
	assert.Equal(t, "page-1", string(v))
	assert.Equal(t, int32(1), calls)
}

func TestLayerComputeErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer(NewMemoryCache(), time.Minute)

	boom := errors.New("boom")
	_, err := layer.GetOrCompute(ctx, KeyReplies, func(context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	var calls int32
	v, err := layer.GetOrCompute(ctx, KeyReplies, counter(&calls, "replies"))
	require.NoError(t, err)
	assert.Equal(t, "replies", string(v))
	assert.Equal(t, int32(1), calls)
}

func TestLayerInvalidateDropsAllPages(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer(NewMemoryCache(), time.Minute)

	first := domain.DefaultListQuery()
	second := first
	second.Page = 2

	var calls int32
	for _, q := range []domain.ListQuery{first, second} {
		_, err := layer.GetOrCompute(ctx, PageKey(q), counter(&calls, "old"))
		require.NoError(t, err)
	}
	_, err := layer.GetOrCompute(ctx, KeyReplies, counter(&calls, "old"))
	require.NoError(t, err)
	require.Equal(t, int32(3), calls)

	require.NoError(t, layer.InvalidateAll(ctx))
	// Invalidating again is a no-op.
	require.NoError(t, layer.InvalidateAll(ctx))

	for _, key := range []string{PageKey(first), PageKey(second), KeyReplies} {
		v, err := layer.GetOrCompute(ctx, key, counter(&calls, "new"))
		require.NoError(t, err)
		assert.Equal(t, "new", string(v), key)
	}
	assert.Equal(t, int32(6), calls)
}

func TestLayerDropsResultComputedAcrossInvalidation(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer(NewMemoryCache(), time.Minute)
	key := PageKey(domain.DefaultListQuery())

	v, err := layer.GetOrCompute(ctx, key, func(ctx context.Context) ([]byte, error) {
		// A write lands while this page is being rendered.
		require.NoError(t, layer.InvalidateAll(ctx))
		return []byte("stale"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "stale", string(v))

	var calls int32
	v, err = layer.GetOrCompute(ctx, key, counter(&calls, "fresh"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(v))
	assert.Equal(t, int32(1), calls)
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "k", []byte("v"), DefaultTTL))

	now = now.Add(DefaultTTL - time.Second)
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(v))

	now = now.Add(time.Second)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPageKeyDistinguishesQueryShape(t *testing.T) {
	a := domain.ListQuery{Page: 1, PageSize: 25, SortBy: domain.SortByDate, SortOrder: domain.SortDesc}
	b := a
	b.SortOrder = domain.SortAsc
	c := a
	c.PageSize = 10

	assert.NotEqual(t, PageKey(a), PageKey(b))
	assert.NotEqual(t, PageKey(a), PageKey(c))
	assert.Equal(t, "comments:pages:date:desc:1:25", PageKey(a))
}
