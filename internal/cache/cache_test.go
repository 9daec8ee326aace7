package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "alphamine/internal/errors"
)

func TestMemoryCache(t *testing.T) {
	cache := NewMemoryCache(100)
	defer cache.Close()
	ctx := context.Background()

	// 测试基本操作
	t.Run("basic operations", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "key1", []byte("value1"), time.Minute))

		value, err := cache.Get(ctx, "key1")
		require.NoError(t, err)
		assert.Equal(t, []byte("value1"), value)

		require.NoError(t, cache.Delete(ctx, "key1"))

		_, err = cache.Get(ctx, "key1")
		assert.True(t, errors.Is(err, apperrors.ErrCacheMiss))
	})

	// 测试过期
	t.Run("expiration", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "expire_key", []byte("v"), 50*time.Millisecond))
		time.Sleep(100 * time.Millisecond)

		_, err := cache.Get(ctx, "expire_key")
		assert.True(t, errors.Is(err, apperrors.ErrCacheMiss))
	})

	// 返回值是副本
	t.Run("values are copied", func(t *testing.T) {
		buf := []byte("abc")
		require.NoError(t, cache.Set(ctx, "copy", buf, time.Minute))
		buf[0] = 'z'

		value, err := cache.Get(ctx, "copy")
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), value)
	})
}

func TestMemoryCacheEviction(t *testing.T) {
	cache := NewMemoryCache(2)
	defer cache.Close()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "a", []byte("1"), time.Minute))
	time.Sleep(time.Millisecond)
	require.NoError(t, cache.Set(ctx, "b", []byte("2"), time.Minute))
	time.Sleep(time.Millisecond)

	_, err := cache.Get(ctx, "a")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	require.NoError(t, cache.Set(ctx, "c", []byte("3"), time.Minute))

	assert.Equal(t, 2, cache.Size())
	_, err = cache.Get(ctx, "b")
	assert.Error(t, err, "least recently used key should be evicted")

	stats := cache.GetStats()
	assert.Equal(t, int64(1), stats.EvictionCount)
}

func TestNewBackends(t *testing.T) {
	c, err := New(Options{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = New(Options{Backend: "memory", MaxSize: 8})
	require.NoError(t, err)
	require.NotNil(t, c)
	defer c.Close()

	_, err = New(Options{Backend: "memcached"})
	assert.Error(t, err)
}
