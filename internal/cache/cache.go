package cache

import (
	"context"
	"fmt"
	"time"

	apperrors "alphamine/internal/errors"
)

// Cache is a byte-oriented key/value cache with per-entry expiration.
// Get returns an error matching apperrors.ErrCacheMiss when the key is absent
// or expired.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Options selects and sizes a cache backend
type Options struct {
	Backend string // none, memory, redis
	MaxSize int
	Redis   *Config
}

// New creates a cache according to options. The redis backend falls back to
// an in-memory layer when Redis stops answering. A "none" backend returns nil.
func New(opts Options) (Cache, error) {
	switch opts.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryCache(opts.MaxSize), nil
	case "redis":
		if opts.Redis == nil {
			return nil, fmt.Errorf("redis backend requires redis configuration")
		}
		redisCache, err := NewRedisCache(opts.Redis)
		if err != nil {
			return nil, apperrors.NewAppError(apperrors.ErrCodeCacheConnection, "failed to connect to redis", err)
		}
		config := DefaultFallbackConfig()
		config.MaxMemoryCacheSize = opts.MaxSize
		return NewCacheManager(redisCache, config), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", opts.Backend)
	}
}

func missError(key string) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeCacheMiss, "cache miss", key, nil)
}
