package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"alphamine/internal/cache"
	apperrors "alphamine/internal/errors"
	"alphamine/internal/logger"
)

// CachedProvider memoizes another provider's matrices in a cache
type CachedProvider struct {
	inner Provider
	cache cache.Cache
	ttl   time.Duration
	log   logger.Logger
}

// NewCachedProvider wraps inner; a nil cache disables caching
func NewCachedProvider(inner Provider, c cache.Cache, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: c,
		ttl:   ttl,
		log:   logger.GetGlobalLogger().WithField("component", "panel_cache"),
	}
}

// Fetch serves from the cache when possible. Cache failures other than a
// miss are logged and bypassed.
func (p *CachedProvider) Fetch(ctx context.Context, q Query, field string) (*Matrix, error) {
	if p.cache == nil {
		return p.inner.Fetch(ctx, q, field)
	}

	key := cacheKey(q, field)
	data, err := p.cache.Get(ctx, key)
	switch {
	case err == nil:
		var m Matrix
		if err := json.Unmarshal(data, &m); err == nil {
			return &m, nil
		}
		p.log.Warn("Discarding undecodable cached matrix", "key", key)
	case !errors.Is(err, apperrors.ErrCacheMiss):
		p.log.Warn("Panel cache read failed", "key", key, "error", err)
	}

	m, err := p.inner.Fetch(ctx, q, field)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(m); err == nil {
		if err := p.cache.Set(ctx, key, data, p.ttl); err != nil {
			p.log.Warn("Panel cache write failed", "key", key, "error", err)
		}
	}
	return m, nil
}

func cacheKey(q Query, field string) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d", strings.Join(q.Symbols, ","), q.Start.UnixNano(), q.End.UnixNano())
	return fmt.Sprintf("panel:%s:%x", strings.ToLower(field), h.Sum64())
}
