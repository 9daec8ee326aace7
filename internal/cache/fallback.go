package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/logger"
)

// Pinger is implemented by primaries that support a health probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheManager fronts a remote primary with an in-memory layer. After
// FailureThreshold consecutive primary failures it serves from memory only
// until RecoveryThreshold consecutive health checks succeed.
type CacheManager struct {
	primary  Cache
	memory   *MemoryCache
	config   *FallbackConfig
	mu       sync.RWMutex
	fallback bool

	failures  int
	successes int

	stopChan chan struct{}
	stopOnce sync.Once
}

// FallbackConfig defines fallback configuration
type FallbackConfig struct {
	EnableFallback      bool          `json:"enable_fallback"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	FailureThreshold    int           `json:"failure_threshold"`
	RecoveryThreshold   int           `json:"recovery_threshold"`
	FallbackTimeout     time.Duration `json:"fallback_timeout"`
	MaxMemoryCacheSize  int           `json:"max_memory_cache_size"`
	LogFallbackEvents   bool          `json:"log_fallback_events"`
}

// CacheStats represents cache manager statistics
type CacheStats struct {
	InFallback bool              `json:"in_fallback"`
	Failures   int               `json:"failures"`
	Memory     *MemoryCacheStats `json:"memory"`
}

// DefaultFallbackConfig returns default fallback configuration
func DefaultFallbackConfig() *FallbackConfig {
	return &FallbackConfig{
		EnableFallback:      true,
		HealthCheckInterval: 30 * time.Second,
		FailureThreshold:    3,
		RecoveryThreshold:   2,
		FallbackTimeout:     5 * time.Second,
		MaxMemoryCacheSize:  10000,
		LogFallbackEvents:   true,
	}
}

// NewCacheManager creates a new cache manager with fallback support
func NewCacheManager(primary Cache, config *FallbackConfig) *CacheManager {
	if config == nil {
		config = DefaultFallbackConfig()
	}

	cm := &CacheManager{
		primary:  primary,
		memory:   NewMemoryCache(config.MaxMemoryCacheSize),
		config:   config,
		stopChan: make(chan struct{}),
	}

	if config.EnableFallback && config.HealthCheckInterval > 0 {
		go cm.startHealthMonitoring()
	}

	return cm
}

// Get reads through the primary, falling back to memory
func (cm *CacheManager) Get(ctx context.Context, key string) ([]byte, error) {
	if !cm.InFallback() && cm.primary != nil {
		data, err := cm.primary.Get(ctx, key)
		switch {
		case err == nil:
			cm.recordSuccess()
			cm.memory.Set(ctx, key, data, time.Hour)
			return data, nil
		case errors.Is(err, apperrors.ErrCacheMiss):
			cm.recordSuccess()
		default:
			cm.recordFailure("get", err)
		}
	}

	return cm.memory.Get(ctx, key)
}

// Set writes to memory and, outside fallback mode, to the primary
func (cm *CacheManager) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	if err := cm.memory.Set(ctx, key, value, expiration); err != nil {
		return err
	}
	if cm.InFallback() || cm.primary == nil {
		return nil
	}
	if err := cm.primary.Set(ctx, key, value, expiration); err != nil {
		cm.recordFailure("set", err)
		return nil
	}
	cm.recordSuccess()
	return nil
}

// Delete removes key from both layers
func (cm *CacheManager) Delete(ctx context.Context, key string) error {
	cm.memory.Delete(ctx, key)
	if cm.InFallback() || cm.primary == nil {
		return nil
	}
	if err := cm.primary.Delete(ctx, key); err != nil {
		cm.recordFailure("delete", err)
	}
	return nil
}

// InFallback reports whether the primary is bypassed
func (cm *CacheManager) InFallback() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.fallback
}

// GetStats returns a snapshot of manager state
func (cm *CacheManager) GetStats() *CacheStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return &CacheStats{
		InFallback: cm.fallback,
		Failures:   cm.failures,
		Memory:     cm.memory.GetStats(),
	}
}

func (cm *CacheManager) recordFailure(op string, err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.failures++
	cm.successes = 0
	if cm.config.EnableFallback && !cm.fallback && cm.failures >= cm.config.FailureThreshold {
		cm.fallback = true
		if cm.config.LogFallbackEvents {
			logger.Warn("Cache fallback enabled", "operation", op, "error", err)
		}
	}
}

func (cm *CacheManager) recordSuccess() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.failures = 0
	cm.successes++
	if cm.fallback && cm.successes >= cm.config.RecoveryThreshold {
		cm.fallback = false
		if cm.config.LogFallbackEvents {
			logger.Info("Cache fallback disabled", "reason", "health_check_recovery")
		}
	}
}

// startHealthMonitoring starts health monitoring goroutine
func (cm *CacheManager) startHealthMonitoring() {
	ticker := time.NewTicker(cm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cm.performHealthCheck()
		case <-cm.stopChan:
			return
		}
	}
}

// performHealthCheck probes the primary
func (cm *CacheManager) performHealthCheck() {
	pinger, ok := cm.primary.(Pinger)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cm.config.FallbackTimeout)
	defer cancel()

	if err := pinger.Ping(ctx); err != nil {
		cm.recordFailure("health_check", err)
		return
	}
	cm.recordSuccess()
}

// Close stops monitoring and closes both layers
func (cm *CacheManager) Close() error {
	cm.stopOnce.Do(func() { close(cm.stopChan) })
	cm.memory.Close()
	if cm.primary != nil {
		return cm.primary.Close()
	}
	return nil
}
