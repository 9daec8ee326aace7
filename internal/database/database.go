package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/logger"
)

// DB represents the database connection
type DB struct {
	*sql.DB
	config *Config
	mu     sync.RWMutex
	log    logger.Logger
}

// Config represents database configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpen         int
	MaxIdle         int
	Timeout         time.Duration
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN returns the lib/pq connection string
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// PoolStats represents connection pool statistics
type PoolStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration
	LastUpdated        time.Time
}

// NewConnection creates a new database connection
func NewConnection(ctx context.Context, cfg *Config) (*DB, error) {
	applyDefaults(cfg)

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBConnection, "failed to open database", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	log := logger.GetGlobalLogger().WithField("component", "database")

	// Test connection with retry logic
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var pingErr error
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		pingErr = db.PingContext(pingCtx)
		if pingErr == nil {
			break
		}

		log.Warn("Database ping failed", "attempt", i+1, "max_attempts", maxRetries, "error", pingErr)
		if i < maxRetries-1 {
			select {
			case <-pingCtx.Done():
			case <-time.After(time.Second * time.Duration(i+1)): // 递增延迟
			}
		}
	}

	if pingErr != nil {
		db.Close()
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDBConnection, "failed to ping database",
			fmt.Sprintf("host=%s port=%d dbname=%s user=%s after %d attempts", cfg.Host, cfg.Port, cfg.DBName, cfg.User, maxRetries),
			pingErr)
	}

	log.Info("Database connection established",
		"max_open", cfg.MaxOpen, "max_idle", cfg.MaxIdle,
		"max_lifetime", cfg.ConnMaxLifetime, "max_idle_time", cfg.ConnMaxIdleTime)

	return &DB{DB: db, config: cfg, log: log}, nil
}

func applyDefaults(cfg *Config) {
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = 25 // 默认最大连接数
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 5 // 默认空闲连接数
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second // 默认连接超时
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 1 * time.Hour
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = 15 * time.Minute
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.PingContext(ctx)
}

// GetConfig returns the database configuration
func (db *DB) GetConfig() *Config {
	return db.config
}

// GetPoolStats returns current connection pool statistics
func (db *DB) GetPoolStats() *PoolStats {
	stats := db.DB.Stats()

	db.mu.RLock()
	defer db.mu.RUnlock()

	if stats.WaitCount > 0 {
		db.log.Debug("Database connection pool under pressure",
			"wait_count", stats.WaitCount, "wait_duration", stats.WaitDuration,
			"in_use", stats.InUse, "idle", stats.Idle)
	}

	return &PoolStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
		LastUpdated:        time.Now(),
	}
}

// IsHealthy checks if the database connection pool is healthy
func (db *DB) IsHealthy() bool {
	stats := db.GetPoolStats()

	// Check if we're using too many connections
	if stats.InUse > stats.MaxOpenConnections*80/100 {
		return false
	}

	// Check if we have too many wait events
	return stats.WaitCount <= 100
}
