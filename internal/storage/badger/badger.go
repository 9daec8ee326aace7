// Package badger opens the embedded BadgerDB used for session checkpoints
// and the knowledge base.
package badger

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"alphamine/internal/logger"
)

// Config holds configuration for a BadgerDB instance
type Config struct {
	Path       string // ignored when InMemory
	InMemory   bool
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines; nil silences them
	Logger logger.Logger

	NumVersionsToKeep int
	GCInterval        time.Duration // 0 disables value log GC
	GCDiscardRatio    float64
}

// DefaultConfig returns the defaults for an on-disk database
func DefaultConfig() Config {
	return Config{
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryConfig returns a configuration for tests
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		NumVersionsToKeep: 1,
	}
}

// badgerLogger adapts logger.Logger to badger.Logger
type badgerLogger struct {
	log logger.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace(fmt.Sprintf(format, args...))
}

// Open creates and opens a BadgerDB instance. The returned DB is safe for
// concurrent use; the caller closes it.
func Open(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.NumVersionsToKeep > 0 {
		opts = opts.WithNumVersionsToKeep(cfg.NumVersionsToKeep)
	}

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{log: cfg.Logger.WithField("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// GCRunner runs periodic value log garbage collection
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	log      logger.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewGCRunner creates a runner; call Start to begin
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, log logger.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if ratio <= 0 || ratio >= 1 {
		return nil, errors.New("ratio must be between 0 and 1")
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		log:      log.WithField("component", "badger_gc"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins periodic garbage collection
func (r *GCRunner) Start() {
	go r.run()
}

// Stop halts garbage collection and waits for the loop to exit. Stop must
// only be called after Start.
func (r *GCRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *GCRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *GCRunner) runGC() {
	err := r.db.RunValueLogGC(r.ratio)
	switch {
	case err == nil:
		r.log.Debug("Badger value log GC completed")
	case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrRejected), errors.Is(err, badger.ErrGCInMemoryMode):
		// nothing to collect, or a GC already running
	default:
		r.log.Warn("Badger value log GC failed", "error", err)
	}
}
