package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"alphamine/internal/backtest"
	"alphamine/internal/cache"
	"alphamine/internal/config"
	"alphamine/internal/database"
	"alphamine/internal/knowledge"
	"alphamine/internal/llm"
	"alphamine/internal/logger"
	"alphamine/internal/loop"
	"alphamine/internal/monitoring"
	"alphamine/internal/panel"
	"alphamine/internal/sandbox"
	"alphamine/internal/session"
	badgerstore "alphamine/internal/storage/badger"
)

// app holds the wired components of one command invocation
type app struct {
	cfg     *config.Config
	log     logger.Logger
	metrics *monitoring.Metrics

	badger *badger.DB
	db     *database.DB

	kb          *knowledge.KnowledgeBase
	checkpoints *session.Manager

	closers []func() error
}

// newApp loads configuration and opens the stores. Panel data and the model
// are wired separately by the commands that need them.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Logging)
	a := &app{
		cfg:     cfg,
		log:     logger.GetGlobalLogger().WithField("app", cfg.App.Name),
		metrics: monitoring.NewMetrics(),
	}

	if err := a.openStores(ctx); err != nil {
		a.close()
		return nil, err
	}
	if cfg.Monitoring.Enabled {
		a.serveMetrics()
	}
	return a, nil
}

func (a *app) openStores(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.App.Workspace, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	st := a.cfg.Storage
	if st.CheckpointBackend == "badger" || st.KnowledgeBackend == "badger" {
		bcfg := badgerstore.DefaultConfig()
		bcfg.Path = st.BadgerPath
		bcfg.SyncWrites = st.BadgerSyncWrites
		bcfg.Logger = a.log
		db, err := badgerstore.Open(bcfg)
		if err != nil {
			return err
		}
		a.badger = db
		a.closers = append(a.closers, db.Close)

		if bcfg.GCInterval > 0 {
			gc, err := badgerstore.NewGCRunner(db, bcfg.GCInterval, bcfg.GCDiscardRatio, a.log)
			if err != nil {
				return err
			}
			gc.Start()
			a.closers = append(a.closers, func() error { gc.Stop(); return nil })
		}
	}

	if st.KnowledgeBackend == "postgres" {
		db, err := database.NewConnection(ctx, databaseConfig(a.cfg))
		if err != nil {
			return err
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
	}

	var store knowledge.Store
	switch st.KnowledgeBackend {
	case "", "memory":
		a.log.Warn("Knowledge base is in memory and will not outlive this process")
		store = knowledge.NewMemoryStore()
	case "badger":
		store = knowledge.NewBadgerStore(a.badger)
	case "postgres":
		store = knowledge.NewPostgresStore(a.db)
	default:
		return fmt.Errorf("unsupported knowledge backend: %s", st.KnowledgeBackend)
	}
	kb, err := knowledge.Open(ctx, store)
	if err != nil {
		return err
	}
	a.kb = kb
	a.metrics.RecordAccepted(0, kb.Len())

	var cps session.Store
	switch st.CheckpointBackend {
	case "", "file":
		cps = session.NewFileStore(st.CheckpointDir)
	case "badger":
		cps = session.NewBadgerStore(a.badger)
	default:
		return fmt.Errorf("unsupported checkpoint backend: %s", st.CheckpointBackend)
	}
	a.checkpoints = session.NewManager(cps)
	return nil
}

func (a *app) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Monitoring.Path, a.metrics.Handler())
	srv := &http.Server{Addr: a.cfg.Monitoring.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Metrics server failed", "addr", srv.Addr, "error", err)
		}
	}()
	a.log.Info("Serving metrics", "addr", srv.Addr, "path", a.cfg.Monitoring.Path)
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// close releases resources in reverse order of acquisition
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("Failed to release resource", "error", err)
		}
	}
	a.closers = nil
}

// provider loads the panel file, behind the configured cache
func (a *app) provider() (panel.Provider, error) {
	if a.cfg.Data.PanelFile == "" {
		return nil, fmt.Errorf("data.panel_file is not set")
	}
	mem, err := panel.LoadCSVFile(a.cfg.Data.PanelFile)
	if err != nil {
		return nil, err
	}
	a.log.Info("Panel loaded", "file", a.cfg.Data.PanelFile, "symbols", len(mem.Symbols()),
		"dates", len(mem.Dates()), "fields", strings.Join(mem.Fields(), ","))

	c, err := cache.New(cache.Options{
		Backend: a.cfg.Cache.Backend,
		MaxSize: a.cfg.Cache.MaxSize,
		Redis: &cache.Config{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			PoolSize: a.cfg.Redis.PoolSize,
			Prefix:   "alphamine:",
		},
	})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return mem, nil
	}
	a.closers = append(a.closers, c.Close)
	return panel.NewCachedProvider(mem, c, a.cfg.Cache.TTL), nil
}

func (a *app) query() (panel.Query, error) {
	q := panel.Query{Symbols: a.cfg.Data.Symbols}
	var err error
	if a.cfg.Data.Start != "" {
		if q.Start, err = panel.ParseDate(a.cfg.Data.Start); err != nil {
			return q, fmt.Errorf("data.start: %w", err)
		}
	}
	if a.cfg.Data.End != "" {
		if q.End, err = panel.ParseDate(a.cfg.Data.End); err != nil {
			return q, fmt.Errorf("data.end: %w", err)
		}
	}
	return q, nil
}

func (a *app) backtestConfig() (backtest.Config, error) {
	bc := backtest.DefaultConfig()
	bc.Horizon = a.cfg.Backtest.Horizon
	bc.PeriodsPerYear = a.cfg.Backtest.PeriodsPerYear
	bc.QuantileFraction = a.cfg.Backtest.QuantileFraction
	for _, s := range a.cfg.Backtest.Splits {
		split := backtest.Split{Name: s.Name}
		var err error
		if s.Start != "" {
			if split.Start, err = panel.ParseDate(s.Start); err != nil {
				return bc, fmt.Errorf("backtest split %s: %w", s.Name, err)
			}
		}
		if s.End != "" {
			if split.End, err = panel.ParseDate(s.End); err != nil {
				return bc, fmt.Errorf("backtest split %s: %w", s.Name, err)
			}
		}
		bc.Splits = append(bc.Splits, split)
	}
	return bc, nil
}

func (a *app) llmClient() (*llm.Client, error) {
	c := a.cfg.LLM
	retry := llm.DefaultRetryConfig()
	retry.MaxAttempts = c.MaxRetries
	return llm.NewClient(llm.Config{
		BaseURL:           c.BaseURL,
		APIKey:            c.APIKey,
		Model:             c.Model,
		Temperature:       c.Temperature,
		MaxTokens:         c.MaxTokens,
		Timeout:           c.Timeout,
		RequestsPerMinute: c.RequestsPerMinute,
		Retry:             retry,
	})
}

// deps wires the executor and backtest runner, plus the model-backed
// collaborators when withLLM is set
func (a *app) deps(withLLM bool) (loop.Deps, loop.Options, error) {
	provider, err := a.provider()
	if err != nil {
		return loop.Deps{}, loop.Options{}, err
	}
	q, err := a.query()
	if err != nil {
		return loop.Deps{}, loop.Options{}, err
	}
	bc, err := a.backtestConfig()
	if err != nil {
		return loop.Deps{}, loop.Options{}, err
	}

	execOpts := []sandbox.Option{sandbox.WithMetrics(a.metrics)}
	deps := loop.Deps{
		Runner:      backtest.NewICRunner(provider, bc),
		Knowledge:   a.kb,
		Checkpoints: a.checkpoints,
		Metrics:     a.metrics,
	}
	if withLLM {
		client, err := a.llmClient()
		if err != nil {
			return loop.Deps{}, loop.Options{}, err
		}
		deps.Generator = llm.NewHypothesisGenerator(client, a.kb)
		deps.Constructor = llm.NewFactorConstructor(client, nil, a.kb, a.cfg.LLM.FactorsPerRound)
		execOpts = append(execOpts, sandbox.WithSynthesizer(llm.NewSynthesizer(client, nil, a.kb)))
	}
	deps.Executor = sandbox.NewExecutor(sandbox.Config{
		MaxRounds:      a.cfg.Sandbox.MaxRounds,
		Workers:        a.cfg.Sandbox.Workers,
		AttemptTimeout: a.cfg.Sandbox.AttemptTimeout,
	}, provider, execOpts...)

	opts := loop.Options{
		MaxIterations:  a.cfg.Loop.MaxIterations,
		MaxSteps:       a.cfg.Loop.MaxSteps,
		SessionTimeout: a.cfg.Loop.SessionTimeout,
		Direction:      a.cfg.Loop.Direction,
		Query:          q,
		Acceptance: loop.AcceptancePolicy{
			MinIC:       a.cfg.Acceptance.MinIC,
			MinRankIC:   a.cfg.Acceptance.MinRankIC,
			MinIR:       a.cfg.Acceptance.MinIR,
			MaxDrawdown: a.cfg.Acceptance.MaxDrawdown,
		},
	}
	opts.Admission.MinNovelty = a.cfg.Regularizer.MinNovelty
	opts.Admission.MaxComplexity = a.cfg.Regularizer.MaxComplexity
	return deps, opts, nil
}

func databaseConfig(cfg *config.Config) *database.Config {
	return &database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		MaxOpen:  cfg.Database.MaxOpen,
		MaxIdle:  cfg.Database.MaxIdle,
		Timeout:  cfg.Database.Timeout,
	}
}
