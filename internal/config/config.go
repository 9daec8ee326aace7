package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"alphamine/internal/logger"
)

// Config represents the application configuration
type Config struct {
	App         AppConfig         `yaml:"app"`
	Logging     logger.Config     `yaml:"logging"`
	Data        DataConfig        `yaml:"data"`
	Backtest    BacktestConfig    `yaml:"backtest"`
	Cache       CacheConfig       `yaml:"cache"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	Storage     StorageConfig     `yaml:"storage"`
	LLM         LLMConfig         `yaml:"llm"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Loop        LoopConfig        `yaml:"loop"`
	Regularizer RegularizerConfig `yaml:"regularizer"`
	Acceptance  AcceptanceConfig  `yaml:"acceptance"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// AppConfig represents application configuration
type AppConfig struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	Env       string `yaml:"env"`
	Workspace string `yaml:"workspace"`
}

// DataConfig describes where panel data comes from and which slice of it a
// session mines over.
type DataConfig struct {
	PanelFile string   `yaml:"panel_file"`
	Symbols   []string `yaml:"symbols"`
	Start     string   `yaml:"start"`
	End       string   `yaml:"end"`
}

// SplitConfig names a date range evaluated separately by the backtest runner.
type SplitConfig struct {
	Name  string `yaml:"name"`
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// BacktestConfig represents the IC backtest runner configuration
type BacktestConfig struct {
	Horizon          int           `yaml:"horizon"`
	PeriodsPerYear   int           `yaml:"periods_per_year"`
	QuantileFraction float64       `yaml:"quantile_fraction"`
	Splits           []SplitConfig `yaml:"splits"`
}

// CacheConfig selects the panel cache backend
type CacheConfig struct {
	Backend string        `yaml:"backend"` // none, memory, redis
	TTL     time.Duration `yaml:"ttl"`
	MaxSize int           `yaml:"max_size"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	DBName         string        `yaml:"dbname"`
	SSLMode        string        `yaml:"sslmode"`
	MaxOpen        int           `yaml:"max_open"`
	MaxIdle        int           `yaml:"max_idle"`
	Timeout        time.Duration `yaml:"timeout"`
	MigrationsPath string        `yaml:"migrations_path"` // empty uses the embedded migrations
}

// StorageConfig selects the checkpoint and knowledge base backends
type StorageConfig struct {
	CheckpointBackend string `yaml:"checkpoint_backend"` // file, badger
	CheckpointDir     string `yaml:"checkpoint_dir"`
	KnowledgeBackend  string `yaml:"knowledge_backend"` // memory, badger, postgres
	BadgerPath        string `yaml:"badger_path"`
	BadgerSyncWrites  bool   `yaml:"badger_sync_writes"`
}

// LLMConfig represents the OpenAI-compatible endpoint configuration
type LLMConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	Temperature       float32       `yaml:"temperature"`
	MaxTokens         int           `yaml:"max_tokens"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	MaxRetries        int           `yaml:"max_retries"`
	FactorsPerRound   int           `yaml:"factors_per_round"`
}

// SandboxConfig represents evolving executor configuration
type SandboxConfig struct {
	MaxRounds      int           `yaml:"max_rounds"`
	Workers        int           `yaml:"workers"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// LoopConfig represents session controller configuration
type LoopConfig struct {
	MaxIterations  int           `yaml:"max_iterations"`
	MaxSteps       int           `yaml:"max_steps"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	Direction      string        `yaml:"direction"`
}

// RegularizerConfig holds the novelty/complexity admission policy
type RegularizerConfig struct {
	MinNovelty    float64 `yaml:"min_novelty"`
	MaxComplexity int     `yaml:"max_complexity"`
}

// AcceptanceConfig holds the thresholds deciding which factors enter the
// knowledge base. A zero MaxDrawdown disables the drawdown check.
type AcceptanceConfig struct {
	MinIC       float64 `yaml:"min_ic"`
	MinRankIC   float64 `yaml:"min_rank_ic"`
	MinIR       float64 `yaml:"min_ir"`
	MaxDrawdown float64 `yaml:"max_drawdown"`
}

// ScheduleConfig represents cron-scheduled mining sessions
type ScheduleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Cron      string `yaml:"cron"`
	Direction string `yaml:"direction"`
}

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// Default returns a configuration usable without a file
func Default() *Config {
	logging := logger.DefaultConfig
	logging.Filename = "logs/alphamine.log"

	return &Config{
		App: AppConfig{
			Name:      "alphamine",
			Version:   "0.1.0",
			Env:       "development",
			Workspace: "workspace",
		},
		Logging: logging,
		Backtest: BacktestConfig{
			Horizon:          1,
			PeriodsPerYear:   252,
			QuantileFraction: 0.2,
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     time.Hour,
			MaxSize: 256,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "alphamine",
			DBName:  "alphamine",
			SSLMode: "disable",
			MaxOpen: 10,
			MaxIdle: 5,
			Timeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			CheckpointBackend: "file",
			CheckpointDir:     "workspace/sessions",
			KnowledgeBackend:  "memory",
			BadgerPath:        "workspace/badger",
		},
		LLM: LLMConfig{
			Model:             "gpt-4o-mini",
			Temperature:       0.7,
			MaxTokens:         2048,
			Timeout:           60 * time.Second,
			RequestsPerMinute: 30,
			MaxRetries:        3,
			FactorsPerRound:   3,
		},
		Sandbox: SandboxConfig{
			MaxRounds:      3,
			Workers:        4,
			AttemptTimeout: 30 * time.Second,
		},
		Loop: LoopConfig{
			SessionTimeout: 6 * time.Hour,
		},
		Regularizer: RegularizerConfig{
			MinNovelty:    0.1,
			MaxComplexity: 30,
		},
		Acceptance: AcceptanceConfig{
			MinIC:     0.02,
			MinRankIC: 0.02,
		},
		Schedule: ScheduleConfig{
			Cron: "0 0 2 * * *",
		},
		Monitoring: MonitoringConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
	}
}

// Load loads configuration from a YAML file on top of the defaults, then
// applies ALPHAMINE_ environment overrides and validates the result.
// An empty filename skips the file.
func Load(filename string) (*Config, error) {
	config := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.ApplyEnv(NewEnvManager(""))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv(em *EnvManager) {
	c.App.Env = em.GetString("app_env", c.App.Env)
	c.App.Workspace = em.GetString("workspace", c.App.Workspace)

	c.Logging.Level = logger.LogLevel(em.GetString("log_level", string(c.Logging.Level)))
	c.Logging.Format = logger.LogFormat(em.GetString("log_format", string(c.Logging.Format)))

	c.Data.PanelFile = em.GetString("data_panel_file", c.Data.PanelFile)
	c.Data.Start = em.GetString("data_start", c.Data.Start)
	c.Data.End = em.GetString("data_end", c.Data.End)

	c.Cache.Backend = em.GetString("cache_backend", c.Cache.Backend)
	c.Redis.Addr = em.GetString("redis_addr", c.Redis.Addr)
	c.Redis.Password = em.GetString("redis_password", c.Redis.Password)

	c.Database.Host = em.GetString("database_host", c.Database.Host)
	c.Database.Port = em.GetInt("database_port", c.Database.Port)
	c.Database.User = em.GetString("database_user", c.Database.User)
	c.Database.Password = em.GetString("database_password", c.Database.Password)
	c.Database.DBName = em.GetString("database_dbname", c.Database.DBName)

	c.Storage.CheckpointBackend = em.GetString("storage_checkpoint_backend", c.Storage.CheckpointBackend)
	c.Storage.CheckpointDir = em.GetString("storage_checkpoint_dir", c.Storage.CheckpointDir)
	c.Storage.KnowledgeBackend = em.GetString("storage_knowledge_backend", c.Storage.KnowledgeBackend)
	c.Storage.BadgerPath = em.GetString("storage_badger_path", c.Storage.BadgerPath)

	c.LLM.BaseURL = em.GetString("llm_base_url", c.LLM.BaseURL)
	c.LLM.Model = em.GetString("llm_model", c.LLM.Model)
	c.LLM.APIKey = em.GetString("llm_api_key", c.LLM.APIKey)
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	c.Sandbox.MaxRounds = em.GetInt("sandbox_max_rounds", c.Sandbox.MaxRounds)
	c.Sandbox.Workers = em.GetInt("sandbox_workers", c.Sandbox.Workers)
	c.Sandbox.AttemptTimeout = em.GetDuration("sandbox_attempt_timeout", c.Sandbox.AttemptTimeout)

	c.Loop.MaxIterations = em.GetInt("loop_max_iterations", c.Loop.MaxIterations)
	c.Loop.MaxSteps = em.GetInt("loop_max_steps", c.Loop.MaxSteps)
	c.Loop.SessionTimeout = em.GetDuration("loop_session_timeout", c.Loop.SessionTimeout)

	c.Monitoring.Enabled = em.GetBool("monitoring_enabled", c.Monitoring.Enabled)
	c.Monitoring.Addr = em.GetString("monitoring_addr", c.Monitoring.Addr)
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Sandbox.MaxRounds < 1 {
		errs = append(errs, "sandbox.max_rounds 必须大于0")
	}
	if c.Sandbox.Workers < 1 {
		errs = append(errs, "sandbox.workers 必须大于0")
	}
	if c.Sandbox.AttemptTimeout <= 0 {
		errs = append(errs, "sandbox.attempt_timeout 必须为正")
	}
	if c.Loop.MaxIterations < 0 || c.Loop.MaxSteps < 0 {
		errs = append(errs, "loop.max_iterations 和 loop.max_steps 不能为负")
	}
	if c.Loop.SessionTimeout < 0 {
		errs = append(errs, "loop.session_timeout 不能为负")
	}
	if c.Regularizer.MinNovelty < 0 || c.Regularizer.MinNovelty > 1 {
		errs = append(errs, "regularizer.min_novelty 必须在[0,1]范围内")
	}
	if c.Regularizer.MaxComplexity < 0 {
		errs = append(errs, "regularizer.max_complexity 不能为负")
	}
	if c.Acceptance.MaxDrawdown < 0 {
		errs = append(errs, "acceptance.max_drawdown 不能为负")
	}
	if c.Backtest.Horizon < 1 {
		errs = append(errs, "backtest.horizon 必须大于0")
	}
	if c.Backtest.QuantileFraction <= 0 || c.Backtest.QuantileFraction > 0.5 {
		errs = append(errs, "backtest.quantile_fraction 必须在(0,0.5]范围内")
	}
	for _, s := range c.Backtest.Splits {
		if s.Name == "" {
			errs = append(errs, "backtest.splits 每个区间必须有名称")
		}
	}
	if !oneOf(c.Cache.Backend, "none", "memory", "redis") {
		errs = append(errs, fmt.Sprintf("cache.backend 不支持: %q", c.Cache.Backend))
	}
	if !oneOf(c.Storage.CheckpointBackend, "file", "badger") {
		errs = append(errs, fmt.Sprintf("storage.checkpoint_backend 不支持: %q", c.Storage.CheckpointBackend))
	}
	if !oneOf(c.Storage.KnowledgeBackend, "memory", "badger", "postgres") {
		errs = append(errs, fmt.Sprintf("storage.knowledge_backend 不支持: %q", c.Storage.KnowledgeBackend))
	}
	if c.Storage.KnowledgeBackend == "postgres" && (c.Database.Host == "" || c.Database.DBName == "") {
		errs = append(errs, "postgres 知识库需要 database.host 和 database.dbname")
	}
	if c.Schedule.Enabled && c.Schedule.Cron == "" {
		errs = append(errs, "schedule.cron 不能为空")
	}

	if len(errs) > 0 {
		return fmt.Errorf("配置验证失败: %s", strings.Join(errs, "; "))
	}
	return nil
}

func oneOf(value string, options ...string) bool {
	for _, o := range options {
		if value == o {
			return true
		}
	}
	return false
}
