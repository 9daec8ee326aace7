package testutils

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"alphamine/internal/cache"
	"alphamine/internal/database"
	"alphamine/internal/logger"
	badgerstore "alphamine/internal/storage/badger"
)

// TestConfig 测试配置
type TestConfig struct {
	UseBadger   bool
	UsePostgres bool // 需要 ALPHAMINE_TEST_DATABASE_HOST，否则跳过
	LogLevel    logger.LogLevel
}

// DefaultTestConfig 默认测试配置
func DefaultTestConfig() *TestConfig {
	return &TestConfig{
		LogLevel: logger.LevelError, // 测试时减少日志输出
	}
}

// TestSuite 测试套件
type TestSuite struct {
	T       *testing.T
	Config  *TestConfig
	Logger  logger.Logger
	Cache   cache.Cache
	Badger  *badger.DB
	DB      *database.DB
	TempDir string
}

// NewTestSuite 创建测试套件；资源随 t.Cleanup 释放
func NewTestSuite(t *testing.T, config *TestConfig) *TestSuite {
	t.Helper()
	if config == nil {
		config = DefaultTestConfig()
	}

	testLogger := logger.NewLogger(logger.Config{
		Level:  config.LogLevel,
		Format: logger.FormatText,
		Output: "stderr",
	})
	logger.SetGlobalLogger(testLogger)

	suite := &TestSuite{
		T:       t,
		Config:  config,
		Logger:  testLogger,
		TempDir: t.TempDir(),
	}

	mem := cache.NewMemoryCache(1000)
	suite.Cache = mem
	t.Cleanup(func() { mem.Close() })

	if config.UseBadger {
		suite.setupBadger()
	}
	if config.UsePostgres {
		suite.setupPostgres()
	}
	return suite
}

// setupBadger 打开内存模式 BadgerDB
func (s *TestSuite) setupBadger() {
	db, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(s.T, err)
	s.Badger = db
	s.T.Cleanup(func() { db.Close() })
}

// setupPostgres 连接测试数据库并执行迁移
func (s *TestSuite) setupPostgres() {
	host := os.Getenv("ALPHAMINE_TEST_DATABASE_HOST")
	if host == "" {
		s.T.Skip("ALPHAMINE_TEST_DATABASE_HOST not set")
	}
	port, _ := strconv.Atoi(envOr("ALPHAMINE_TEST_DATABASE_PORT", "5432"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.NewConnection(ctx, &database.Config{
		Host:     host,
		Port:     port,
		User:     envOr("ALPHAMINE_TEST_DATABASE_USER", "alphamine"),
		Password: os.Getenv("ALPHAMINE_TEST_DATABASE_PASSWORD"),
		DBName:   envOr("ALPHAMINE_TEST_DATABASE_DBNAME", "alphamine_test"),
		SSLMode:  "disable",
	})
	require.NoError(s.T, err)

	m, err := database.NewMigrator(db, "")
	require.NoError(s.T, err)
	require.NoError(s.T, m.Down())
	require.NoError(s.T, m.Up())

	s.DB = db
	s.T.Cleanup(func() { db.Close() })
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// CreateTempFile 创建临时文件
func (s *TestSuite) CreateTempFile(name, content string) string {
	filePath := filepath.Join(s.TempDir, name)
	require.NoError(s.T, os.MkdirAll(filepath.Dir(filePath), 0755))
	require.NoError(s.T, os.WriteFile(filePath, []byte(content), 0644))
	return filePath
}

// CreateTempDir 创建临时目录
func (s *TestSuite) CreateTempDir(name string) string {
	dirPath := filepath.Join(s.TempDir, name)
	require.NoError(s.T, os.MkdirAll(dirPath, 0755))
	return dirPath
}

// MockData 模拟数据生成器；固定种子保证可复现
type MockData struct {
	rand *rand.Rand
}

// NewMockData 创建模拟数据生成器
func NewMockData(seed int64) *MockData {
	return &MockData{rand: rand.New(rand.NewSource(seed))}
}

// RandomFloat 生成随机浮点数
func (m *MockData) RandomFloat(min, max float64) float64 {
	return min + m.rand.Float64()*(max-min)
}

// PanelCSV 生成 symbol,date,open,high,low,close,volume 格式的行情面板
func (m *MockData) PanelCSV(symbols []string, days int, start time.Time) string {
	var b strings.Builder
	b.WriteString("symbol,date,open,high,low,close,volume\n")
	for _, sym := range symbols {
		price := m.RandomFloat(10, 100)
		for d := 0; d < days; d++ {
			open := price
			price = math.Max(1, price*(1+m.RandomFloat(-0.03, 0.03)))
			high := math.Max(open, price) * (1 + m.RandomFloat(0, 0.01))
			low := math.Min(open, price) * (1 - m.RandomFloat(0, 0.01))
			volume := math.Round(m.RandomFloat(1e4, 1e6))
			fmt.Fprintf(&b, "%s,%s,%.4f,%.4f,%.4f,%.4f,%.0f\n",
				sym, start.AddDate(0, 0, d).Format("2006-01-02"), open, high, low, price, volume)
		}
	}
	return b.String()
}

// Symbols 生成 n 个代码 S000, S001, ...
func Symbols(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("S%03d", i)
	}
	return out
}

// TimeoutContext 创建带超时的上下文
func TimeoutContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// WaitForCondition 等待条件满足
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()
	ctx, cancel := TimeoutContext(timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("Timeout waiting for condition: %s", message)
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}

// SetEnv 设置环境变量（测试结束后自动恢复）
func SetEnv(t *testing.T, key, value string) {
	t.Setenv(key, value)
}
