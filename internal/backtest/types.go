// Package backtest evaluates factor values against forward returns and
// reports information-coefficient and long-short portfolio metrics.
package backtest

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Metrics 因子回测指标
type Metrics struct {
	IC               float64                 `json:"ic"` // Information Coefficient
	ICStdDev         float64                 `json:"ic_std_dev"`
	ICIR             float64                 `json:"icir"` // IC Information Ratio
	RankIC           float64                 `json:"rank_ic"`
	RankICIR         float64                 `json:"rank_icir"`
	InformationRatio float64                 `json:"information_ratio"` // 多空组合年化信息比率
	AnnualReturn     float64                 `json:"annual_return"`
	MaxDrawdown      float64                 `json:"max_drawdown"`
	Periods          int                     `json:"periods"`
	Splits           map[string]SplitMetrics `json:"splits,omitempty"`
}

// SplitMetrics 分段指标
type SplitMetrics struct {
	IC               float64 `json:"ic"`
	RankIC           float64 `json:"rank_ic"`
	InformationRatio float64 `json:"information_ratio"`
	AnnualReturn     float64 `json:"annual_return"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	Periods          int     `json:"periods"`
}

// Summary renders the metrics on one line for feedback and logs
func (m Metrics) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "IC=%.4f RankIC=%.4f ICIR=%.3f IR=%.3f AnnRet=%.2f%% MDD=%.2f%%",
		m.IC, m.RankIC, m.ICIR, m.InformationRatio, m.AnnualReturn*100, m.MaxDrawdown*100)
	names := make([]string, 0, len(m.Splits))
	for name := range m.Splits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := m.Splits[name]
		fmt.Fprintf(&b, " [%s IC=%.4f IR=%.3f]", name, s.IC, s.InformationRatio)
	}
	return b.String()
}

// Split names a date range evaluated separately; zero bounds are open
type Split struct {
	Name  string
	Start time.Time
	End   time.Time
}

func (s Split) contains(t time.Time) bool {
	return (s.Start.IsZero() || !t.Before(s.Start)) && (s.End.IsZero() || !t.After(s.End))
}

// Config IC 回测配置
type Config struct {
	Horizon          int     // 前瞻收益周期
	PeriodsPerYear   int     // 年化周期数
	QuantileFraction float64 // 多空分组比例
	MinCrossSection  int     // 单期最少有效样本数
	Splits           []Split
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Horizon:          1,
		PeriodsPerYear:   252,
		QuantileFraction: 0.2,
		MinCrossSection:  3,
	}
}
