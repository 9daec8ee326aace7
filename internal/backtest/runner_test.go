package backtest

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/panel"
)

const pricesCSV = `symbol,date,close
A,2024-01-02,10
A,2024-01-03,11
A,2024-01-04,12.1
B,2024-01-02,10
B,2024-01-03,10.5
B,2024-01-04,10.5
C,2024-01-02,10
C,2024-01-03,9
C,2024-01-04,9
D,2024-01-02,10
D,2024-01-03,10
D,2024-01-04,11
`

func setup(t *testing.T) (*panel.MemoryProvider, *panel.Matrix) {
	t.Helper()
	p, err := panel.LoadCSV(strings.NewReader(pricesCSV))
	require.NoError(t, err)
	closeM, err := p.Fetch(context.Background(), panel.Query{}, "close")
	require.NoError(t, err)
	return p, forwardReturns(closeM, 1)
}

func TestRunPerfectFactor(t *testing.T) {
	p, fwd := setup(t)

	m, err := NewICRunner(p, Config{}).Run(context.Background(), fwd)
	require.NoError(t, err)

	assert.Equal(t, 2, m.Periods, "last date has no forward return")
	assert.InDelta(t, 1.0, m.IC, 1e-9)
	assert.InDelta(t, 1.0, m.RankIC, 1e-9)
	assert.InDelta(t, 0.15*252, m.AnnualReturn, 1e-6)
	assert.Equal(t, 0.0, m.MaxDrawdown)
	assert.Greater(t, m.InformationRatio, 0.0)
	assert.Contains(t, m.Summary(), "IC=1.0000")
}

func TestRunNegatedFactor(t *testing.T) {
	p, fwd := setup(t)
	neg := fwd.Clone()
	for _, row := range neg.Values {
		for d := range row {
			row[d] = -row[d]
		}
	}

	m, err := NewICRunner(p, Config{}).Run(context.Background(), neg)
	require.NoError(t, err)
	assert.InDelta(t, -1.0, m.IC, 1e-9)
	assert.Less(t, m.AnnualReturn, 0.0)
	assert.Greater(t, m.MaxDrawdown, 0.0)
}

func TestRunSplits(t *testing.T) {
	p, fwd := setup(t)
	start, _ := panel.ParseDate("2024-01-03")

	m, err := NewICRunner(p, Config{Splits: []Split{
		{Name: "train", End: fwd.Dates[0]},
		{Name: "test", Start: start},
	}}).Run(context.Background(), fwd)
	require.NoError(t, err)

	require.Len(t, m.Splits, 2)
	assert.Equal(t, 1, m.Splits["train"].Periods)
	assert.Equal(t, 1, m.Splits["test"].Periods)
	assert.InDelta(t, 1.0, m.Splits["test"].IC, 1e-9)
	assert.Contains(t, m.Summary(), "[test IC=")
}

func TestRunFailures(t *testing.T) {
	p, fwd := setup(t)
	runner := NewICRunner(p, Config{})

	missing := panel.NewMatrix(fwd.Symbols, fwd.Dates)
	_, err := runner.Run(context.Background(), missing)
	assert.True(t, errors.Is(err, apperrors.ErrBacktestFailed))

	_, err = runner.Run(context.Background(), nil)
	assert.True(t, errors.Is(err, apperrors.ErrBacktestFailed))

	shifted := panel.NewMatrix([]string{"A", "B", "C", "Z"}, fwd.Dates)
	_, err = runner.Run(context.Background(), shifted)
	assert.Error(t, err)
}

func TestCalculatePerformanceStats(t *testing.T) {
	stats := CalculatePerformanceStats([]float64{0.1, -0.5, 0.2}, 1)
	assert.InDelta(t, 0.5, stats.MaxDrawdown, 1e-12)
	assert.InDelta(t, 1.1*0.5*1.2-1, stats.TotalReturn, 1e-12)
	assert.True(t, !math.IsNaN(stats.InformationRatio))

	assert.Equal(t, PerformanceStats{}, CalculatePerformanceStats(nil, 252))
}
