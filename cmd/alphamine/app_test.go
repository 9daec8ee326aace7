package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphamine/internal/config"
)

func TestBacktestConfigParsesSplits(t *testing.T) {
	cfg := config.Default()
	cfg.Backtest.Splits = []config.SplitConfig{
		{Name: "train", End: "2020-12-31"},
		{Name: "test", Start: "2021-01-01"},
	}
	a := &app{cfg: cfg}

	bc, err := a.backtestConfig()
	require.NoError(t, err)
	require.Len(t, bc.Splits, 2)
	assert.True(t, bc.Splits[0].Start.IsZero())
	assert.Equal(t, 2020, bc.Splits[0].End.Year())
	assert.Equal(t, "test", bc.Splits[1].Name)

	cfg.Backtest.Splits[1].Start = "first of january"
	_, err = a.backtestConfig()
	assert.ErrorContains(t, err, "backtest split test")
}

func TestQueryFromDataConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Data.Symbols = []string{"AAA"}
	cfg.Data.Start = "2024-01-02"
	a := &app{cfg: cfg}

	q, err := a.query()
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA"}, q.Symbols)
	assert.False(t, q.Start.IsZero())
	assert.True(t, q.End.IsZero())

	cfg.Data.End = "soon"
	_, err = a.query()
	assert.ErrorContains(t, err, "data.end")
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}

func TestFunctionsCommand(t *testing.T) {
	var out bytes.Buffer
	functionsCmd.SetOut(&out)
	require.NoError(t, functionsCmd.RunE(functionsCmd, nil))
	assert.Contains(t, out.String(), "Mean(x1, n)")
}
