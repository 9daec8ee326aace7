package compile

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/factor"
	"alphamine/internal/panel"
)

const panelCSV = `symbol,date,open,high,low,close,volume
AAA,2024-01-02,1,1,1,1,10
AAA,2024-01-03,2,2,2,2,10
AAA,2024-01-04,3,3,3,3,10
BBB,2024-01-02,4,4,4,4,0
BBB,2024-01-03,6,6,6,6,0
BBB,2024-01-04,8,8,8,8,0
`

func provider(t *testing.T) *panel.MemoryProvider {
	t.Helper()
	p, err := panel.LoadCSV(strings.NewReader(panelCSV))
	require.NoError(t, err)
	return p
}

func run(t *testing.T, expr string) *panel.Matrix {
	t.Helper()
	tree, err := factor.ParseAndValidate(expr)
	require.NoError(t, err)
	prog, err := Compile(tree, nil)
	require.NoError(t, err)
	out, err := prog.Run(context.Background(), provider(t), panel.Query{})
	require.NoError(t, err)
	return out
}

func assertRow(t *testing.T, want, got []float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		if math.IsNaN(want[i]) {
			assert.True(t, math.IsNaN(got[i]), "index %d: want NaN, got %v", i, got[i])
			continue
		}
		assert.InDelta(t, want[i], got[i], 1e-9, "index %d", i)
	}
}

func TestRunWindowFunction(t *testing.T) {
	out := run(t, "Mean($close, 2)")
	assert.Equal(t, []string{"AAA", "BBB"}, out.Symbols)
	assert.Len(t, out.Dates, 3)
	assertRow(t, []float64{math.NaN(), 1.5, 2.5}, out.Row(0))
	assertRow(t, []float64{math.NaN(), 5, 7}, out.Row(1))
}

func TestRunArithmeticAndCrossSection(t *testing.T) {
	out := run(t, "($close - $open) / $volume")
	assertRow(t, []float64{0, 0, 0}, out.Row(0))
	assertRow(t, []float64{math.NaN(), math.NaN(), math.NaN()}, out.Row(1)) // divide by zero

	out = run(t, "Rank($close)")
	assertRow(t, []float64{0.5, 0.5, 0.5}, out.Row(0))
	assertRow(t, []float64{1, 1, 1}, out.Row(1))

	out = run(t, "Corr($close, $open, 3) + 1")
	assertRow(t, []float64{math.NaN(), math.NaN(), 2}, out.Row(0))
}

func TestRunConstantProgram(t *testing.T) {
	out := run(t, "1 + 2")
	assertRow(t, []float64{3, 3, 3}, out.Row(1))
}

func TestCompileIsDeterministic(t *testing.T) {
	tree, err := factor.ParseAndValidate("TSZScore($close, 2) * -1")
	require.NoError(t, err)
	a, err := Compile(tree, nil)
	require.NoError(t, err)
	b, err := Compile(tree.Clone(), nil)
	require.NoError(t, err)

	assert.Equal(t, a.Expression(), b.Expression())
	assert.Equal(t, []string{"close"}, a.Fields())

	ra, err := a.Run(context.Background(), provider(t), panel.Query{})
	require.NoError(t, err)
	rb, err := b.Run(context.Background(), provider(t), panel.Query{})
	require.NoError(t, err)
	for s := range ra.Values {
		assertRow(t, ra.Values[s], rb.Values[s])
	}
}

func TestCompileRejectsInvalidTree(t *testing.T) {
	tree, err := factor.Parse("Mean($close)")
	require.NoError(t, err)
	_, err = Compile(tree, nil)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestRunHonoursContext(t *testing.T) {
	tree, err := factor.ParseAndValidate("Mean($close, 2)")
	require.NoError(t, err)
	prog, err := Compile(tree, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = prog.Run(ctx, provider(t), panel.Query{})
	assert.ErrorIs(t, err, context.Canceled)
}
