package panel

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alphamine/internal/cache"
	apperrors "alphamine/internal/errors"
)

const sampleCSV = `symbol,date,open,high,low,close,volume
AAA,2024-01-02,10,11,9,10,100
AAA,2024-01-03,10,12,10,11,120
AAA,2024-01-04,11,12,10,12,
BBB,2024-01-02,20,21,19,20,200
BBB,2024-01-04,20,22,20,22,210
`

func day(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func TestLoadCSV(t *testing.T) {
	p, err := LoadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA", "BBB"}, p.Symbols())
	assert.Len(t, p.Dates(), 3)
	assert.Contains(t, p.Fields(), "return")
	assert.Contains(t, p.Fields(), "vwap")

	ctx := context.Background()
	closeM, err := p.Fetch(ctx, Query{}, "close")
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 11, 12}, closeM.Row(0))
	assert.True(t, math.IsNaN(closeM.Values[1][1]), "missing row is NaN")

	vol, err := p.Fetch(ctx, Query{}, "volume")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(vol.Values[0][2]), "empty cell is NaN")

	ret, err := p.Fetch(ctx, Query{}, "return")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(ret.Values[0][0]))
	assert.InDelta(t, 0.1, ret.Values[0][1], 1e-12)

	vwap, err := p.Fetch(ctx, Query{}, "vwap")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, vwap.Values[0][0], 1e-12)
}

func TestFetchSlicesQuery(t *testing.T) {
	p, err := LoadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	m, err := p.Fetch(context.Background(), Query{
		Symbols: []string{"BBB", "ZZZ"},
		Start:   day("2024-01-03"),
		End:     day("2024-01-04"),
	}, "CLOSE")
	require.NoError(t, err)

	assert.Equal(t, []string{"BBB", "ZZZ"}, m.Symbols)
	require.Len(t, m.Dates, 2)
	assert.True(t, math.IsNaN(m.Values[0][0]))
	assert.Equal(t, 22.0, m.Values[0][1])
	assert.True(t, math.IsNaN(m.Values[1][1]), "unknown symbol is all missing")

	_, err = p.Fetch(context.Background(), Query{}, "sentiment")
	assert.True(t, errors.Is(err, apperrors.ErrDataUnavailable))

	_, err = p.Fetch(context.Background(), Query{Start: day("2030-01-01")}, "close")
	assert.True(t, errors.Is(err, apperrors.ErrDataUnavailable))
}

func TestMatrixJSONKeepsMissingValues(t *testing.T) {
	m := NewMatrix([]string{"A"}, []time.Time{day("2024-01-02"), day("2024-01-03")})
	m.Values[0][1] = 1.5

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), "null")

	var back Matrix
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, math.IsNaN(back.Values[0][0]))
	assert.Equal(t, 1.5, back.Values[0][1])
	assert.True(t, m.SameIndex(&back))
}

func TestMatrixColumns(t *testing.T) {
	m := NewMatrix([]string{"A", "B"}, []time.Time{day("2024-01-02")})
	assert.True(t, m.AllMissing())

	m.SetColumn(0, []float64{1, 2})
	assert.Equal(t, []float64{1, 2}, m.Column(0))
	assert.Equal(t, 2, m.Valid())

	c := m.Clone()
	c.Values[0][0] = 9
	assert.Equal(t, 1.0, m.Values[0][0])
}

type countingProvider struct {
	inner Provider
	calls atomic.Int32
}

func (c *countingProvider) Fetch(ctx context.Context, q Query, field string) (*Matrix, error) {
	c.calls.Add(1)
	return c.inner.Fetch(ctx, q, field)
}

func TestCachedProvider(t *testing.T) {
	base, err := LoadCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	counting := &countingProvider{inner: base}

	mem := cache.NewMemoryCache(16)
	defer mem.Close()
	p := NewCachedProvider(counting, mem, time.Minute)

	ctx := context.Background()
	first, err := p.Fetch(ctx, Query{}, "close")
	require.NoError(t, err)
	second, err := p.Fetch(ctx, Query{}, "close")
	require.NoError(t, err)

	assert.Equal(t, int32(1), counting.calls.Load())
	assert.True(t, first.SameIndex(second))
	assert.True(t, math.IsNaN(second.Values[1][1]))

	_, err = p.Fetch(ctx, Query{Symbols: []string{"AAA"}}, "close")
	require.NoError(t, err)
	assert.Equal(t, int32(2), counting.calls.Load(), "different query misses the cache")
}
