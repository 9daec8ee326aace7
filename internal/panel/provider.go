package panel

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "alphamine/internal/errors"
)

// Query selects symbols and an inclusive date range. Empty Symbols selects
// every symbol; zero Start or End leaves that side unbounded.
type Query struct {
	Symbols []string  `json:"symbols,omitempty"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

// Provider supplies one field of panel data for a query
type Provider interface {
	Fetch(ctx context.Context, q Query, field string) (*Matrix, error)
}

// DateLayouts are the accepted CSV date formats
var DateLayouts = []string{"2006-01-02", "2006-01-02 15:04:05", time.RFC3339}

// ParseDate parses a date in any of DateLayouts
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range DateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// MemoryProvider serves fields from matrices held in memory
type MemoryProvider struct {
	symbols []string
	dates   []time.Time
	fields  map[string]*Matrix
}

// NewMemoryProvider builds a provider over matrices sharing one index
func NewMemoryProvider(fields map[string]*Matrix) (*MemoryProvider, error) {
	p := &MemoryProvider{fields: make(map[string]*Matrix, len(fields))}
	for name, m := range fields {
		if p.symbols == nil {
			p.symbols, p.dates = m.Symbols, m.Dates
		} else if !m.SameIndex(&Matrix{Symbols: p.symbols, Dates: p.dates}) {
			return nil, fmt.Errorf("field %s does not share the panel index", name)
		}
		p.fields[strings.ToLower(name)] = m
	}
	return p, nil
}

// LoadCSVFile reads a panel CSV from path
func LoadCSVFile(path string) (*MemoryProvider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDataUnavailable, "failed to open panel file", err)
	}
	defer f.Close()
	return LoadCSV(f)
}

// LoadCSV reads long-format panel rows with header
// symbol,date,open,high,low,close,volume[,vwap]. Extra numeric columns become
// fields too. return is derived from close; vwap defaults to the typical
// price (high+low+close)/3 when absent.
func LoadCSV(r io.Reader) (*MemoryProvider, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read panel header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"symbol", "date", "close"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("panel header missing %q column", required)
		}
	}

	var valueCols []string
	for _, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if name != "symbol" && name != "date" {
			valueCols = append(valueCols, name)
		}
	}

	type key struct {
		symbol string
		date   time.Time
	}
	rows := make(map[key][]float64)
	symbolSet := make(map[string]bool)
	dateSet := make(map[time.Time]bool)

	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("panel line %d: %w", line, err)
		}
		symbol := strings.TrimSpace(record[col["symbol"]])
		date, err := ParseDate(record[col["date"]])
		if err != nil {
			return nil, fmt.Errorf("panel line %d: %w", line, err)
		}
		values := make([]float64, len(valueCols))
		for i, name := range valueCols {
			values[i] = parseValue(record[col[name]])
		}
		rows[key{symbol, date}] = values
		symbolSet[symbol] = true
		dateSet[date] = true
	}
	if len(rows) == 0 {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDataUnavailable, "panel file has no rows", nil)
	}

	symbols := make([]string, 0, len(symbolSet))
	for s := range symbolSet {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	dates := make([]time.Time, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	fields := make(map[string]*Matrix, len(valueCols)+2)
	for i, name := range valueCols {
		m := NewMatrix(symbols, dates)
		for s, sym := range symbols {
			for d, date := range dates {
				if vals, ok := rows[key{sym, date}]; ok {
					m.Values[s][d] = vals[i]
				}
			}
		}
		fields[name] = m
	}

	if _, ok := fields["return"]; !ok {
		fields["return"] = deriveReturn(fields["close"])
	}
	if _, ok := fields["vwap"]; !ok {
		if h, l, c := fields["high"], fields["low"], fields["close"]; h != nil && l != nil {
			fields["vwap"] = typicalPrice(h, l, c)
		}
	}

	return NewMemoryProvider(fields)
}

func parseValue(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") || strings.EqualFold(s, "null") {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func deriveReturn(close *Matrix) *Matrix {
	ret := NewMatrix(close.Symbols, close.Dates)
	for s, row := range close.Values {
		for d := 1; d < len(row); d++ {
			if prev := row[d-1]; prev != 0 && !math.IsNaN(prev) && !math.IsNaN(row[d]) {
				ret.Values[s][d] = row[d]/prev - 1
			}
		}
	}
	return ret
}

func typicalPrice(high, low, close *Matrix) *Matrix {
	out := NewMatrix(close.Symbols, close.Dates)
	for s := range close.Values {
		for d := range close.Values[s] {
			out.Values[s][d] = (high.Values[s][d] + low.Values[s][d] + close.Values[s][d]) / 3
		}
	}
	return out
}

// Symbols returns every symbol in the panel
func (p *MemoryProvider) Symbols() []string {
	return append([]string(nil), p.symbols...)
}

// Dates returns every date in the panel
func (p *MemoryProvider) Dates() []time.Time {
	return append([]time.Time(nil), p.dates...)
}

// Fields returns available field names, sorted
func (p *MemoryProvider) Fields() []string {
	names := make([]string, 0, len(p.fields))
	for name := range p.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fetch slices one field to the query. Requested symbols absent from the
// panel come back as rows of missing values.
func (p *MemoryProvider) Fetch(ctx context.Context, q Query, field string) (*Matrix, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, ok := p.fields[strings.ToLower(field)]
	if !ok {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDataUnavailable, "panel data unavailable",
			fmt.Sprintf("unknown field %q", field), nil)
	}

	var dateIdx []int
	for d, date := range p.dates {
		if (!q.Start.IsZero() && date.Before(q.Start)) || (!q.End.IsZero() && date.After(q.End)) {
			continue
		}
		dateIdx = append(dateIdx, d)
	}
	if len(dateIdx) == 0 {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDataUnavailable, "panel data unavailable",
			"no dates in requested range", nil)
	}

	symbols := q.Symbols
	if len(symbols) == 0 {
		symbols = p.symbols
	}
	rowOf := make(map[string]int, len(p.symbols))
	for i, s := range p.symbols {
		rowOf[s] = i
	}

	dates := make([]time.Time, len(dateIdx))
	for i, d := range dateIdx {
		dates[i] = p.dates[d]
	}
	out := NewMatrix(symbols, dates)
	for s, sym := range symbols {
		r, ok := rowOf[sym]
		if !ok {
			continue
		}
		for i, d := range dateIdx {
			out.Values[s][i] = src.Values[r][d]
		}
	}
	return out, nil
}
