// Package panel holds per-symbol, per-date panel data and the providers that
// supply it to factor execution.
package panel

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Matrix is a symbol × date grid of values. Values[s][d] is the value of
// Symbols[s] on Dates[d]; NaN marks a missing value.
type Matrix struct {
	Symbols []string
	Dates   []time.Time
	Values  [][]float64
}

// NewMatrix allocates a matrix with every value missing
func NewMatrix(symbols []string, dates []time.Time) *Matrix {
	m := &Matrix{
		Symbols: append([]string(nil), symbols...),
		Dates:   append([]time.Time(nil), dates...),
		Values:  make([][]float64, len(symbols)),
	}
	for s := range m.Values {
		row := make([]float64, len(dates))
		for d := range row {
			row[d] = math.NaN()
		}
		m.Values[s] = row
	}
	return m
}

// Shape returns (symbols, dates)
func (m *Matrix) Shape() (int, int) {
	return len(m.Symbols), len(m.Dates)
}

// Row returns the series of symbol index s; callers must not modify it
func (m *Matrix) Row(s int) []float64 {
	return m.Values[s]
}

// Column copies the cross-section at date index d
func (m *Matrix) Column(d int) []float64 {
	col := make([]float64, len(m.Symbols))
	for s := range m.Values {
		col[s] = m.Values[s][d]
	}
	return col
}

// SetColumn writes a cross-section at date index d
func (m *Matrix) SetColumn(d int, col []float64) {
	for s := range m.Values {
		m.Values[s][d] = col[s]
	}
}

// SameIndex reports whether o has identical symbols and dates
func (m *Matrix) SameIndex(o *Matrix) bool {
	if len(m.Symbols) != len(o.Symbols) || len(m.Dates) != len(o.Dates) {
		return false
	}
	for i := range m.Symbols {
		if m.Symbols[i] != o.Symbols[i] {
			return false
		}
	}
	for i := range m.Dates {
		if !m.Dates[i].Equal(o.Dates[i]) {
			return false
		}
	}
	return true
}

// Valid counts non-missing values
func (m *Matrix) Valid() int {
	n := 0
	for _, row := range m.Values {
		for _, v := range row {
			if !math.IsNaN(v) {
				n++
			}
		}
	}
	return n
}

// AllMissing reports whether the matrix carries no value at all
func (m *Matrix) AllMissing() bool {
	return m.Valid() == 0
}

// Clone deep-copies the matrix
func (m *Matrix) Clone() *Matrix {
	c := &Matrix{
		Symbols: append([]string(nil), m.Symbols...),
		Dates:   append([]time.Time(nil), m.Dates...),
		Values:  make([][]float64, len(m.Values)),
	}
	for s, row := range m.Values {
		c.Values[s] = append([]float64(nil), row...)
	}
	return c
}

type matrixJSON struct {
	Symbols []string     `json:"symbols"`
	Dates   []time.Time  `json:"dates"`
	Values  [][]*float64 `json:"values"`
}

// MarshalJSON encodes missing values as null
func (m *Matrix) MarshalJSON() ([]byte, error) {
	out := matrixJSON{Symbols: m.Symbols, Dates: m.Dates, Values: make([][]*float64, len(m.Values))}
	for s, row := range m.Values {
		enc := make([]*float64, len(row))
		for d, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			v := v
			enc[d] = &v
		}
		out.Values[s] = enc
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes null as a missing value
func (m *Matrix) UnmarshalJSON(data []byte) error {
	var in matrixJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if len(in.Values) != len(in.Symbols) {
		return fmt.Errorf("matrix has %d rows for %d symbols", len(in.Values), len(in.Symbols))
	}
	m.Symbols, m.Dates = in.Symbols, in.Dates
	m.Values = make([][]float64, len(in.Values))
	for s, row := range in.Values {
		if len(row) != len(in.Dates) {
			return fmt.Errorf("matrix row %d has %d values for %d dates", s, len(row), len(in.Dates))
		}
		dec := make([]float64, len(row))
		for d, v := range row {
			if v == nil {
				dec[d] = math.NaN()
				continue
			}
			dec[d] = *v
		}
		m.Values[s] = dec
	}
	return nil
}
