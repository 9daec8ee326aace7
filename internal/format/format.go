// Package format renders the command line's tables.
package format

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Mode 输出格式
type Mode int

const (
	ASCII    Mode = iota // 终端表格
	Markdown             // GitHub 风格 Markdown
)

// Table is a table built row by row and rendered once
type Table struct {
	writer  table.Writer
	mode    Mode
	columns []table.ColumnConfig // SetColumnConfigs 会整体替换，这里保留全部列配置
}

// NewTable creates a table with the given header
func NewTable(m Mode, header ...string) *Table {
	w := table.NewWriter()
	if m == ASCII {
		w.SetStyle(table.StyleLight)
	}
	row := make(table.Row, len(header))
	for i, h := range header {
		row[i] = h
	}
	w.AppendHeader(row)
	return &Table{writer: w, mode: m}
}

// Row appends a row; floats are printed with four decimals
func (t *Table) Row(vals ...any) {
	row := make(table.Row, len(vals))
	for i, v := range vals {
		switch v := v.(type) {
		case float64:
			row[i] = fmt.Sprintf("%.4f", v)
		case time.Time:
			row[i] = v.Format(time.RFC3339)
		default:
			row[i] = v
		}
	}
	t.writer.AppendRow(row)
}

// AlignRight right-aligns the 1-based columns
func (t *Table) AlignRight(cols ...int) {
	t.configure(cols, func(c *table.ColumnConfig) { c.Align = text.AlignRight })
}

// Wrap caps the width of the 1-based column, wrapping longer cells
func (t *Table) Wrap(col, width int) {
	t.configure([]int{col}, func(c *table.ColumnConfig) { c.WidthMax = width })
}

func (t *Table) configure(cols []int, set func(*table.ColumnConfig)) {
	for _, col := range cols {
		i := slices.IndexFunc(t.columns, func(c table.ColumnConfig) bool { return c.Number == col })
		if i < 0 {
			t.columns = append(t.columns, table.ColumnConfig{Number: col})
			i = len(t.columns) - 1
		}
		set(&t.columns[i])
	}
	t.writer.SetColumnConfigs(t.columns)
}

// String renders the table in its mode
func (t *Table) String() string {
	if t.mode == Markdown {
		return t.writer.RenderMarkdown()
	}
	return t.writer.Render()
}

// Render writes the table followed by a newline
func (t *Table) Render(w io.Writer) error {
	_, err := fmt.Fprintln(w, t.String())
	return err
}
