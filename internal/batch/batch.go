// Package batch reads and writes factor batch files: CSV with the header
// factor_name,factor_expression and an optional factor_description column.
package batch

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/types"
)

const (
	ColumnName        = "factor_name"
	ColumnExpression  = "factor_expression"
	ColumnDescription = "factor_description"
)

// ReadFile reads a factor batch from path
func ReadFile(path string) ([]types.FactorTask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "failed to open factor batch", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses a factor batch. Rows with an empty expression are skipped;
// expressions are not parsed here.
func Read(r io.Reader) ([]types.FactorTask, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, invalid("failed to read header", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	nameCol, ok := col[ColumnName]
	if !ok {
		return nil, invalid(fmt.Sprintf("header missing %q", ColumnName), nil)
	}
	exprCol, ok := col[ColumnExpression]
	if !ok {
		return nil, invalid(fmt.Sprintf("header missing %q", ColumnExpression), nil)
	}
	descCol, hasDesc := col[ColumnDescription]

	var tasks []types.FactorTask
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, invalid(fmt.Sprintf("line %d", line), err)
		}
		field := func(i int) string {
			if i < len(record) {
				return strings.TrimSpace(record[i])
			}
			return ""
		}
		task := types.FactorTask{Name: field(nameCol), Expression: field(exprCol)}
		if task.Expression == "" {
			continue
		}
		if task.Name == "" {
			task.Name = fmt.Sprintf("factor_%d", line-1)
		}
		if hasDesc {
			task.Description = field(descCol)
		}
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		return nil, apperrors.NewAppError(apperrors.ErrCodeEmptyFactorBatch, "factor batch has no factors", nil)
	}
	return tasks, nil
}

// Write emits tasks as a factor batch with a description column
func Write(w io.Writer, tasks []types.FactorTask) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{ColumnName, ColumnExpression, ColumnDescription}); err != nil {
		return err
	}
	for _, t := range tasks {
		if err := cw.Write([]string{t.Name, t.Expression, t.Description}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func invalid(details string, cause error) error {
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidInput, "invalid factor batch", details, cause)
}
