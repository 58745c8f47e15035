package report

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

const exportTimeLayout = "2006-01-02 15:04:05"

// ExportExcel renders an exam's results as a workbook: one row per result
// followed by the summary figures.
func (s *Service) ExportExcel(ctx context.Context, examID int64) ([]byte, error) {
	res, err := s.ExamResults(ctx, examID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)

	headers := []string{"student_id", "student_name", "grade", "status", "submitted_at", "graded_at"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, r := range res.Results {
		row := i + 2
		values := []any{
			r.StudentID,
			r.StudentName,
			nullDecimalCell(r),
			string(r.Status),
			formatTime(r.SubmittedAt),
			formatTime(r.GradedAt),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}

	summaryRow := len(res.Results) + 3
	summary := [][2]any{
		{"total_students", res.TotalStudents},
		{"graded_students", res.GradedStudents},
		{"average_grade", averageCell(res.Stats)},
	}
	for i, kv := range summary {
		label, _ := excelize.CoordinatesToCellName(1, summaryRow+i)
		value, _ := excelize.CoordinatesToCellName(2, summaryRow+i)
		_ = f.SetCellValue(sheet, label, kv[0])
		_ = f.SetCellValue(sheet, value, kv[1])
	}
	_ = f.SetColWidth(sheet, "A", "F", 22)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write excel: %w", err)
	}
	return buf.Bytes(), nil
}

func nullDecimalCell(r Result) any {
	if !r.Grade.Valid {
		return ""
	}
	v, _ := r.Grade.Decimal.Float64()
	return v
}

func averageCell(st Stats) any {
	if !st.AverageGrade.Valid {
		return ""
	}
	v, _ := st.AverageGrade.Decimal.Float64()
	return v
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(exportTimeLayout)
}
