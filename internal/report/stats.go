package report

import "github.com/shopspring/decimal"

// Aggregate summarizes a point-in-time set of results. The average covers
// graded rows only, rounded half-up to two places, and is null when nothing
// is graded.
func Aggregate(rows []Result) Stats {
	out := Stats{TotalStudents: len(rows)}
	sum := decimal.Zero
	for _, r := range rows {
		if !r.Grade.Valid {
			continue
		}
		out.GradedStudents++
		sum = sum.Add(r.Grade.Decimal)
	}
	if out.GradedStudents > 0 {
		out.AverageGrade = decimal.NewNullDecimal(sum.DivRound(decimal.NewFromInt(int64(out.GradedStudents)), 2))
	}
	return out
}
