package report

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidGrade   = errors.New("invalid grade")
	ErrResultNotFound = errors.New("result not found")
)

type ResultStatus string

const (
	StatusPending   ResultStatus = "PENDING"
	StatusCompleted ResultStatus = "COMPLETED"
	StatusFailed    ResultStatus = "FAILED"
	StatusLate      ResultStatus = "LATE"
)

// Result is the reporting projection of one student's standing on one exam.
// Auto-graded rows are rebuilt from executions; manual rows come from staff.
type Result struct {
	ID          int64               `json:"id"`
	ExamID      int64               `json:"exam_id"`
	ExamTitle   string              `json:"exam_title,omitempty"`
	StudentID   int64               `json:"student_id"`
	StudentName string              `json:"student_name,omitempty"`
	Grade       decimal.NullDecimal `json:"grade"`
	Status      ResultStatus        `json:"status"`
	SubmittedAt *time.Time          `json:"submitted_at,omitempty"`
	GradedAt    *time.Time          `json:"graded_at,omitempty"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

type Stats struct {
	TotalStudents  int                 `json:"total_students"`
	GradedStudents int                 `json:"graded_students"`
	AverageGrade   decimal.NullDecimal `json:"average_grade"`
}

type ExamResults struct {
	ExamID  int64    `json:"exam_id"`
	Results []Result `json:"results"`
	Stats
}
