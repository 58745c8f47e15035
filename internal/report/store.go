package report

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"examengine/internal/exam"

	"github.com/shopspring/decimal"
)

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func scanResult(row interface{ Scan(dest ...any) error }) (*Result, error) {
	var (
		r           Result
		status      string
		submittedAt sql.NullTime
		gradedAt    sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.ExamID, &r.ExamTitle, &r.StudentID, &r.StudentName, &r.Grade, &status,
		&submittedAt, &gradedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = ResultStatus(status)
	if submittedAt.Valid {
		t := submittedAt.Time
		r.SubmittedAt = &t
	}
	if gradedAt.Valid {
		t := gradedAt.Time
		r.GradedAt = &t
	}
	return &r, nil
}

const resultSelect = `
	SELECT r.id, r.exam_id, e.title, r.student_id, COALESCE(u.full_name, ''), r.grade, r.status,
		r.submitted_at, r.graded_at, r.updated_at
	FROM exam_results r
	JOIN exams e ON e.id = r.exam_id
	LEFT JOIN users u ON u.id = r.student_id`

// UpsertAutoGraded writes the result of a closed execution, replacing any
// earlier projection of the same (exam, student).
func (s *SQLStore) UpsertAutoGraded(ctx context.Context, examID, studentID int64, grade decimal.Decimal, submittedAt *time.Time, now time.Time) error {
	var submitted any
	if submittedAt != nil {
		submitted = *submittedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exam_results (exam_id, student_id, grade, status, submitted_at, graded_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (exam_id, student_id) DO UPDATE SET
			grade = excluded.grade,
			status = excluded.status,
			submitted_at = excluded.submitted_at,
			graded_at = excluded.graded_at,
			updated_at = excluded.updated_at
	`, examID, studentID, grade, string(StatusCompleted), submitted, now)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// SetManualGrade records a staff-entered grade. first reports whether the
// row had no grade before this call.
func (s *SQLStore) SetManualGrade(ctx context.Context, examID, studentID int64, grade decimal.Decimal, status ResultStatus, now time.Time) (first bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO exam_results (exam_id, student_id, status, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (exam_id, student_id) DO NOTHING
	`, examID, studentID, string(StatusPending), now); err != nil {
		return false, fmt.Errorf("ensure result row: %w", err)
	}

	// grade IS NULL makes the first grading a compare-and-set, so only one
	// concurrent caller sees first=true.
	res, err := tx.ExecContext(ctx, `
		UPDATE exam_results
		SET grade = $3, status = $4, graded_at = $5, updated_at = $5
		WHERE exam_id = $1 AND student_id = $2 AND grade IS NULL
	`, examID, studentID, grade, string(status), now)
	if err != nil {
		return false, fmt.Errorf("set first grade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set first grade rows affected: %w", err)
	}
	first = n == 1

	if !first {
		if _, err := tx.ExecContext(ctx, `
			UPDATE exam_results
			SET grade = $3, status = $4, graded_at = $5, updated_at = $5
			WHERE exam_id = $1 AND student_id = $2
		`, examID, studentID, grade, string(status), now); err != nil {
			return false, fmt.Errorf("update grade: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return first, nil
}

// InsertPending creates PENDING rows for students without a result yet and
// returns how many were created.
func (s *SQLStore) InsertPending(ctx context.Context, examID int64, studentIDs []int64, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := 0
	for _, id := range studentIDs {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO exam_results (exam_id, student_id, status, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (exam_id, student_id) DO NOTHING
		`, examID, id, string(StatusPending), now)
		if err != nil {
			return 0, fmt.Errorf("insert pending result: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			created++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return created, nil
}

// MarkLate turns ungraded PENDING rows of a closed exam into LATE. Students
// whose execution is still IN_PROGRESS keep PENDING until it closes.
func (s *SQLStore) MarkLate(ctx context.Context, examID int64, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE exam_results
		SET status = $2, updated_at = $3
		WHERE exam_id = $1 AND status = $4 AND grade IS NULL
			AND NOT EXISTS (
				SELECT 1 FROM exam_executions x
				WHERE x.exam_id = exam_results.exam_id
					AND x.student_id = exam_results.student_id
					AND x.status = $5
			)
	`, examID, string(StatusLate), now, string(StatusPending), string(exam.StatusInProgress))
	if err != nil {
		return 0, fmt.Errorf("mark late: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) ListByExam(ctx context.Context, examID int64) ([]Result, error) {
	return s.list(ctx, resultSelect+`
		WHERE r.exam_id = $1
		ORDER BY COALESCE(u.full_name, ''), r.student_id
	`, examID)
}

func (s *SQLStore) ListByStudent(ctx context.Context, studentID int64) ([]Result, error) {
	return s.list(ctx, resultSelect+`
		WHERE r.student_id = $1
		ORDER BY e.exam_date DESC, r.id DESC
	`, studentID)
}

func (s *SQLStore) Get(ctx context.Context, examID, studentID int64) (*Result, error) {
	rows, err := s.list(ctx, resultSelect+`
		WHERE r.exam_id = $1 AND r.student_id = $2
	`, examID, studentID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrResultNotFound
	}
	return &rows[0], nil
}

func (s *SQLStore) list(ctx context.Context, query string, args ...any) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	out := make([]Result, 0)
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}
