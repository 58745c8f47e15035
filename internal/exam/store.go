package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Store persists executions. Implementations must enforce one row per
// (exam, student) and make the terminal write a compare-and-set on
// IN_PROGRESS.
type Store interface {
	FindByExamAndStudent(ctx context.Context, examID, studentID int64) (*Execution, error)
	Get(ctx context.Context, executionID int64) (*Execution, error)
	Create(ctx context.Context, examID, studentID int64, startedAt time.Time) (*Execution, bool, error)
	Complete(ctx context.Context, executionID int64, status ExecutionStatus, score int64, answers Answers, submittedAt time.Time) (bool, error)
	MarkResultSynced(ctx context.Context, executionID int64, at time.Time) error
	ListUnsynced(ctx context.Context, afterID int64, limit int) ([]Execution, error)
	ListTerminalByExam(ctx context.Context, examID int64) ([]Execution, error)
	CountByStatus(ctx context.Context) (map[ExecutionStatus]int64, error)
}

type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const executionColumns = `id, exam_id, student_id, status, started_at, submitted_at, score, answers, result_synced_at`

type executionRow struct {
	ID             int64
	ExamID         int64
	StudentID      int64
	Status         string
	StartedAt      time.Time
	SubmittedAt    sql.NullTime
	Score          sql.NullInt64
	Answers        string
	ResultSyncedAt sql.NullTime
}

func scanExecution(row interface{ Scan(dest ...any) error }) (*Execution, error) {
	var r executionRow
	if err := row.Scan(&r.ID, &r.ExamID, &r.StudentID, &r.Status, &r.StartedAt, &r.SubmittedAt,
		&r.Score, &r.Answers, &r.ResultSyncedAt); err != nil {
		return nil, err
	}
	return r.toExecution()
}

func (r executionRow) toExecution() (*Execution, error) {
	out := &Execution{
		ID:        r.ID,
		ExamID:    r.ExamID,
		StudentID: r.StudentID,
		Status:    ExecutionStatus(r.Status),
		StartedAt: r.StartedAt,
	}
	if r.SubmittedAt.Valid {
		t := r.SubmittedAt.Time
		out.SubmittedAt = &t
	}
	if r.Score.Valid {
		v := r.Score.Int64
		out.Score = &v
	}
	if r.ResultSyncedAt.Valid {
		t := r.ResultSyncedAt.Time
		out.ResultSyncedAt = &t
	}
	answers, err := decodeAnswers(r.Answers)
	if err != nil {
		return nil, fmt.Errorf("decode answers of execution %d: %w", r.ID, err)
	}
	out.Answers = answers
	return out, nil
}

func (s *SQLStore) FindByExamAndStudent(ctx context.Context, examID, studentID int64) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM exam_executions
		WHERE exam_id = $1 AND student_id = $2
	`, examID, studentID)
	ex, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("query execution: %w", err)
	}
	return ex, nil
}

func (s *SQLStore) Get(ctx context.Context, executionID int64) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM exam_executions
		WHERE id = $1
	`, executionID)
	ex, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("load execution: %w", err)
	}
	return ex, nil
}

// Create inserts an IN_PROGRESS execution. When another request already
// created the row the insert is a no-op and the existing row is returned with
// created=false.
func (s *SQLStore) Create(ctx context.Context, examID, studentID int64, startedAt time.Time) (*Execution, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO exam_executions (exam_id, student_id, status, started_at, answers)
		VALUES ($1, $2, $3, $4, '{}')
		ON CONFLICT (exam_id, student_id) DO NOTHING
	`, examID, studentID, string(StatusInProgress), startedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert execution rows affected: %w", err)
	}

	ex, err := s.FindByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		return nil, false, err
	}
	return ex, n == 1, nil
}

// Complete performs the single terminal transition. It returns false when
// the row was no longer IN_PROGRESS, meaning a concurrent submit won.
func (s *SQLStore) Complete(ctx context.Context, executionID int64, status ExecutionStatus, score int64, answers Answers, submittedAt time.Time) (bool, error) {
	if !CanTransition(StatusInProgress, status) {
		return false, fmt.Errorf("%w: cannot move to %s", ErrInvalidExecutionState, status)
	}
	raw, err := encodeAnswers(answers)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE exam_executions
		SET status = $2, score = $3, answers = $4, submitted_at = $5
		WHERE id = $1 AND status = $6
	`, executionID, string(status), score, raw, submittedAt, string(StatusInProgress))
	if err != nil {
		return false, fmt.Errorf("complete execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete execution rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) MarkResultSynced(ctx context.Context, executionID int64, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE exam_executions SET result_synced_at = $2 WHERE id = $1
	`, executionID, at); err != nil {
		return fmt.Errorf("mark result synced: %w", err)
	}
	return nil
}

// ListUnsynced returns up to limit terminal executions with an id above
// afterID whose Result has not been written, in id order.
func (s *SQLStore) ListUnsynced(ctx context.Context, afterID int64, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.list(ctx, `
		SELECT `+executionColumns+`
		FROM exam_executions
		WHERE status IN ($1, $2) AND result_synced_at IS NULL AND id > $3
		ORDER BY id ASC
		LIMIT $4
	`, string(StatusCompleted), string(StatusExpired), afterID, limit)
}

func (s *SQLStore) ListTerminalByExam(ctx context.Context, examID int64) ([]Execution, error) {
	return s.list(ctx, `
		SELECT `+executionColumns+`
		FROM exam_executions
		WHERE exam_id = $1 AND status IN ($2, $3)
		ORDER BY id ASC
	`, examID, string(StatusCompleted), string(StatusExpired))
}

func (s *SQLStore) list(ctx context.Context, query string, args ...any) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := make([]Execution, 0)
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) CountByStatus(ctx context.Context) (map[ExecutionStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM exam_executions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	defer rows.Close()

	out := make(map[ExecutionStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan execution count: %w", err)
		}
		out[ExecutionStatus(status)] = n
	}
	return out, rows.Err()
}

func encodeAnswers(a Answers) (string, error) {
	raw := make(map[string]int64, len(a))
	for q, o := range a {
		raw[strconv.FormatInt(q, 10)] = o
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("encode answers: %w", err)
	}
	return string(b), nil
}

func decodeAnswers(raw string) (Answers, error) {
	if raw == "" {
		return Answers{}, nil
	}
	var m map[string]int64
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	out := make(Answers, len(m))
	for k, v := range m {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("answer key %q: %w", k, err)
		}
		out[id] = v
	}
	return out, nil
}
