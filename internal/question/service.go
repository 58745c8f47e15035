package question

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrExamNotFound = errors.New("exam not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotExamOwner = errors.New("exam belongs to another teacher")
)

const defaultPassingScore = 50

// Service is the question bank: exams with their ordered questions and options.
// Exams are treated as immutable once published.
type Service struct {
	db  *sql.DB
	now func() time.Time
}

type ExamInput struct {
	TeacherID           int64               `json:"teacher_id" yaml:"teacher_id"`
	GradeID             *int64              `json:"grade_id" yaml:"grade_id"`
	SubjectID           *int64              `json:"subject_id" yaml:"subject_id"`
	Title               string              `json:"title" yaml:"title"`
	ExamDate            time.Time           `json:"exam_date" yaml:"exam_date"`
	DurationMinutes     *int                `json:"duration_minutes" yaml:"duration_minutes"`
	EndDate             *time.Time          `json:"end_date" yaml:"end_date"`
	PassingScore        *int64              `json:"passing_score" yaml:"passing_score"`
	ResultConfiguration ResultConfiguration `json:"result_configuration" yaml:"result_configuration"`
	// Published defaults to true. An unpublished exam accepts no new
	// executions; executions already started still resume.
	Published           *bool               `json:"published" yaml:"published"`
	Questions           []QuestionInput     `json:"questions" yaml:"questions"`
}

type QuestionInput struct {
	Text     string        `json:"text" yaml:"text"`
	ImageURL string        `json:"image_url" yaml:"image_url"`
	Marks    int64         `json:"marks" yaml:"marks"`
	Type     Type          `json:"type" yaml:"type"`
	Options  []OptionInput `json:"options" yaml:"options"`
}

type OptionInput struct {
	Text      string `json:"text" yaml:"text"`
	ImageURL  string `json:"image_url" yaml:"image_url"`
	IsCorrect bool   `json:"is_correct" yaml:"is_correct"`
}

type queryable interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const examColumns = `id, teacher_id, grade_id, subject_id, title, exam_date, duration_minutes,
	end_date, total_marks, passing_score, result_configuration, published, created_at`

func scanExam(row interface{ Scan(dest ...any) error }) (*Exam, error) {
	var (
		e         Exam
		gradeID   sql.NullInt64
		subjectID sql.NullInt64
		duration  sql.NullInt64
		endDate   sql.NullTime
		cfg       string
	)
	if err := row.Scan(&e.ID, &e.TeacherID, &gradeID, &subjectID, &e.Title, &e.ExamDate, &duration,
		&endDate, &e.TotalMarks, &e.PassingScore, &cfg, &e.Published, &e.CreatedAt); err != nil {
		return nil, err
	}
	if gradeID.Valid {
		e.GradeID = &gradeID.Int64
	}
	if subjectID.Valid {
		e.SubjectID = &subjectID.Int64
	}
	if duration.Valid {
		d := int(duration.Int64)
		e.DurationMinutes = &d
	}
	if endDate.Valid {
		t := endDate.Time
		e.EndDate = &t
	}
	e.ResultConfiguration = ResultConfiguration(cfg)
	return &e, nil
}

func (s *Service) GetExam(ctx context.Context, examID int64) (*Exam, error) {
	return getExam(ctx, s.db, examID)
}

func getExam(ctx context.Context, q queryable, examID int64) (*Exam, error) {
	row := q.QueryRowContext(ctx, `SELECT `+examColumns+` FROM exams WHERE id = $1`, examID)
	e, err := scanExam(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("load exam: %w", err)
	}
	return e, nil
}

// ListQuestions returns the exam's questions ordered by sort order, each with
// its options. Callers that face students must project through StudentView.
func (s *Service) ListQuestions(ctx context.Context, examID int64) ([]Question, error) {
	return listQuestions(ctx, s.db, examID)
}

func listQuestions(ctx context.Context, q queryable, examID int64) ([]Question, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, exam_id, text, image_url, marks, question_type, sort_order
		FROM questions
		WHERE exam_id = $1
		ORDER BY sort_order ASC, id ASC
	`, examID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	out := make([]Question, 0)
	index := make(map[int64]int)
	for rows.Next() {
		var it Question
		var qt string
		if err := rows.Scan(&it.ID, &it.ExamID, &it.Text, &it.ImageURL, &it.Marks, &qt, &it.SortOrder); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan question: %w", err)
		}
		it.Type = Type(qt)
		it.Options = make([]Option, 0)
		index[it.ID] = len(out)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	_ = rows.Close()

	if len(out) == 0 {
		return out, nil
	}

	optRows, err := q.QueryContext(ctx, `
		SELECT o.id, o.question_id, o.text, o.image_url, o.is_correct, o.sort_order
		FROM question_options o
		JOIN questions q ON q.id = o.question_id
		WHERE q.exam_id = $1
		ORDER BY o.question_id ASC, o.sort_order ASC, o.id ASC
	`, examID)
	if err != nil {
		return nil, fmt.Errorf("list options: %w", err)
	}
	defer optRows.Close()

	for optRows.Next() {
		var o Option
		if err := optRows.Scan(&o.ID, &o.QuestionID, &o.Text, &o.ImageURL, &o.IsCorrect, &o.SortOrder); err != nil {
			return nil, fmt.Errorf("scan option: %w", err)
		}
		if i, ok := index[o.QuestionID]; ok {
			out[i].Options = append(out[i].Options, o)
		}
	}
	if err := optRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate options: %w", err)
	}
	return out, nil
}

func (s *Service) CreateExam(ctx context.Context, in ExamInput) (*Exam, error) {
	if err := validateExamInput(&in); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, q := range in.Questions {
		total += q.Marks
	}

	var examID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO exams (
			teacher_id, grade_id, subject_id, title, exam_date, duration_minutes,
			end_date, total_marks, passing_score, result_configuration, published, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`, in.TeacherID, nullInt64Ptr(in.GradeID), nullInt64Ptr(in.SubjectID), in.Title, in.ExamDate.UTC(),
		nullIntPtr(in.DurationMinutes), nullTimePtr(in.EndDate), total, *in.PassingScore,
		string(in.ResultConfiguration), *in.Published, s.now()).Scan(&examID)
	if err != nil {
		return nil, fmt.Errorf("insert exam: %w", err)
	}

	for i, q := range in.Questions {
		if err := insertQuestion(ctx, tx, examID, i+1, q); err != nil {
			return nil, err
		}
	}

	out, err := getExam(ctx, tx, examID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return out, nil
}

func insertQuestion(ctx context.Context, tx *sql.Tx, examID int64, sortOrder int, q QuestionInput) error {
	var questionID int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO questions (exam_id, text, image_url, marks, question_type, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, examID, q.Text, q.ImageURL, q.Marks, string(q.Type), sortOrder).Scan(&questionID)
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	for j, o := range q.Options {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO question_options (question_id, text, image_url, is_correct, sort_order)
			VALUES ($1, $2, $3, $4, $5)
		`, questionID, o.Text, o.ImageURL, o.IsCorrect, j+1); err != nil {
			return fmt.Errorf("insert question option: %w", err)
		}
	}
	return nil
}

// DuplicateExam copies an exam with all questions and options to a new exam
// date. The end date, when set, moves by the same offset as the exam date.
func (s *Service) DuplicateExam(ctx context.Context, examID, teacherID int64, newDate time.Time) (*Exam, error) {
	if newDate.IsZero() {
		return nil, fmt.Errorf("%w: exam_date is required", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	src, err := getExam(ctx, tx, examID)
	if err != nil {
		return nil, err
	}
	if src.TeacherID != teacherID {
		return nil, ErrNotExamOwner
	}
	questions, err := listQuestions(ctx, tx, examID)
	if err != nil {
		return nil, err
	}

	newDate = newDate.UTC()
	var endDate *time.Time
	if src.EndDate != nil {
		shifted := src.EndDate.Add(newDate.Sub(src.ExamDate))
		endDate = &shifted
	}

	var copyID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO exams (
			teacher_id, grade_id, subject_id, title, exam_date, duration_minutes,
			end_date, total_marks, passing_score, result_configuration, published, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, $11)
		RETURNING id
	`, src.TeacherID, nullInt64Ptr(src.GradeID), nullInt64Ptr(src.SubjectID), src.Title+" (Copy)", newDate,
		nullIntPtr(src.DurationMinutes), nullTimePtr(endDate), src.TotalMarks, src.PassingScore,
		string(src.ResultConfiguration), s.now()).Scan(&copyID)
	if err != nil {
		return nil, fmt.Errorf("insert exam copy: %w", err)
	}

	for i, q := range questions {
		in := QuestionInput{Text: q.Text, ImageURL: q.ImageURL, Marks: q.Marks, Type: q.Type}
		for _, o := range q.Options {
			in.Options = append(in.Options, OptionInput{Text: o.Text, ImageURL: o.ImageURL, IsCorrect: o.IsCorrect})
		}
		if err := insertQuestion(ctx, tx, copyID, i+1, in); err != nil {
			return nil, err
		}
	}

	out, err := getExam(ctx, tx, copyID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return out, nil
}

func validateExamInput(in *ExamInput) error {
	in.Title = strings.TrimSpace(in.Title)
	if in.TeacherID <= 0 {
		return fmt.Errorf("%w: teacher_id is required", ErrInvalidInput)
	}
	if in.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if in.ExamDate.IsZero() {
		return fmt.Errorf("%w: exam_date is required", ErrInvalidInput)
	}
	if in.DurationMinutes == nil && in.EndDate == nil {
		return fmt.Errorf("%w: duration_minutes or end_date is required", ErrInvalidInput)
	}
	if in.DurationMinutes != nil && *in.DurationMinutes <= 0 {
		return fmt.Errorf("%w: duration_minutes must be > 0", ErrInvalidInput)
	}
	if in.EndDate != nil {
		if !in.EndDate.After(in.ExamDate) {
			return fmt.Errorf("%w: end_date must be after exam_date", ErrInvalidInput)
		}
		t := in.EndDate.UTC()
		in.EndDate = &t
	}
	if in.PassingScore == nil {
		v := int64(defaultPassingScore)
		in.PassingScore = &v
	}
	if *in.PassingScore < 0 {
		return fmt.Errorf("%w: passing_score cannot be negative", ErrInvalidInput)
	}
	if in.ResultConfiguration == "" {
		in.ResultConfiguration = ResultManual
	}
	in.ResultConfiguration = ResultConfiguration(strings.ToUpper(string(in.ResultConfiguration)))
	if !in.ResultConfiguration.Valid() {
		return fmt.Errorf("%w: result_configuration must be MANUAL or AUTOMATIC", ErrInvalidInput)
	}
	if in.Published == nil {
		v := true
		in.Published = &v
	}
	if len(in.Questions) == 0 {
		return fmt.Errorf("%w: at least one question is required", ErrInvalidInput)
	}

	for i := range in.Questions {
		q := &in.Questions[i]
		q.Text = strings.TrimSpace(q.Text)
		if q.Type == "" {
			q.Type = SingleChoice
		}
		if q.Type != SingleChoice {
			return fmt.Errorf("%w: question %d: unsupported type %s", ErrInvalidInput, i+1, q.Type)
		}
		if q.Text == "" {
			return fmt.Errorf("%w: question %d: text is required", ErrInvalidInput, i+1)
		}
		if q.Marks < 0 {
			return fmt.Errorf("%w: question %d: marks cannot be negative", ErrInvalidInput, i+1)
		}
		if len(q.Options) < 2 {
			return fmt.Errorf("%w: question %d: at least two options are required", ErrInvalidInput, i+1)
		}
		correct := 0
		for _, o := range q.Options {
			if strings.TrimSpace(o.Text) == "" && strings.TrimSpace(o.ImageURL) == "" {
				return fmt.Errorf("%w: question %d: option needs text or image", ErrInvalidInput, i+1)
			}
			if o.IsCorrect {
				correct++
			}
		}
		if correct != 1 {
			return fmt.Errorf("%w: question %d: exactly one correct option is required", ErrInvalidInput, i+1)
		}
	}
	return nil
}

func nullInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTimePtr(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC()
}
