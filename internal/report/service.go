package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"examengine/internal/auth"
	"examengine/internal/exam"
	"examengine/internal/i18n"
	"examengine/internal/masterdata"
	"examengine/internal/notify"
	"examengine/internal/question"

	"github.com/shopspring/decimal"
)

type examLookup interface {
	GetExam(ctx context.Context, examID int64) (*question.Exam, error)
}

type roster interface {
	Get(ctx context.Context, id int64) (*masterdata.Person, error)
	GuardianOf(ctx context.Context, studentID int64) (*masterdata.Person, error)
	StudentsInGrade(ctx context.Context, gradeID int64) ([]masterdata.Person, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, msg notify.Message)
}

type Service struct {
	store    *SQLStore
	exams    examLookup
	roster   roster
	notifier dispatcher
	now      func() time.Time
	log      *slog.Logger
}

type Option func(*Service)

func WithRoster(r roster) Option {
	return func(s *Service) { s.roster = r }
}

func WithNotifier(d dispatcher) Option {
	return func(s *Service) { s.notifier = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func NewService(store *SQLStore, exams examLookup, opts ...Option) *Service {
	s := &Service{
		store: store,
		exams: exams,
		now:   func() time.Time { return time.Now().UTC() },
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type GradeReport struct {
	Updated  int      `json:"updated"`
	Notified int      `json:"notified"`
	Results  []Result `json:"results"`
}

// ExamResults returns every Result of an exam with its statistics, marking
// ungraded rows LATE first when the exam window has closed.
func (s *Service) ExamResults(ctx context.Context, examID int64) (*ExamResults, error) {
	e, err := s.exams.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if err := s.markLateIfClosed(ctx, e); err != nil {
		return nil, err
	}
	rows, err := s.store.ListByExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	return &ExamResults{ExamID: examID, Results: rows, Stats: Aggregate(rows)}, nil
}

func (s *Service) StudentResults(ctx context.Context, studentID int64) ([]Result, error) {
	rows, err := s.store.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}

	checked := make(map[int64]bool)
	changed := false
	for _, r := range rows {
		if r.Status != StatusPending || checked[r.ExamID] {
			continue
		}
		checked[r.ExamID] = true
		e, err := s.exams.GetExam(ctx, r.ExamID)
		if err != nil {
			return nil, err
		}
		closed, err := s.closed(e)
		if err != nil || !closed {
			continue
		}
		if _, err := s.store.MarkLate(ctx, e.ID, s.now()); err != nil {
			return nil, err
		}
		changed = true
	}
	if !changed {
		return rows, nil
	}
	return s.store.ListByStudent(ctx, studentID)
}

// EnterGrades applies staff grades. The whole batch is validated before any
// row is written. A parent is notified the first time their child's grade is
// set.
func (s *Service) EnterGrades(ctx context.Context, examID int64, grades map[int64]decimal.Decimal) (*GradeReport, error) {
	e, err := s.exams.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if len(grades) == 0 {
		return nil, fmt.Errorf("%w: no grades given", ErrInvalidGrade)
	}

	studentIDs := make([]int64, 0, len(grades))
	for id, g := range grades {
		if id <= 0 {
			return nil, fmt.Errorf("%w: student id %d", ErrInvalidGrade, id)
		}
		if g.IsNegative() {
			return nil, fmt.Errorf("%w: grade for student %d is negative", ErrInvalidGrade, id)
		}
		studentIDs = append(studentIDs, id)
	}
	sort.Slice(studentIDs, func(i, j int) bool { return studentIDs[i] < studentIDs[j] })

	if s.roster != nil {
		for _, id := range studentIDs {
			p, err := s.roster.Get(ctx, id)
			if errors.Is(err, masterdata.ErrPersonNotFound) {
				return nil, fmt.Errorf("%w: %d", exam.ErrStudentNotFound, id)
			}
			if err != nil {
				return nil, err
			}
			if p.Role != auth.RoleStudent {
				return nil, fmt.Errorf("%w: %d", exam.ErrStudentNotFound, id)
			}
		}
	}

	passing := decimal.NewFromInt(e.PassingScore)
	out := &GradeReport{Results: make([]Result, 0, len(studentIDs))}
	for _, id := range studentIDs {
		g := grades[id]
		status := StatusCompleted
		if g.LessThan(passing) {
			status = StatusFailed
		}

		first, err := s.store.SetManualGrade(ctx, examID, id, g, status, s.now())
		if err != nil {
			return nil, err
		}
		out.Updated++
		if first && s.notifyGuardian(ctx, e, id, g, status) {
			out.Notified++
		}

		r, err := s.store.Get(ctx, examID, id)
		if err != nil {
			return nil, err
		}
		out.Results = append(out.Results, *r)
	}
	s.log.Info("grades entered", "exam_id", examID, "updated", out.Updated, "notified", out.Notified)
	return out, nil
}

// notifyGuardian fires the result notification and reports whether one was
// queued. Lookup failures are logged and never fail grading.
func (s *Service) notifyGuardian(ctx context.Context, e *question.Exam, studentID int64, g decimal.Decimal, status ResultStatus) bool {
	if s.roster == nil || s.notifier == nil {
		return false
	}
	parent, err := s.roster.GuardianOf(ctx, studentID)
	if err != nil {
		s.log.Warn("notify: guardian lookup failed", "student_id", studentID, "error", err)
		return false
	}
	if parent == nil {
		return false
	}
	student, err := s.roster.Get(ctx, studentID)
	if err != nil {
		s.log.Warn("notify: student lookup failed", "student_id", studentID, "error", err)
		return false
	}

	data := map[string]any{
		"StudentName": student.FullName,
		"ExamTitle":   e.Title,
		"Grade":       g.String(),
		"Status":      string(status),
	}
	msg := notify.NewMessage(parent.ID, parent.Email,
		i18n.TLang(parent.Locale, "notify_result_title", data),
		i18n.TLang(parent.Locale, "notify_result_body", data),
		notify.CategoryExamResult,
	)
	s.notifier.Dispatch(ctx, msg)
	return true
}

// InitializePending creates PENDING results for the exam's grade roster.
func (s *Service) InitializePending(ctx context.Context, examID int64) (int, error) {
	e, err := s.exams.GetExam(ctx, examID)
	if err != nil {
		return 0, err
	}
	if e.GradeID == nil || s.roster == nil {
		return 0, nil
	}
	students, err := s.roster.StudentsInGrade(ctx, *e.GradeID)
	if err != nil {
		return 0, err
	}
	ids := make([]int64, 0, len(students))
	for _, p := range students {
		ids = append(ids, p.ID)
	}
	n, err := s.store.InsertPending(ctx, examID, ids, s.now())
	if err != nil {
		return 0, err
	}
	s.log.Info("pending results initialized", "exam_id", examID, "created", n)
	return n, nil
}

func (s *Service) markLateIfClosed(ctx context.Context, e *question.Exam) error {
	closed, err := s.closed(e)
	if err != nil || !closed {
		return nil
	}
	n, err := s.store.MarkLate(ctx, e.ID, s.now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("results marked late", "exam_id", e.ID, "count", n)
	}
	return nil
}

func (s *Service) closed(e *question.Exam) (bool, error) {
	end, err := exam.ResolveEffectiveEnd(e)
	if err != nil {
		s.log.Error("exam misconfigured", "exam_id", e.ID, "error", err)
		return false, err
	}
	return s.now().After(end), nil
}
