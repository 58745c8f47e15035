package exam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"examengine/internal/question"
)

type QuestionBank interface {
	GetExam(ctx context.Context, examID int64) (*question.Exam, error)
	ListQuestions(ctx context.Context, examID int64) ([]question.Question, error)
}

type StudentDirectory interface {
	StudentExists(ctx context.Context, studentID int64) (bool, error)
}

// ResultSync projects a terminal execution into the reporting record.
type ResultSync interface {
	SyncExecution(ctx context.Context, ex *Execution) error
}

type Service struct {
	store       Store
	bank        QuestionBank
	students    StudentDirectory
	results     ResultSync
	syncRetries int
	now         func() time.Time
	log         *slog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithStudentDirectory(d StudentDirectory) Option {
	return func(s *Service) { s.students = d }
}

func WithResultSync(r ResultSync, retries int) Option {
	return func(s *Service) {
		s.results = r
		if retries >= 0 {
			s.syncRetries = retries
		}
	}
}

func NewService(store Store, bank QuestionBank, opts ...Option) *Service {
	s := &Service{
		store:       store,
		bank:        bank,
		syncRetries: 2,
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Session is what a student receives when an execution starts or resumes.
type Session struct {
	ExecutionID int64                      `json:"execution_id"`
	ExamID      int64                      `json:"exam_id"`
	StudentID   int64                      `json:"student_id"`
	Title       string                     `json:"title"`
	Status      ExecutionStatus            `json:"status"`
	StartedAt   time.Time                  `json:"started_at"`
	DueAt       time.Time                  `json:"due_at"`
	TotalMarks  int64                      `json:"total_marks"`
	Questions   []question.StudentQuestion `json:"questions"`
}

type Outcome struct {
	ExecutionID  int64           `json:"execution_id"`
	ExamID       int64           `json:"exam_id"`
	StudentID    int64           `json:"student_id"`
	Score        int64           `json:"score"`
	TotalMarks   int64           `json:"total_marks"`
	Status       ExecutionStatus `json:"status"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	FeedbackBand FeedbackBand    `json:"feedback_band"`
	Feedback     string          `json:"feedback,omitempty"`
	// Replayed is true when the outcome was already stored before this call.
	Replayed bool `json:"-"`
}

type ExecutionView struct {
	Execution
	Title            string    `json:"title"`
	TotalMarks       int64     `json:"total_marks"`
	DueAt            time.Time `json:"due_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

type SolutionItem struct {
	Question question.Question `json:"question"`
	Result   ScoreResult       `json:"result"`
}

type Solution struct {
	ExecutionID         int64                        `json:"execution_id"`
	ExamID              int64                        `json:"exam_id"`
	StudentID           int64                        `json:"student_id"`
	Status              ExecutionStatus              `json:"status"`
	Score               int64                        `json:"score"`
	TotalMarks          int64                        `json:"total_marks"`
	ResultConfiguration question.ResultConfiguration `json:"result_configuration"`
	Items               []SolutionItem               `json:"items"`
}

// Start returns the student's execution for the exam, creating it when the
// exam window is open. An existing execution is returned unchanged regardless
// of the window or the exam's published flag.
func (s *Service) Start(ctx context.Context, examID, studentID int64) (*Session, error) {
	exam, err := s.bank.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	ex, err := s.store.FindByExamAndStudent(ctx, examID, studentID)
	switch {
	case err == nil:
		return s.session(ctx, exam, ex)
	case !errors.Is(err, ErrExecutionNotFound):
		return nil, err
	}
	if !exam.Published {
		return nil, ErrExamNotFound
	}

	if s.students != nil {
		ok, err := s.students.StudentExists(ctx, studentID)
		if err != nil {
			return nil, fmt.Errorf("lookup student: %w", err)
		}
		if !ok {
			return nil, ErrStudentNotFound
		}
	}

	now := s.now()
	if err := CheckOpen(exam, now); err != nil {
		if errors.Is(err, ErrExamMisconfigured) {
			s.log.Error("exam misconfigured", "exam_id", exam.ID, "error", err)
		}
		return nil, err
	}

	ex, created, err := s.store.Create(ctx, examID, studentID, now)
	if err != nil {
		return nil, err
	}
	if created {
		s.log.Info("execution started", "execution_id", ex.ID, "exam_id", examID, "student_id", studentID)
	}
	return s.session(ctx, exam, ex)
}

func (s *Service) session(ctx context.Context, exam *question.Exam, ex *Execution) (*Session, error) {
	deadline, err := ResolveDeadline(ex, exam)
	if err != nil {
		s.log.Error("exam misconfigured", "exam_id", exam.ID, "error", err)
		return nil, err
	}
	questions, err := s.bank.ListQuestions(ctx, exam.ID)
	if err != nil {
		return nil, err
	}
	return &Session{
		ExecutionID: ex.ID,
		ExamID:      exam.ID,
		StudentID:   ex.StudentID,
		Title:       exam.Title,
		Status:      ex.Status,
		StartedAt:   ex.StartedAt,
		DueAt:       deadline,
		TotalMarks:  exam.TotalMarks,
		Questions:   question.StudentView(questions),
	}, nil
}

// Submit grades and closes an execution. Late submissions are still scored
// but marked EXPIRED. Submitting an already closed execution returns the
// stored outcome without re-scoring or re-syncing.
func (s *Service) Submit(ctx context.Context, executionID int64, answers Answers) (*Outcome, error) {
	ex, err := s.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	exam, err := s.bank.GetExam(ctx, ex.ExamID)
	if err != nil {
		return nil, err
	}

	if ex.Status.Terminal() {
		return outcomeOf(ex, exam, true), nil
	}
	if ex.Status != StatusInProgress {
		s.log.Error("execution in unknown state", "execution_id", ex.ID, "status", ex.Status)
		return nil, fmt.Errorf("%w: execution %d has status %q", ErrInvalidExecutionState, ex.ID, ex.Status)
	}

	due, err := ResolveDueTime(ex, exam)
	if err != nil {
		s.log.Error("exam misconfigured", "exam_id", exam.ID, "execution_id", ex.ID, "error", err)
		return nil, err
	}
	questions, err := s.bank.ListQuestions(ctx, exam.ID)
	if err != nil {
		return nil, err
	}

	if answers == nil {
		answers = Answers{}
	}
	now := s.now()
	status := StatusCompleted
	if now.After(due) {
		status = StatusExpired
	}
	score := Score(questions, answers)

	won, err := s.store.Complete(ctx, ex.ID, status, score, answers, now)
	if err != nil {
		return nil, err
	}
	if !won {
		latest, err := s.store.Get(ctx, ex.ID)
		if err != nil {
			return nil, err
		}
		if !latest.Status.Terminal() {
			return nil, fmt.Errorf("%w: execution %d has status %q after submit", ErrInvalidExecutionState, latest.ID, latest.Status)
		}
		return outcomeOf(latest, exam, true), nil
	}

	ex.Status = status
	ex.Score = &score
	ex.SubmittedAt = &now
	ex.Answers = answers
	s.log.Info("execution submitted", "execution_id", ex.ID, "exam_id", exam.ID, "student_id", ex.StudentID,
		"status", status, "score", score, "late_by", lateness(now, due))

	s.syncResult(ctx, ex)
	return outcomeOf(ex, exam, false), nil
}

// syncResult writes the Result projection. Failures leave the execution
// unsynced for the reconciliation pass and never fail the submit.
func (s *Service) syncResult(ctx context.Context, ex *Execution) {
	if s.results == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var err error
	for attempt := 0; attempt <= s.syncRetries; attempt++ {
		if err = s.results.SyncExecution(ctx, ex); err == nil {
			return
		}
		s.log.Warn("result sync attempt failed", "execution_id", ex.ID, "attempt", attempt+1, "error", err)
	}
	s.log.Error("result sync failed", "execution_id", ex.ID, "exam_id", ex.ExamID, "error", err)
}

func (s *Service) GetExecution(ctx context.Context, executionID int64) (*ExecutionView, error) {
	ex, err := s.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	exam, err := s.bank.GetExam(ctx, ex.ExamID)
	if err != nil {
		return nil, err
	}
	deadline, err := ResolveDeadline(ex, exam)
	if err != nil {
		s.log.Error("exam misconfigured", "exam_id", exam.ID, "error", err)
		return nil, err
	}

	view := &ExecutionView{Execution: *ex, Title: exam.Title, TotalMarks: exam.TotalMarks, DueAt: deadline}
	if ex.Status == StatusInProgress {
		if rem := deadline.Sub(s.now()); rem > 0 {
			view.RemainingSeconds = int64(rem / time.Second)
		}
	}
	return view, nil
}

// Solution returns the graded questions of a closed execution with the
// answer key. Callers decide who may see it with CanReviewSolution.
func (s *Service) Solution(ctx context.Context, executionID int64) (*Solution, error) {
	ex, err := s.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !ex.Status.Terminal() {
		return nil, ErrSolutionNotReleased
	}
	exam, err := s.bank.GetExam(ctx, ex.ExamID)
	if err != nil {
		return nil, err
	}
	questions, err := s.bank.ListQuestions(ctx, exam.ID)
	if err != nil {
		return nil, err
	}

	out := &Solution{
		ExecutionID:         ex.ID,
		ExamID:              exam.ID,
		StudentID:           ex.StudentID,
		Status:              ex.Status,
		TotalMarks:          exam.TotalMarks,
		ResultConfiguration: exam.ResultConfiguration,
		Items:               make([]SolutionItem, 0, len(questions)),
	}
	if ex.Score != nil {
		out.Score = *ex.Score
	}
	for _, q := range questions {
		out.Items = append(out.Items, SolutionItem{Question: q, Result: ScoreQuestion(q, ex.Answers)})
	}
	return out, nil
}

func (s *Service) Owner(ctx context.Context, executionID int64) (int64, error) {
	ex, err := s.store.Get(ctx, executionID)
	if err != nil {
		return 0, err
	}
	return ex.StudentID, nil
}

// CanReviewSolution applies the exam's release policy. Staff always see
// solutions; students and parents only once the exam releases them
// automatically.
func CanReviewSolution(staff bool, cfg question.ResultConfiguration, status ExecutionStatus) bool {
	if !status.Terminal() {
		return false
	}
	if staff {
		return true
	}
	return cfg == question.ResultAutomatic
}

func outcomeOf(ex *Execution, exam *question.Exam, replayed bool) *Outcome {
	out := &Outcome{
		ExecutionID: ex.ID,
		ExamID:      ex.ExamID,
		StudentID:   ex.StudentID,
		TotalMarks:  exam.TotalMarks,
		Status:      ex.Status,
		Replayed:    replayed,
	}
	if ex.Score != nil {
		out.Score = *ex.Score
	}
	if ex.SubmittedAt != nil {
		out.SubmittedAt = *ex.SubmittedAt
	}
	out.FeedbackBand = Band(out.Score, exam.TotalMarks)
	return out
}

func lateness(now, due time.Time) time.Duration {
	if now.After(due) {
		return now.Sub(due)
	}
	return 0
}
