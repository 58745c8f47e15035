package exam

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"examengine/internal/db/dbtest"
	"examengine/internal/question"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recordingSync struct {
	mu    sync.Mutex
	calls int
	err   error
	last  *Execution
}

func (r *recordingSync) SyncExecution(ctx context.Context, ex *Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = ex
	return r.err
}

func (r *recordingSync) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type stubDirectory map[int64]bool

func (d stubDirectory) StudentExists(ctx context.Context, studentID int64) (bool, error) {
	return d[studentID], nil
}

type serviceFixture struct {
	svc       *Service
	exam      *question.Exam
	questions []question.Question
	clock     *fakeClock
	sync      *recordingSync
}

func newServiceFixture(t *testing.T, mutate func(*question.ExamInput), opts ...Option) *serviceFixture {
	t.Helper()
	conn := dbtest.Open(t)
	exam := seedExam(t, conn, mutate)
	bank := question.NewService(conn)
	questions, err := bank.ListQuestions(context.Background(), exam.ID)
	if err != nil {
		t.Fatalf("list questions: %v", err)
	}

	f := &serviceFixture{
		exam:      exam,
		questions: questions,
		clock:     &fakeClock{now: examDate.Add(5 * time.Minute)},
		sync:      &recordingSync{},
	}
	base := []Option{
		WithClock(f.clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithResultSync(f.sync, 2),
	}
	f.svc = NewService(NewSQLStore(conn), bank, append(base, opts...)...)
	return f
}

// answers picks the correct option for the listed question positions and a
// wrong one for every other question.
func (f *serviceFixture) answers(correct ...int) Answers {
	want := map[int]bool{}
	for _, i := range correct {
		want[i] = true
	}
	out := Answers{}
	for i, q := range f.questions {
		for _, o := range q.Options {
			if o.IsCorrect == want[i] {
				out[q.ID] = o.ID
				break
			}
		}
	}
	return out
}

func TestStartIsIdempotent(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Start(ctx, f.exam.ID, 42)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if first.Status != StatusInProgress || len(first.Questions) != 3 {
		t.Fatalf("unexpected session: %+v", first)
	}
	if !first.DueAt.Equal(examDate.Add(65 * time.Minute)) {
		t.Fatalf("unexpected due_at %v", first.DueAt)
	}

	// resuming after the window closed still returns the same execution
	f.clock.Set(examDate.Add(3 * time.Hour))
	second, err := f.svc.Start(ctx, f.exam.ID, 42)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if second.ExecutionID != first.ExecutionID || !second.StartedAt.Equal(first.StartedAt) {
		t.Fatalf("resume changed execution: %+v vs %+v", second, first)
	}
}

func TestStartRejections(t *testing.T) {
	unpublished := false
	tests := []struct {
		name    string
		mutate  func(*question.ExamInput)
		now     time.Time
		student int64
		opts    []Option
		want    error
	}{
		{name: "not yet open", now: examDate.Add(-time.Minute), student: 42, want: ErrExamNotYetOpen},
		{name: "expired", now: examDate.Add(61 * time.Minute), student: 42, want: ErrExamExpired},
		{
			name:    "unpublished",
			mutate:  func(in *question.ExamInput) { in.Published = &unpublished },
			now:     examDate.Add(time.Minute),
			student: 42,
			want:    ErrExamNotFound,
		},
		{
			name:    "unknown student",
			now:     examDate.Add(time.Minute),
			student: 43,
			opts:    []Option{WithStudentDirectory(stubDirectory{42: true})},
			want:    ErrStudentNotFound,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newServiceFixture(t, tc.mutate, tc.opts...)
			f.clock.Set(tc.now)
			if _, err := f.svc.Start(context.Background(), f.exam.ID, tc.student); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestStartUnknownExam(t *testing.T) {
	f := newServiceFixture(t, nil)
	if _, err := f.svc.Start(context.Background(), f.exam.ID+100, 42); !errors.Is(err, ErrExamNotFound) {
		t.Fatalf("expected ErrExamNotFound, got %v", err)
	}
}

func TestStartResumesOnUnpublishedExam(t *testing.T) {
	unpublished := false
	conn := dbtest.Open(t)
	exam := seedExam(t, conn, func(in *question.ExamInput) { in.Published = &unpublished })
	ctx := context.Background()

	store := NewSQLStore(conn)
	existing, _, err := store.Create(ctx, exam.ID, 42, examDate.Add(time.Minute))
	if err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	clock := &fakeClock{now: examDate.Add(10 * time.Minute)}
	svc := NewService(store, question.NewService(conn),
		WithClock(clock.Now), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	session, err := svc.Start(ctx, exam.ID, 42)
	if err != nil {
		t.Fatalf("resume on unpublished exam: %v", err)
	}
	if session.ExecutionID != existing.ID || session.Status != StatusInProgress {
		t.Fatalf("expected existing execution %d, got %+v", existing.ID, session)
	}
	if _, err := svc.Start(ctx, exam.ID, 43); !errors.Is(err, ErrExamNotFound) {
		t.Fatalf("new start on unpublished exam: expected ErrExamNotFound, got %v", err)
	}
}

func TestSubmitScoresAndSyncs(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	session, err := f.svc.Start(ctx, f.exam.ID, 42)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.clock.Set(examDate.Add(30 * time.Minute))

	out, err := f.svc.Submit(ctx, session.ExecutionID, f.answers(0, 2))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != StatusCompleted || out.Score != 20 || out.TotalMarks != 30 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.FeedbackBand != BandGood || out.Replayed {
		t.Fatalf("unexpected band or replay flag: %+v", out)
	}
	if f.sync.Calls() != 1 || f.sync.last.Status != StatusCompleted {
		t.Fatalf("expected one sync of the completed execution, got %d", f.sync.Calls())
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	session, err := f.svc.Start(ctx, f.exam.ID, 42)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	first, err := f.svc.Submit(ctx, session.ExecutionID, f.answers(0, 1, 2))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	f.clock.Set(examDate.Add(5 * time.Hour))
	second, err := f.svc.Submit(ctx, session.ExecutionID, f.answers())
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("expected replayed outcome")
	}
	if second.Score != first.Score || second.Status != first.Status || !second.SubmittedAt.Equal(first.SubmittedAt) {
		t.Fatalf("resubmit changed outcome: %+v vs %+v", second, first)
	}
	if f.sync.Calls() != 1 {
		t.Fatalf("resubmit must not sync again, got %d calls", f.sync.Calls())
	}
}

func TestSubmitConcurrentOnlyOneWins(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	session, err := f.svc.Start(ctx, f.exam.ID, 42)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	const workers = 6
	outcomes := make([]*Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.svc.Submit(ctx, session.ExecutionID, f.answers(i%3))
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, out := range outcomes {
		if out == nil {
			continue
		}
		if !out.Replayed {
			fresh++
		}
		if out.Score != outcomes[0].Score {
			t.Fatalf("outcomes disagree: %d vs %d", out.Score, outcomes[0].Score)
		}
	}
	if fresh != 1 || f.sync.Calls() != 1 {
		t.Fatalf("expected exactly one winning submit, got %d (sync calls %d)", fresh, f.sync.Calls())
	}
}

func TestSubmitDeadlineAndGrace(t *testing.T) {
	// started at +5m so the personal deadline is +65m
	tests := []struct {
		name     string
		submitAt time.Duration
		want     ExecutionStatus
	}{
		{name: "before deadline", submitAt: 64 * time.Minute, want: StatusCompleted},
		{name: "inside grace", submitAt: 65*time.Minute + 30*time.Second, want: StatusCompleted},
		{name: "at grace boundary", submitAt: 66 * time.Minute, want: StatusCompleted},
		{name: "after grace", submitAt: 67 * time.Minute, want: StatusExpired},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newServiceFixture(t, nil)
			ctx := context.Background()
			session, err := f.svc.Start(ctx, f.exam.ID, 42)
			if err != nil {
				t.Fatalf("start: %v", err)
			}
			f.clock.Set(examDate.Add(tc.submitAt))

			out, err := f.svc.Submit(ctx, session.ExecutionID, f.answers(1))
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if out.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, out.Status)
			}
			if out.Score != 10 {
				t.Fatalf("late submissions are still graded, got score %d", out.Score)
			}
		})
	}
}

func TestSubmitToleratesSyncFailure(t *testing.T) {
	f := newServiceFixture(t, nil)
	f.sync.err = errors.New("results table locked")
	ctx := context.Background()

	session, err := f.svc.Start(ctx, f.exam.ID, 42)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	out, err := f.svc.Submit(ctx, session.ExecutionID, f.answers(0))
	if err != nil {
		t.Fatalf("submit must succeed when sync fails: %v", err)
	}
	if out.Status != StatusCompleted || out.Score != 5 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if f.sync.Calls() != 3 {
		t.Fatalf("expected 1 attempt plus 2 retries, got %d", f.sync.Calls())
	}
}

func TestSubmitUnknownExecution(t *testing.T) {
	f := newServiceFixture(t, nil)
	if _, err := f.svc.Submit(context.Background(), 999, nil); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestGetExecutionRemaining(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	session, err := f.svc.Start(ctx, f.exam.ID, 42)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.clock.Set(examDate.Add(35 * time.Minute))

	view, err := f.svc.GetExecution(ctx, session.ExecutionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.RemainingSeconds != 30*60 {
		t.Fatalf("expected 1800 seconds remaining, got %d", view.RemainingSeconds)
	}

	f.clock.Set(examDate.Add(2 * time.Hour))
	view, err = f.svc.GetExecution(ctx, session.ExecutionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.RemainingSeconds != 0 || view.Status != StatusInProgress {
		t.Fatalf("read must not mutate the execution: %+v", view)
	}
}

func TestSolution(t *testing.T) {
	f := newServiceFixture(t, nil)
	ctx := context.Background()

	session, err := f.svc.Start(ctx, f.exam.ID, 42)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.Solution(ctx, session.ExecutionID); !errors.Is(err, ErrSolutionNotReleased) {
		t.Fatalf("expected ErrSolutionNotReleased while in progress, got %v", err)
	}

	answers := f.answers(2)
	delete(answers, f.questions[1].ID)
	if _, err := f.svc.Submit(ctx, session.ExecutionID, answers); err != nil {
		t.Fatalf("submit: %v", err)
	}

	sol, err := f.svc.Solution(ctx, session.ExecutionID)
	if err != nil {
		t.Fatalf("solution: %v", err)
	}
	if sol.Score != 15 || len(sol.Items) != 3 {
		t.Fatalf("unexpected solution: %+v", sol)
	}
	wantReasons := []string{"wrong", "unanswered", "correct"}
	for i, item := range sol.Items {
		if item.Result.Reason != wantReasons[i] {
			t.Fatalf("item %d: reason %q, want %q", i, item.Result.Reason, wantReasons[i])
		}
	}
}

func TestCanReviewSolution(t *testing.T) {
	tests := []struct {
		name   string
		staff  bool
		cfg    question.ResultConfiguration
		status ExecutionStatus
		want   bool
	}{
		{name: "staff manual", staff: true, cfg: question.ResultManual, status: StatusCompleted, want: true},
		{name: "student manual", cfg: question.ResultManual, status: StatusCompleted, want: false},
		{name: "student automatic", cfg: question.ResultAutomatic, status: StatusExpired, want: true},
		{name: "student in progress", cfg: question.ResultAutomatic, status: StatusInProgress, want: false},
		{name: "staff in progress", staff: true, cfg: question.ResultAutomatic, status: StatusInProgress, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanReviewSolution(tc.staff, tc.cfg, tc.status); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
