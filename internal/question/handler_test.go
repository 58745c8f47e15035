package question

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"examengine/internal/auth"

	"github.com/go-chi/chi/v5"
)

type mockQuestionService struct {
	getExamFn       func(ctx context.Context, examID int64) (*Exam, error)
	listQuestionsFn func(ctx context.Context, examID int64) ([]Question, error)
	createExamFn    func(ctx context.Context, in ExamInput) (*Exam, error)
	duplicateExamFn func(ctx context.Context, examID, teacherID int64, newDate time.Time) (*Exam, error)
}

func (m *mockQuestionService) GetExam(ctx context.Context, examID int64) (*Exam, error) {
	if m.getExamFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.getExamFn(ctx, examID)
}

func (m *mockQuestionService) ListQuestions(ctx context.Context, examID int64) ([]Question, error) {
	if m.listQuestionsFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.listQuestionsFn(ctx, examID)
}

func (m *mockQuestionService) CreateExam(ctx context.Context, in ExamInput) (*Exam, error) {
	if m.createExamFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.createExamFn(ctx, in)
}

func (m *mockQuestionService) DuplicateExam(ctx context.Context, examID, teacherID int64, newDate time.Time) (*Exam, error) {
	if m.duplicateExamFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.duplicateExamFn(ctx, examID, teacherID, newDate)
}

func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func withUser(r *http.Request, id int64, role string) *http.Request {
	return r.WithContext(auth.ContextWithUser(r.Context(), &auth.User{ID: id, Role: role}))
}

func TestCreateForcesTeacherID(t *testing.T) {
	var got ExamInput
	h := NewHandler(&mockQuestionService{
		createExamFn: func(ctx context.Context, in ExamInput) (*Exam, error) {
			got = in
			return &Exam{ID: 1, TeacherID: in.TeacherID, Title: in.Title}, nil
		},
	})

	body := []byte(`{"teacher_id":99,"title":"Quiz","exam_date":"2026-03-02T08:00:00Z","duration_minutes":30}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams", bytes.NewReader(body))
	req = withUser(req, 5, auth.RoleTeacher)
	w := httptest.NewRecorder()

	h.Create(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if got.TeacherID != 5 {
		t.Fatalf("expected teacher id forced to 5, got %d", got.TeacherID)
	}
}

func TestCreateInvalidInput(t *testing.T) {
	h := NewHandler(&mockQuestionService{
		createExamFn: func(ctx context.Context, in ExamInput) (*Exam, error) {
			return nil, ErrInvalidInput
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams", bytes.NewReader([]byte(`{}`)))
	req = withUser(req, 5, auth.RoleTeacher)
	w := httptest.NewRecorder()

	h.Create(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetReturnsQuestionsWithAnswerKey(t *testing.T) {
	h := NewHandler(&mockQuestionService{
		getExamFn: func(ctx context.Context, examID int64) (*Exam, error) {
			return &Exam{ID: examID, Title: "Quiz"}, nil
		},
		listQuestionsFn: func(ctx context.Context, examID int64) ([]Question, error) {
			return []Question{{ID: 1, Options: []Option{{ID: 2, IsCorrect: true}}}}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/exams/4", nil)
	req = withChiParam(req, "examID", "4")
	w := httptest.NewRecorder()

	h.Get(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out struct {
		Data examDetail `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Data.Exam.ID != 4 || !out.Data.Questions[0].Options[0].IsCorrect {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestGetNotFound(t *testing.T) {
	h := NewHandler(&mockQuestionService{
		getExamFn: func(ctx context.Context, examID int64) (*Exam, error) { return nil, ErrExamNotFound },
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/exams/4", nil)
	req = withChiParam(req, "examID", "4")
	w := httptest.NewRecorder()

	h.Get(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDuplicate(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{name: "ok", body: `{"exam_date":"2026-04-01T08:00:00Z"}`, wantStatus: http.StatusCreated},
		{name: "bad date", body: `{"exam_date":"tomorrow"}`, wantStatus: http.StatusBadRequest},
		{name: "not owner", body: `{"exam_date":"2026-04-01T08:00:00Z"}`, err: ErrNotExamOwner, wantStatus: http.StatusForbidden},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(&mockQuestionService{
				duplicateExamFn: func(ctx context.Context, examID, teacherID int64, newDate time.Time) (*Exam, error) {
					if tc.err != nil {
						return nil, tc.err
					}
					if teacherID != 5 || examID != 9 {
						t.Fatalf("unexpected ids exam=%d teacher=%d", examID, teacherID)
					}
					return &Exam{ID: 10, ExamDate: newDate}, nil
				},
			})

			req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/9/duplicate", bytes.NewReader([]byte(tc.body)))
			req = withChiParam(req, "examID", "9")
			req = withUser(req, 5, auth.RoleTeacher)
			w := httptest.NewRecorder()

			h.Duplicate(w, req)

			if w.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, w.Code)
			}
		})
	}
}

func TestCreatedHookRunsAfterCreateAndDuplicate(t *testing.T) {
	svc := &mockQuestionService{
		createExamFn: func(ctx context.Context, in ExamInput) (*Exam, error) {
			return &Exam{ID: 11, TeacherID: in.TeacherID}, nil
		},
		duplicateExamFn: func(ctx context.Context, examID, teacherID int64, newDate time.Time) (*Exam, error) {
			return &Exam{ID: 12, TeacherID: teacherID, ExamDate: newDate}, nil
		},
	}
	var seen []int64
	h := NewHandler(svc, WithCreatedHook(func(ctx context.Context, examID int64) (int, error) {
		seen = append(seen, examID)
		return 2, nil
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams", bytes.NewReader([]byte(`{"title":"Quiz"}`)))
	req = withUser(req, 5, auth.RoleTeacher)
	w := httptest.NewRecorder()
	h.Create(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/exams/11/duplicate", bytes.NewReader([]byte(`{"exam_date":"2026-04-01T08:00:00Z"}`)))
	req = withChiParam(req, "examID", "11")
	req = withUser(req, 5, auth.RoleTeacher)
	w = httptest.NewRecorder()
	h.Duplicate(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("duplicate: expected 201, got %d", w.Code)
	}

	if len(seen) != 2 || seen[0] != 11 || seen[1] != 12 {
		t.Fatalf("expected hook for exams 11 and 12, got %v", seen)
	}
}

func TestCreatedHookFailureKeepsExam(t *testing.T) {
	h := NewHandler(&mockQuestionService{
		createExamFn: func(ctx context.Context, in ExamInput) (*Exam, error) {
			return &Exam{ID: 11}, nil
		},
	}, WithCreatedHook(func(ctx context.Context, examID int64) (int, error) {
		return 0, errors.New("roster unavailable")
	}), WithHandlerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams", bytes.NewReader([]byte(`{"title":"Quiz"}`)))
	req = withUser(req, 5, auth.RoleTeacher)
	w := httptest.NewRecorder()
	h.Create(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 despite hook failure, got %d", w.Code)
	}
}
