package report

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"examengine/internal/auth"
	"examengine/internal/exam"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type mockReportService struct {
	examResultsFn    func(ctx context.Context, examID int64) (*ExamResults, error)
	studentResultsFn func(ctx context.Context, studentID int64) ([]Result, error)
	enterGradesFn    func(ctx context.Context, examID int64, grades map[int64]decimal.Decimal) (*GradeReport, error)
	pendingFn        func(ctx context.Context, examID int64) (int, error)
	exportFn         func(ctx context.Context, examID int64) ([]byte, error)
}

func (m *mockReportService) ExamResults(ctx context.Context, examID int64) (*ExamResults, error) {
	if m.examResultsFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.examResultsFn(ctx, examID)
}

func (m *mockReportService) StudentResults(ctx context.Context, studentID int64) ([]Result, error) {
	if m.studentResultsFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.studentResultsFn(ctx, studentID)
}

func (m *mockReportService) EnterGrades(ctx context.Context, examID int64, grades map[int64]decimal.Decimal) (*GradeReport, error) {
	if m.enterGradesFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.enterGradesFn(ctx, examID, grades)
}

func (m *mockReportService) InitializePending(ctx context.Context, examID int64) (int, error) {
	if m.pendingFn == nil {
		return 0, errors.New("not implemented")
	}
	return m.pendingFn(ctx, examID)
}

func (m *mockReportService) ExportExcel(ctx context.Context, examID int64) ([]byte, error) {
	if m.exportFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.exportFn(ctx, examID)
}

type mockReconciler struct {
	gotExamID int64
}

func (m *mockReconciler) Reconcile(ctx context.Context, examID int64) (*ReconcileReport, error) {
	m.gotExamID = examID
	return &ReconcileReport{Scanned: 1, Synced: 1}, nil
}

type mockGuardians map[int64]int64

func (m mockGuardians) IsParentOf(ctx context.Context, parentID, studentID int64) (bool, error) {
	return m[studentID] == parentID, nil
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

func TestExamResultsHandler(t *testing.T) {
	tests := []struct {
		name       string
		param      string
		err        error
		wantStatus int
	}{
		{name: "ok", param: "4", wantStatus: http.StatusOK},
		{name: "bad id", param: "zero", wantStatus: http.StatusBadRequest},
		{name: "missing exam", param: "4", err: exam.ErrExamNotFound, wantStatus: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(&mockReportService{
				examResultsFn: func(ctx context.Context, examID int64) (*ExamResults, error) {
					if tc.err != nil {
						return nil, tc.err
					}
					return &ExamResults{ExamID: examID}, nil
				},
			}, nil, nil)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/exams/4/results", nil)
			req = withChiParam(req, "examID", tc.param)
			w := httptest.NewRecorder()

			h.ExamResults(w, req)

			if w.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, w.Code)
			}
		})
	}
}

func TestStudentResultsAccess(t *testing.T) {
	tests := []struct {
		name       string
		userID     int64
		role       string
		wantStatus int
	}{
		{name: "self", userID: 42, role: auth.RoleStudent, wantStatus: http.StatusOK},
		{name: "other student", userID: 43, role: auth.RoleStudent, wantStatus: http.StatusForbidden},
		{name: "parent", userID: 90, role: auth.RoleParent, wantStatus: http.StatusOK},
		{name: "unrelated parent", userID: 91, role: auth.RoleParent, wantStatus: http.StatusForbidden},
		{name: "teacher", userID: 7, role: auth.RoleTeacher, wantStatus: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(&mockReportService{
				studentResultsFn: func(ctx context.Context, studentID int64) ([]Result, error) {
					return []Result{{StudentID: studentID}}, nil
				},
			}, nil, mockGuardians{42: 90})

			req := httptest.NewRequest(http.MethodGet, "/api/v1/students/42/results", nil)
			req = withChiParam(req, "studentID", "42")
			req = withUser(req, tc.userID, tc.role)
			w := httptest.NewRecorder()

			h.StudentResults(w, req)

			if w.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, w.Code)
			}
		})
	}
}

func TestEnterGradesHandler(t *testing.T) {
	var got map[int64]decimal.Decimal
	h := NewHandler(&mockReportService{
		enterGradesFn: func(ctx context.Context, examID int64, grades map[int64]decimal.Decimal) (*GradeReport, error) {
			got = grades
			return &GradeReport{Updated: len(grades)}, nil
		},
	}, nil, nil)

	body := []byte(`{"grades":{"12":"87.5","13":40}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/4/grades", bytes.NewReader(body))
	req = withChiParam(req, "examID", "4")
	w := httptest.NewRecorder()

	h.EnterGrades(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !got[12].Equal(decimal.RequireFromString("87.5")) || !got[13].Equal(decimal.NewFromInt(40)) {
		t.Fatalf("unexpected grades: %v", got)
	}
}

func TestEnterGradesHandlerInvalid(t *testing.T) {
	h := NewHandler(&mockReportService{
		enterGradesFn: func(ctx context.Context, examID int64, grades map[int64]decimal.Decimal) (*GradeReport, error) {
			return nil, ErrInvalidGrade
		},
	}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/4/grades", bytes.NewReader([]byte(`{"grades":{"12":"-1"}}`)))
	req = withChiParam(req, "examID", "4")
	w := httptest.NewRecorder()

	h.EnterGrades(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestExportExcelHandler(t *testing.T) {
	h := NewHandler(&mockReportService{
		exportFn: func(ctx context.Context, examID int64) ([]byte, error) { return []byte("xlsx"), nil },
	}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/exams/4/results.xlsx", nil)
	req = withChiParam(req, "examID", "4")
	w := httptest.NewRecorder()

	h.ExportExcel(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "xlsx" {
		t.Fatalf("unexpected response %d %q", w.Code, w.Body.String())
	}
	if cd := w.Header().Get("Content-Disposition"); cd != `attachment; filename="exam-4-results.xlsx"` {
		t.Fatalf("unexpected disposition %q", cd)
	}
}

func TestReconcileHandler(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantExamID int64
		wantStatus int
	}{
		{name: "all exams", body: ``, wantExamID: 0, wantStatus: http.StatusOK},
		{name: "one exam", body: `{"exam_id":5}`, wantExamID: 5, wantStatus: http.StatusOK},
		{name: "negative", body: `{"exam_id":-5}`, wantStatus: http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := &mockReconciler{}
			h := NewHandler(&mockReportService{}, rec, nil)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconcile", bytes.NewReader([]byte(tc.body)))
			w := httptest.NewRecorder()

			h.Reconcile(w, req)

			if w.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, w.Code)
			}
			if w.Code == http.StatusOK && rec.gotExamID != tc.wantExamID {
				t.Fatalf("expected exam %d, got %d", tc.wantExamID, rec.gotExamID)
			}
		})
	}
}
