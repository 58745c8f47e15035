package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"examengine/internal/app/apiresp"
	"examengine/internal/auth"
	"examengine/internal/exam"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type reportService interface {
	ExamResults(ctx context.Context, examID int64) (*ExamResults, error)
	StudentResults(ctx context.Context, studentID int64) ([]Result, error)
	EnterGrades(ctx context.Context, examID int64, grades map[int64]decimal.Decimal) (*GradeReport, error)
	InitializePending(ctx context.Context, examID int64) (int, error)
	ExportExcel(ctx context.Context, examID int64) ([]byte, error)
}

type reconciler interface {
	Reconcile(ctx context.Context, examID int64) (*ReconcileReport, error)
}

type guardianLookup interface {
	IsParentOf(ctx context.Context, parentID, studentID int64) (bool, error)
}

type Handler struct {
	svc       reportService
	sync      reconciler
	guardians guardianLookup
}

type gradesRequest struct {
	Grades map[int64]decimal.Decimal `json:"grades"`
}

type reconcileRequest struct {
	ExamID int64 `json:"exam_id"`
}

func NewHandler(svc reportService, sync reconciler, guardians guardianLookup) *Handler {
	return &Handler{svc: svc, sync: sync, guardians: guardians}
}

func (h *Handler) ExamResults(w http.ResponseWriter, r *http.Request) {
	examID, ok := pathID(w, r, "examID")
	if !ok {
		return
	}
	res, err := h.svc.ExamResults(r.Context(), examID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

func (h *Handler) ExportExcel(w http.ResponseWriter, r *http.Request) {
	examID, ok := pathID(w, r, "examID")
	if !ok {
		return
	}
	body, err := h.svc.ExportExcel(r.Context(), examID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="exam-%d-results.xlsx"`, examID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) StudentResults(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	studentID, ok := pathID(w, r, "studentID")
	if !ok {
		return
	}
	if !h.canReadStudent(r.Context(), user, studentID) {
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
		return
	}

	rows, err := h.svc.StudentResults(r.Context(), studentID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, rows)
}

func (h *Handler) EnterGrades(w http.ResponseWriter, r *http.Request) {
	examID, ok := pathID(w, r, "examID")
	if !ok {
		return
	}
	var req gradesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	out, err := h.svc.EnterGrades(r.Context(), examID, req.Grades)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, out)
}

func (h *Handler) InitializePending(w http.ResponseWriter, r *http.Request) {
	examID, ok := pathID(w, r, "examID")
	if !ok {
		return
	}
	n, err := h.svc.InitializePending(r.Context(), examID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]int{"created": n})
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); (err != nil && !errors.Is(err, io.EOF)) || req.ExamID < 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	out, err := h.sync.Reconcile(r.Context(), req.ExamID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, out)
}

func (h *Handler) canReadStudent(ctx context.Context, user *auth.User, studentID int64) bool {
	switch {
	case user.IsStaff():
		return true
	case user.Role == auth.RoleStudent:
		return user.ID == studentID
	case user.Role == auth.RoleParent && h.guardians != nil:
		ok, err := h.guardians.IsParentOf(ctx, user.ID, studentID)
		if err != nil {
			slog.Warn("guardian lookup failed", "parent_id", user.ID, "student_id", studentID, "error", err)
			return false
		}
		return ok
	default:
		return false
	}
}

func pathID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid "+key)
		return 0, false
	}
	return id, true
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, exam.ErrExamNotFound), errors.Is(err, exam.ErrStudentNotFound), errors.Is(err, ErrResultNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidGrade):
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, exam.ErrExamMisconfigured):
		apiresp.WriteErrorCode(w, r, http.StatusInternalServerError, "exam_misconfigured", "exam is misconfigured")
	default:
		slog.Error("report request failed", "path", r.URL.Path, "error", err)
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
