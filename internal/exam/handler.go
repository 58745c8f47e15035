package exam

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"examengine/internal/app/apiresp"
	"examengine/internal/auth"
	"examengine/internal/i18n"

	"github.com/go-chi/chi/v5"
)

type examService interface {
	Start(ctx context.Context, examID, studentID int64) (*Session, error)
	Submit(ctx context.Context, executionID int64, answers Answers) (*Outcome, error)
	GetExecution(ctx context.Context, executionID int64) (*ExecutionView, error)
	Solution(ctx context.Context, executionID int64) (*Solution, error)
	Owner(ctx context.Context, executionID int64) (int64, error)
}

type guardianLookup interface {
	IsParentOf(ctx context.Context, parentID, studentID int64) (bool, error)
}

type Handler struct {
	svc       examService
	guardians guardianLookup
}

type startRequest struct {
	StudentID int64 `json:"student_id"`
}

type submitRequest struct {
	Answers Answers `json:"answers"`
}

func NewHandler(svc examService, guardians guardianLookup) *Handler {
	return &Handler{svc: svc, guardians: guardians}
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	examID, ok := pathID(w, r, "examID")
	if !ok {
		return
	}

	studentID := user.ID
	if user.Role == auth.RoleAdmin {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StudentID <= 0 {
			apiresp.WriteError(w, r, http.StatusBadRequest, "student_id is required")
			return
		}
		studentID = req.StudentID
	} else if user.Role != auth.RoleStudent {
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
		return
	}

	session, err := h.svc.Start(r.Context(), examID, studentID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, session)
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	executionID, ok := pathID(w, r, "executionID")
	if !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if user.Role != auth.RoleAdmin {
		if err := h.authorize(r.Context(), user, executionID, false); err != nil {
			writeServiceError(w, r, err)
			return
		}
	}

	outcome, err := h.svc.Submit(r.Context(), executionID, req.Answers)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	outcome.Feedback = i18n.T(r.Context(), outcome.FeedbackBand.MessageID())
	apiresp.WriteOK(w, r, http.StatusOK, outcome)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	executionID, ok := pathID(w, r, "executionID")
	if !ok {
		return
	}
	if err := h.authorize(r.Context(), user, executionID, true); err != nil {
		writeServiceError(w, r, err)
		return
	}

	view, err := h.svc.GetExecution(r.Context(), executionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, view)
}

func (h *Handler) Solution(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	executionID, ok := pathID(w, r, "executionID")
	if !ok {
		return
	}
	if err := h.authorize(r.Context(), user, executionID, true); err != nil {
		writeServiceError(w, r, err)
		return
	}

	sol, err := h.svc.Solution(r.Context(), executionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !CanReviewSolution(user.IsStaff(), sol.ResultConfiguration, sol.Status) {
		apiresp.WriteErrorCode(w, r, http.StatusForbidden, "solution_not_released", ErrSolutionNotReleased.Error())
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, sol)
}

// authorize lets staff through, the owning student always, and a linked
// parent only when readOnly is set.
func (h *Handler) authorize(ctx context.Context, user *auth.User, executionID int64, readOnly bool) error {
	if readOnly && user.IsStaff() {
		return nil
	}
	owner, err := h.svc.Owner(ctx, executionID)
	if err != nil {
		return err
	}
	switch user.Role {
	case auth.RoleStudent:
		if owner == user.ID {
			return nil
		}
	case auth.RoleParent:
		if readOnly && h.guardians != nil {
			ok, err := h.guardians.IsParentOf(ctx, user.ID, owner)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
	return ErrExecutionForbidden
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
	case errors.Is(err, ErrExamNotFound), errors.Is(err, ErrExecutionNotFound), errors.Is(err, ErrStudentNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrExecutionForbidden):
		apiresp.WriteError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrExamNotYetOpen):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "exam_not_open", err.Error())
	case errors.Is(err, ErrExamExpired):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "exam_expired", err.Error())
	case errors.Is(err, ErrSolutionNotReleased):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "solution_not_released", err.Error())
	case errors.Is(err, ErrExamMisconfigured):
		apiresp.WriteErrorCode(w, r, http.StatusInternalServerError, "exam_misconfigured", "exam is misconfigured")
	default:
		slog.Error("exam request failed", "path", r.URL.Path, "error", err)
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
