package question

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"examengine/internal/app/apiresp"
	"examengine/internal/auth"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	svc       questionService
	onCreated ExamCreatedFunc
	log       *slog.Logger
}

// ExamCreatedFunc runs after an exam is created or duplicated. It returns
// the number of rows it prepared for the new exam.
type ExamCreatedFunc func(ctx context.Context, examID int64) (int, error)

type HandlerOption func(*Handler)

func WithCreatedHook(fn ExamCreatedFunc) HandlerOption {
	return func(h *Handler) { h.onCreated = fn }
}

func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = l }
}

type questionService interface {
	GetExam(ctx context.Context, examID int64) (*Exam, error)
	ListQuestions(ctx context.Context, examID int64) ([]Question, error)
	CreateExam(ctx context.Context, in ExamInput) (*Exam, error)
	DuplicateExam(ctx context.Context, examID, teacherID int64, newDate time.Time) (*Exam, error)
}

type response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

type examDetail struct {
	Exam      *Exam      `json:"exam"`
	Questions []Question `json:"questions"`
}

type duplicateExamRequest struct {
	ExamDate string `json:"exam_date"`
}

func NewHandler(svc questionService, opts ...HandlerOption) *Handler {
	h := &Handler{svc: svc, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// examCreated runs the created hook. A failure is logged and leaves the exam
// in place; the hook can be re-run for the exam later.
func (h *Handler) examCreated(ctx context.Context, exam *Exam) {
	if h.onCreated == nil {
		return
	}
	if _, err := h.onCreated(ctx, exam.ID); err != nil {
		h.log.Error("exam created hook failed", "exam_id", exam.ID, "error", err)
	}
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}

	var in ExamInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}
	if user.Role == auth.RoleTeacher {
		in.TeacherID = user.ID
	}

	exam, err := h.svc.CreateExam(r.Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput):
			writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: err.Error()})
		default:
			writeJSON(w, r, http.StatusInternalServerError, response{OK: false, Error: "internal error"})
		}
		return
	}
	h.examCreated(r.Context(), exam)
	writeJSON(w, r, http.StatusCreated, response{OK: true, Data: exam})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	examID, err := strconv.ParseInt(chi.URLParam(r, "examID"), 10, 64)
	if err != nil || examID <= 0 {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid exam id"})
		return
	}

	exam, err := h.svc.GetExam(r.Context(), examID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	questions, err := h.svc.ListQuestions(r.Context(), examID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: examDetail{Exam: exam, Questions: questions}})
}

func (h *Handler) Duplicate(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}
	examID, err := strconv.ParseInt(chi.URLParam(r, "examID"), 10, 64)
	if err != nil || examID <= 0 {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid exam id"})
		return
	}

	var req duplicateExamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}
	newDate, err := time.Parse(time.RFC3339, req.ExamDate)
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "exam_date must be RFC3339"})
		return
	}

	exam, err := h.svc.DuplicateExam(r.Context(), examID, user.ID, newDate)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.examCreated(r.Context(), exam)
	writeJSON(w, r, http.StatusCreated, response{OK: true, Data: exam})
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrExamNotFound):
		writeJSON(w, r, http.StatusNotFound, response{OK: false, Error: err.Error()})
	case errors.Is(err, ErrNotExamOwner):
		writeJSON(w, r, http.StatusForbidden, response{OK: false, Error: err.Error()})
	case errors.Is(err, ErrInvalidInput):
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: err.Error()})
	default:
		writeJSON(w, r, http.StatusInternalServerError, response{OK: false, Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, payload response) {
	if payload.OK {
		apiresp.WriteOK(w, r, code, payload.Data)
		return
	}
	apiresp.WriteError(w, r, code, payload.Error)
}
