package masterdata

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"examengine/internal/app/apiresp"

	"github.com/go-chi/chi/v5"
)

type rosterService interface {
	ImportRosterCSV(ctx context.Context, r io.Reader) (*ImportReport, error)
	StudentsInGrade(ctx context.Context, gradeID int64) ([]Person, error)
}

type Handler struct {
	svc rosterService
}

type apiResponse struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func NewHandler(svc rosterService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) ImportRosterCSV(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(16 << 20); err != nil {
		writeJSON(w, r, http.StatusBadRequest, apiResponse{OK: false, Error: "invalid multipart form"})
		return
	}

	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, apiResponse{OK: false, Error: "file field is required"})
		return
	}
	defer file.Close()

	report, err := h.svc.ImportRosterCSV(r.Context(), file)
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, apiResponse{OK: false, Error: err.Error()})
		return
	}

	writeJSON(w, r, http.StatusOK, apiResponse{OK: true, Data: map[string]any{
		"filename": hdr.Filename,
		"report":   report,
	}})
}

func (h *Handler) ListGradeStudents(w http.ResponseWriter, r *http.Request) {
	gradeID, err := strconv.ParseInt(chi.URLParam(r, "gradeID"), 10, 64)
	if err != nil || gradeID <= 0 {
		writeJSON(w, r, http.StatusBadRequest, apiResponse{OK: false, Error: "invalid grade id"})
		return
	}

	students, err := h.svc.StudentsInGrade(r.Context(), gradeID)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			writeJSON(w, r, http.StatusBadRequest, apiResponse{OK: false, Error: err.Error()})
			return
		}
		writeJSON(w, r, http.StatusInternalServerError, apiResponse{OK: false, Error: "internal error"})
		return
	}
	writeJSON(w, r, http.StatusOK, apiResponse{OK: true, Data: students})
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, payload apiResponse) {
	apiresp.WriteLegacy(w, r, code, payload.OK, payload.Data, payload.Error)
}
