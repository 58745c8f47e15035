package exam

import (
	"errors"

	"examengine/internal/question"
)

var (
	ErrExamNotFound          = question.ErrExamNotFound
	ErrExecutionNotFound     = errors.New("execution not found")
	ErrStudentNotFound       = errors.New("student not found")
	ErrExamNotYetOpen        = errors.New("exam is not open yet")
	ErrExamExpired           = errors.New("exam window has closed")
	ErrExamMisconfigured     = errors.New("exam misconfigured")
	ErrInvalidExecutionState = errors.New("invalid execution state")
	ErrExecutionForbidden    = errors.New("execution forbidden")
	ErrSolutionNotReleased   = errors.New("solution not released by review policy")
)
