package exam

import (
	"fmt"
	"time"

	"examengine/internal/question"
)

// GracePeriod absorbs network latency on submissions near the deadline.
const GracePeriod = time.Minute

// ResolveEffectiveEnd returns the moment an exam stops accepting new starts:
// the earlier of exam date plus duration and the end date.
func ResolveEffectiveEnd(e *question.Exam) (time.Time, error) {
	var candidates []time.Time
	if d, ok := e.Duration(); ok {
		candidates = append(candidates, e.ExamDate.Add(d))
	}
	if e.EndDate != nil {
		candidates = append(candidates, *e.EndDate)
	}
	return earliest(e.ID, candidates)
}

// ResolveDeadline is the personal deadline of an execution without grace:
// the earlier of its start plus duration and the exam end date.
func ResolveDeadline(ex *Execution, e *question.Exam) (time.Time, error) {
	var candidates []time.Time
	if d, ok := e.Duration(); ok {
		candidates = append(candidates, ex.StartedAt.Add(d))
	}
	if e.EndDate != nil {
		candidates = append(candidates, *e.EndDate)
	}
	return earliest(e.ID, candidates)
}

// ResolveDueTime is the last instant a submission still counts as on time.
func ResolveDueTime(ex *Execution, e *question.Exam) (time.Time, error) {
	deadline, err := ResolveDeadline(ex, e)
	if err != nil {
		return time.Time{}, err
	}
	return deadline.Add(GracePeriod), nil
}

// CheckOpen reports whether a new execution may start at now.
func CheckOpen(e *question.Exam, now time.Time) error {
	if now.Before(e.ExamDate) {
		return ErrExamNotYetOpen
	}
	end, err := ResolveEffectiveEnd(e)
	if err != nil {
		return err
	}
	if now.After(end) {
		return ErrExamExpired
	}
	return nil
}

func earliest(examID int64, candidates []time.Time) (time.Time, error) {
	if len(candidates) == 0 {
		return time.Time{}, fmt.Errorf("%w: exam %d has neither duration nor end date", ErrExamMisconfigured, examID)
	}
	out := candidates[0]
	for _, c := range candidates[1:] {
		if c.Before(out) {
			out = c
		}
	}
	return out, nil
}
