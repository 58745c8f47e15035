package exam

import "time"

type ExecutionStatus string

const (
	StatusInProgress ExecutionStatus = "IN_PROGRESS"
	StatusCompleted  ExecutionStatus = "COMPLETED"
	StatusExpired    ExecutionStatus = "EXPIRED"
)

// transitions is the full state machine; anything not listed is rejected.
var transitions = map[ExecutionStatus][]ExecutionStatus{
	StatusInProgress: {StatusCompleted, StatusExpired},
}

func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusInProgress, StatusCompleted, StatusExpired:
		return true
	default:
		return false
	}
}

func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

func CanTransition(from, to ExecutionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Execution is one student's single attempt at one exam. It is the source of
// truth for auto-graded outcomes and never changes after its terminal write.
type Execution struct {
	ID             int64           `json:"id"`
	ExamID         int64           `json:"exam_id"`
	StudentID      int64           `json:"student_id"`
	Status         ExecutionStatus `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	SubmittedAt    *time.Time      `json:"submitted_at,omitempty"`
	Score          *int64          `json:"score,omitempty"`
	Answers        Answers         `json:"answers,omitempty"`
	ResultSyncedAt *time.Time      `json:"result_synced_at,omitempty"`
}

// Answers maps question id to the selected option id.
type Answers map[int64]int64
