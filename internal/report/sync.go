package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"examengine/internal/exam"

	"github.com/shopspring/decimal"
)

type executionSource interface {
	MarkResultSynced(ctx context.Context, executionID int64, at time.Time) error
	ListUnsynced(ctx context.Context, afterID int64, limit int) ([]exam.Execution, error)
	ListTerminalByExam(ctx context.Context, examID int64) ([]exam.Execution, error)
}

const reconcilePageSize = 500

// Synchronizer keeps Result rows in step with closed executions.
type Synchronizer struct {
	results    *SQLStore
	executions executionSource
	pageSize   int
	now        func() time.Time
	log        *slog.Logger
}

type ReconcileReport struct {
	Scanned int `json:"scanned"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
}

func NewSynchronizer(results *SQLStore, executions executionSource, log *slog.Logger) *Synchronizer {
	if log == nil {
		log = slog.Default()
	}
	return &Synchronizer{
		results:    results,
		executions: executions,
		pageSize:   reconcilePageSize,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log,
	}
}

// SyncExecution projects a closed execution into its Result and flags the
// execution as synced.
func (s *Synchronizer) SyncExecution(ctx context.Context, ex *exam.Execution) error {
	if !ex.Status.Terminal() {
		return fmt.Errorf("%w: execution %d is %s", exam.ErrInvalidExecutionState, ex.ID, ex.Status)
	}
	var score int64
	if ex.Score != nil {
		score = *ex.Score
	}

	now := s.now()
	if err := s.results.UpsertAutoGraded(ctx, ex.ExamID, ex.StudentID, decimal.NewFromInt(score), ex.SubmittedAt, now); err != nil {
		return err
	}
	if err := s.executions.MarkResultSynced(ctx, ex.ID, now); err != nil {
		return err
	}
	return nil
}

// Reconcile re-projects executions. With examID 0 it repairs every execution
// left unsynced, paging by id; otherwise it rebuilds all closed executions of
// one exam.
func (s *Synchronizer) Reconcile(ctx context.Context, examID int64) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	if examID != 0 {
		closed, err := s.executions.ListTerminalByExam(ctx, examID)
		if err != nil {
			return nil, err
		}
		s.syncAll(ctx, closed, report)
	} else {
		var after int64
		for {
			page, err := s.executions.ListUnsynced(ctx, after, s.pageSize)
			if err != nil {
				return nil, err
			}
			s.syncAll(ctx, page, report)
			if len(page) < s.pageSize {
				break
			}
			after = page[len(page)-1].ID
		}
	}

	s.log.Info("reconcile finished", "exam_id", examID, "scanned", report.Scanned, "synced", report.Synced, "failed", report.Failed)
	return report, nil
}

func (s *Synchronizer) syncAll(ctx context.Context, executions []exam.Execution, report *ReconcileReport) {
	report.Scanned += len(executions)
	for i := range executions {
		ex := &executions[i]
		if err := s.SyncExecution(ctx, ex); err != nil {
			report.Failed++
			s.log.Error("reconcile: sync execution", "execution_id", ex.ID, "exam_id", ex.ExamID, "error", err)
			continue
		}
		report.Synced++
	}
}
