package db

import (
	"context"
	"time"

	"occasio/internal/types"
)

// JobRunStatus is the lifecycle state of a job_history row.
type JobRunStatus string

const (
	JobRunRunning   JobRunStatus = "running"
	JobRunSucceeded JobRunStatus = "succeeded"
	JobRunFailed    JobRunStatus = "failed"
)

// JobRun is one execution of a periodic job, recorded for operational
// visibility (did last night's precompute run? how many records did it
// create?).
type JobRun struct {
	ID          string
	JobName     string
	Status      JobRunStatus
	ItemsOK     int
	ItemsFailed int
	Detail      string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// JobHistoryRepository records job executions in the job_history table.
type JobHistoryRepository struct {
	db DBTX
}

// NewJobHistoryRepository creates a new JobHistoryRepository backed by the
// given database connection.
func NewJobHistoryRepository(db DBTX) *JobHistoryRepository {
	return &JobHistoryRepository{db: db}
}

// Start records the beginning of a job run and returns its ID.
func (r *JobHistoryRepository) Start(ctx context.Context, runID, jobName string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO job_history (id, job_name, status, started_at)
		 VALUES ($1, $2, 'running', NOW())`,
		runID,
		jobName,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record job start", err)
	}
	return nil
}

// Finish records the outcome of a job run. Item counters carry the per-record
// success/failure tallies; detail is free-form (truncated error text on
// failure, empty on success).
func (r *JobHistoryRepository) Finish(ctx context.Context, runID string, status JobRunStatus, itemsOK, itemsFailed int, detail string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE job_history
		 SET status = $2, items_ok = $3, items_failed = $4, detail = $5, finished_at = NOW()
		 WHERE id = $1`,
		runID,
		status,
		itemsOK,
		itemsFailed,
		detail,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record job finish", err)
	}
	return nil
}
