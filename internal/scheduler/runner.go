// Package scheduler implements the periodic jobs of the scheduling core:
// the daily precompute job that materializes delivery records, the dispatch
// job that promotes due records onto the queue, and the recovery job that
// re-drives stuck work and dead-letters hopelessly late records.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"occasio/internal/db"
	"occasio/internal/metrics"
)

// JobHistory records job executions for operational visibility.
type JobHistory interface {
	Start(ctx context.Context, runID, jobName string) error
	Finish(ctx context.Context, runID string, status db.JobRunStatus, itemsOK, itemsFailed int, detail string) error
}

// runWithHistory wraps a job body with job_history bookkeeping, metrics, and
// outcome logging. History failures are logged but never block the job: the
// audit trail is secondary to the work itself.
func runWithHistory(
	ctx context.Context,
	history JobHistory,
	rec metrics.Recorder,
	logger *slog.Logger,
	jobName string,
	fn func(ctx context.Context) (ok, failed int, err error),
) error {
	runID := uuid.NewString()
	log := logger.With(
		slog.String("job", jobName),
		slog.String("run_id", runID),
	)

	if err := history.Start(ctx, runID, jobName); err != nil {
		log.WarnContext(ctx, "failed to record job start",
			slog.String("error", err.Error()))
	}

	ok, failed, err := fn(ctx)

	status := db.JobRunSucceeded
	detail := ""
	if err != nil {
		status = db.JobRunFailed
		detail = err.Error()
	}
	if ferr := history.Finish(ctx, runID, status, ok, failed, detail); ferr != nil {
		log.WarnContext(ctx, "failed to record job finish",
			slog.String("error", ferr.Error()))
	}

	rec.RecordJobItems(ctx, jobName, ok, failed)

	if err != nil {
		log.ErrorContext(ctx, "job run failed",
			slog.Int("items_ok", ok),
			slog.Int("items_failed", failed),
			slog.String("error", err.Error()))
		return err
	}
	log.InfoContext(ctx, "job run complete",
		slog.Int("items_ok", ok),
		slog.Int("items_failed", failed))
	return nil
}
