package scheduler

import (
	"context"
	"log/slog"
	"time"

	"occasio/internal/config"
	"occasio/internal/metrics"
	"occasio/internal/types"
)

// RecoveryStore is the delivery record access the recovery job needs.
type RecoveryStore interface {
	ListStuckQueued(ctx context.Context, cutoff time.Time, limit int) ([]*types.DeliveryRecord, error)
	RequeueStuck(ctx context.Context, id string, cutoff time.Time) (bool, error)
	ListMissedScheduled(ctx context.Context, cutoff time.Time, limit int) ([]*types.DeliveryRecord, error)
	MarkDeadLetter(ctx context.Context, id string, reason string) error
}

// RecoveryJob repairs the two ways a delivery record can fall out of the
// normal pipeline:
//
//   - Stuck QUEUED: the dispatcher claimed the record but the message was
//     lost (publish failure, queue DLQ, worker crash after the visibility
//     window). Records queued longer than the stuck threshold go back to
//     'scheduled' so the dispatcher republishes them, unless their retry
//     budget is gone, in which case they are dead-lettered.
//
//   - Very late SCHEDULED: records the dispatcher never picked up (extended
//     outage). Past the late cutoff a greeting is worse than none, so they
//     are dead-lettered instead of sent days late. Records late but inside
//     the cutoff are left alone; the dispatcher sends them on its next pass,
//     and the job only reports their count.
type RecoveryJob struct {
	deliveries  RecoveryStore
	history     JobHistory
	metrics     metrics.Recorder
	clock       types.Clock
	logger      *slog.Logger
	cfg         config.JobsConfig
	maxAttempts int
}

// NewRecoveryJob creates the recovery job.
func NewRecoveryJob(
	deliveries RecoveryStore,
	history JobHistory,
	rec metrics.Recorder,
	clock types.Clock,
	logger *slog.Logger,
	cfg config.JobsConfig,
	maxAttempts int,
) *RecoveryJob {
	return &RecoveryJob{
		deliveries:  deliveries,
		history:     history,
		metrics:     rec,
		clock:       clock,
		logger:      logger,
		cfg:         cfg,
		maxAttempts: maxAttempts,
	}
}

// Run executes one recovery pass.
func (j *RecoveryJob) Run(ctx context.Context) error {
	return runWithHistory(ctx, j.history, j.metrics, j.logger, "recovery", j.run)
}

func (j *RecoveryJob) run(ctx context.Context) (int, int, error) {
	now := j.clock.Now()

	ok, failed, err := j.requeueStuck(ctx, now)
	if err != nil {
		return ok, failed, err
	}

	dOK, dFailed, err := j.deadLetterLate(ctx, now)
	ok += dOK
	failed += dFailed
	if err != nil {
		return ok, failed, err
	}

	j.reportMissed(ctx, now)
	return ok, failed, nil
}

func (j *RecoveryJob) requeueStuck(ctx context.Context, now time.Time) (int, int, error) {
	cutoff := now.Add(-j.cfg.StuckThreshold)

	ok, failed := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return ok, failed, err
		}

		recs, err := j.deliveries.ListStuckQueued(ctx, cutoff, j.cfg.RecoveryBatchSize)
		if err != nil {
			return ok, failed, err
		}

		progressed := false
		for _, rec := range recs {
			if rec.AttemptCount >= j.maxAttempts {
				if err := j.deliveries.MarkDeadLetter(ctx, rec.ID, "stuck in queue after exhausting retries"); err != nil {
					failed++
					j.logger.ErrorContext(ctx, "failed to dead-letter stuck record",
						slog.String("record_id", rec.ID),
						slog.String("error", err.Error()))
					continue
				}
				progressed = true
				j.metrics.RecordDelivery(ctx, rec.TriggerKind, "dead_letter")
				j.logger.ErrorContext(ctx, "dead-lettered stuck record",
					slog.String("record_id", rec.ID),
					slog.Int("attempt_count", rec.AttemptCount))
				ok++
				continue
			}

			requeued, err := j.deliveries.RequeueStuck(ctx, rec.ID, cutoff)
			if err != nil {
				failed++
				j.logger.ErrorContext(ctx, "failed to requeue stuck record",
					slog.String("record_id", rec.ID),
					slog.String("error", err.Error()))
				continue
			}
			// Either outcome means the record left 'queued' (this job moved
			// it, or a worker resolved it between the scan and the update)
			// and will not be re-listed.
			progressed = true
			if !requeued {
				continue
			}
			j.logger.WarnContext(ctx, "requeued stuck record",
				slog.String("record_id", rec.ID),
				slog.Duration("stuck_for", now.Sub(rec.UpdatedAt)))
			ok++
		}

		// A page where every record errored would be re-listed verbatim;
		// stop and let the next scheduled run retry instead of spinning
		// against a failing store.
		if len(recs) < j.cfg.RecoveryBatchSize || !progressed {
			return ok, failed, nil
		}
	}
}

func (j *RecoveryJob) deadLetterLate(ctx context.Context, now time.Time) (int, int, error) {
	cutoff := now.Add(-j.cfg.LateCutoff)

	ok, failed := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return ok, failed, err
		}

		recs, err := j.deliveries.ListMissedScheduled(ctx, cutoff, j.cfg.RecoveryBatchSize)
		if err != nil {
			return ok, failed, err
		}

		progressed := false
		for _, rec := range recs {
			if err := j.deliveries.MarkDeadLetter(ctx, rec.ID, "scheduled send missed beyond the late cutoff"); err != nil {
				failed++
				j.logger.ErrorContext(ctx, "failed to dead-letter late record",
					slog.String("record_id", rec.ID),
					slog.String("error", err.Error()))
				continue
			}
			progressed = true
			j.metrics.RecordDelivery(ctx, rec.TriggerKind, "dead_letter")
			j.logger.ErrorContext(ctx, "dead-lettered record missed beyond cutoff",
				slog.String("record_id", rec.ID),
				slog.Time("scheduled_send_at", rec.ScheduledSendAt))
			ok++
		}

		if len(recs) < j.cfg.RecoveryBatchSize || !progressed {
			return ok, failed, nil
		}
	}
}

// reportMissed surfaces records the dispatcher is lagging on. They need no
// repair here (the dispatcher's next pass sends them); the log line exists to
// be alerted on.
func (j *RecoveryJob) reportMissed(ctx context.Context, now time.Time) {
	cutoff := now.Add(-j.cfg.MissedThreshold)
	recs, err := j.deliveries.ListMissedScheduled(ctx, cutoff, j.cfg.RecoveryBatchSize)
	if err != nil {
		j.logger.ErrorContext(ctx, "failed to scan for missed records",
			slog.String("error", err.Error()))
		return
	}
	if len(recs) > 0 {
		j.logger.WarnContext(ctx, "dispatcher is lagging behind due records",
			slog.Int("missed_count", len(recs)))
	}
}
