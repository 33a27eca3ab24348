package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"occasio/internal/metrics"
	"occasio/internal/types"
)

// DueLister lists due records and claims them for publication.
type DueLister interface {
	ListDue(ctx context.Context, until time.Time, limit int) ([]*types.DeliveryRecord, error)
	MarkQueued(ctx context.Context, id string) (bool, error)
}

// Publisher enqueues a claimed record onto the delivery queue.
type Publisher interface {
	Publish(ctx context.Context, rec *types.DeliveryRecord, traceID string) error
}

// DispatchJob promotes due delivery records onto the queue. Each record is
// claimed with a conditional scheduled-to-queued update before publishing, so
// overlapping dispatcher runs (or replicas) publish each record at most once:
// the claim loser simply moves on.
//
// Publish-after-claim can still fail, leaving a queued record with no
// message; the recovery job reclaims those. The reverse order would risk
// duplicate sends, which is the worse failure.
type DispatchJob struct {
	deliveries DueLister
	publisher  Publisher
	history    JobHistory
	metrics    metrics.Recorder
	clock      types.Clock
	logger     *slog.Logger
	lookahead  time.Duration
	batchSize  int
}

// NewDispatchJob creates the dispatch job.
func NewDispatchJob(
	deliveries DueLister,
	publisher Publisher,
	history JobHistory,
	rec metrics.Recorder,
	clock types.Clock,
	logger *slog.Logger,
	lookahead time.Duration,
	batchSize int,
) *DispatchJob {
	return &DispatchJob{
		deliveries: deliveries,
		publisher:  publisher,
		history:    history,
		metrics:    rec,
		clock:      clock,
		logger:     logger,
		lookahead:  lookahead,
		batchSize:  batchSize,
	}
}

// Run executes one dispatch pass.
func (j *DispatchJob) Run(ctx context.Context) error {
	return runWithHistory(ctx, j.history, j.metrics, j.logger, "dispatch", j.run)
}

func (j *DispatchJob) run(ctx context.Context) (int, int, error) {
	// The lookahead covers records coming due before the next run; the
	// publisher translates early publication into an SQS delivery delay.
	until := j.clock.Now().Add(j.lookahead)

	ok, failed := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return ok, failed, err
		}

		recs, err := j.deliveries.ListDue(ctx, until, j.batchSize)
		if err != nil {
			return ok, failed, err
		}

		progressed := false
		for _, rec := range recs {
			claimed, err := j.deliveries.MarkQueued(ctx, rec.ID)
			if err != nil {
				failed++
				j.logger.ErrorContext(ctx, "failed to claim delivery record",
					slog.String("record_id", rec.ID),
					slog.String("error", err.Error()))
				continue
			}
			if !claimed {
				// Another dispatcher got there first.
				progressed = true
				continue
			}
			progressed = true

			traceID := uuid.NewString()
			if err := j.publisher.Publish(ctx, rec, traceID); err != nil {
				// The record stays queued with no message; the recovery job
				// reclaims it after the stuck threshold.
				failed++
				j.logger.ErrorContext(ctx, "failed to publish claimed record",
					slog.String("record_id", rec.ID),
					slog.String("trace_id", traceID),
					slog.String("error", err.Error()))
				continue
			}
			ok++
		}

		// A claimed record leaves 'scheduled', so the next page never
		// repeats it. A page where nothing could be claimed (store errors)
		// would re-list the same rows forever, so stop and let the next
		// scheduled run retry.
		if len(recs) < j.batchSize || !progressed {
			return ok, failed, nil
		}
	}
}
