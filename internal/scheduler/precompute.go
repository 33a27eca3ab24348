package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"occasio/internal/config"
	"occasio/internal/metrics"
	"occasio/internal/trigger"
	"occasio/internal/types"
)

// UserStore lists the users a trigger kind could fire for.
type UserStore interface {
	ListCandidates(ctx context.Context, triggerKind string) ([]*types.User, error)
}

// DeliveryInserter creates scheduled delivery records idempotently.
type DeliveryInserter interface {
	InsertScheduled(ctx context.Context, rec *types.DeliveryRecord) (bool, error)
}

// PrecomputeJob is the daily job that materializes delivery records for
// upcoming trigger events. For every registered trigger kind and candidate
// user it evaluates the user's current and next local calendar date, so a
// single UTC-midnight run covers every timezone's upcoming day. Re-runs and
// concurrent runs are harmless: the idempotency key makes each insert
// first-writer-wins.
type PrecomputeJob struct {
	users      UserStore
	deliveries DeliveryInserter
	registry   *trigger.Registry
	history    JobHistory
	metrics    metrics.Recorder
	clock      types.Clock
	logger     *slog.Logger
	cfg        config.TriggerConfig
}

// NewPrecomputeJob creates the precompute job.
func NewPrecomputeJob(
	users UserStore,
	deliveries DeliveryInserter,
	registry *trigger.Registry,
	history JobHistory,
	rec metrics.Recorder,
	clock types.Clock,
	logger *slog.Logger,
	cfg config.TriggerConfig,
) *PrecomputeJob {
	return &PrecomputeJob{
		users:      users,
		deliveries: deliveries,
		registry:   registry,
		history:    history,
		metrics:    rec,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run executes one precompute pass.
func (j *PrecomputeJob) Run(ctx context.Context) error {
	return runWithHistory(ctx, j.history, j.metrics, j.logger, "precompute", j.run)
}

func (j *PrecomputeJob) run(ctx context.Context) (int, int, error) {
	now := j.clock.Now()
	fallback := trigger.LeapDayFallback(j.cfg.LeapDayFallback)

	ok, failed := 0, 0
	for _, def := range j.registry.All() {
		users, err := j.users.ListCandidates(ctx, def.Kind())
		if err != nil {
			return ok, failed, err
		}

		for _, user := range users {
			if err := ctx.Err(); err != nil {
				return ok, failed, err
			}

			loc, err := time.LoadLocation(user.Timezone)
			if err != nil {
				failed++
				j.logger.ErrorContext(ctx, "skipping user with invalid timezone",
					slog.String("user_id", user.ID),
					slog.String("trigger_kind", def.Kind()),
					slog.String("timezone", user.Timezone))
				continue
			}

			// The next local date is a calendar increment, not a 24-hour
			// hop: on a 25-hour fall-back day the hop lands on the same
			// local date and the following day would be skipped.
			today := trigger.DateOf(now, loc)
			tomorrow := today.AddDays(1)
			for _, date := range []trigger.LocalDate{today, tomorrow} {
				if !trigger.FiresOn(def, user, date, fallback) {
					continue
				}
				inserted, err := j.insert(ctx, def, user, date, loc)
				if err != nil {
					failed++
					j.logger.ErrorContext(ctx, "failed to create delivery record",
						slog.String("user_id", user.ID),
						slog.String("trigger_kind", def.Kind()),
						slog.String("calendar_date", date.String()),
						slog.String("error", err.Error()))
					continue
				}
				if inserted {
					ok++
				}
			}
		}
	}
	return ok, failed, nil
}

func (j *PrecomputeJob) insert(ctx context.Context, def trigger.Definition, user *types.User, date trigger.LocalDate, loc *time.Location) (bool, error) {
	hour, minute := def.SendTime()
	sendAt := trigger.ResolveLocalInstant(date, hour, minute, loc)
	content := def.Render(user)

	return j.deliveries.InsertScheduled(ctx, &types.DeliveryRecord{
		ID:              uuid.NewString(),
		UserID:          user.ID,
		TriggerKind:     def.Kind(),
		CalendarDate:    date.Time(),
		ScheduledSendAt: sendAt,
		IdempotencyKey:  types.IdempotencyKey(user.ID, def.Kind(), date.Time()),
		RenderedSubject: content.Subject,
		RenderedMessage: content.Message,
		Destination:     user.Email,
	})
}
