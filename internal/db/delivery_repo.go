package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"occasio/internal/types"
)

// DeliveryRepository provides data access for the delivery_records table.
//
// The table carries the core exactly-once machinery: a unique constraint on
// idempotency_key makes inserts idempotent, and every status transition is a
// conditional update ("UPDATE ... WHERE status = X") so concurrent replicas
// and queue redeliveries cannot double-apply a transition.
type DeliveryRepository struct {
	db DBTX
}

// NewDeliveryRepository creates a new DeliveryRepository backed by the given
// database connection (pool or transaction).
func NewDeliveryRepository(db DBTX) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

const deliveryColumns = `id, user_id, trigger_kind, calendar_date,
	scheduled_send_at, idempotency_key, status, attempt_count,
	rendered_subject, rendered_message, destination, failure_reason,
	created_at, updated_at`

// InsertScheduled inserts a new delivery record with status 'scheduled'.
// Returns true if the row was created, false if a record with the same
// idempotency key already exists (a previous run or concurrent replica got
// there first). The uniqueness collision is the expected duplicate-prevention
// path, not an error.
func (r *DeliveryRepository) InsertScheduled(ctx context.Context, rec *types.DeliveryRecord) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO delivery_records
		 (id, user_id, trigger_kind, calendar_date, scheduled_send_at,
		  idempotency_key, status, attempt_count, rendered_subject,
		  rendered_message, destination, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'scheduled', 0, $7, $8, $9, NOW(), NOW())
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		rec.ID,
		rec.UserID,
		rec.TriggerKind,
		rec.CalendarDate,
		rec.ScheduledSendAt,
		rec.IdempotencyKey,
		rec.RenderedSubject,
		rec.RenderedMessage,
		rec.Destination,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert delivery record", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetByID retrieves a delivery record by its ID. Returns a not-found
// AppError when no row matches.
func (r *DeliveryRepository) GetByID(ctx context.Context, id string) (*types.DeliveryRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM delivery_records WHERE id = $1`,
		id,
	)

	rec, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery record not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get delivery record", err)
	}
	return rec, nil
}

// ListDue returns scheduled records whose send instant is at or before the
// given bound, oldest first. The dispatcher calls this with now + lookahead.
func (r *DeliveryRepository) ListDue(ctx context.Context, until time.Time, limit int) ([]*types.DeliveryRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+deliveryColumns+`
		 FROM delivery_records
		 WHERE status = 'scheduled' AND scheduled_send_at <= $1
		 ORDER BY scheduled_send_at
		 LIMIT $2`,
		until,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due delivery records", err)
	}
	return collectDeliveries(rows)
}

// MarkQueued atomically transitions a record from 'scheduled' to 'queued'.
// Returns true if this caller won the transition; false means another
// dispatcher instance (or an earlier pass of this one) already queued it and
// the caller must not publish.
func (r *DeliveryRepository) MarkQueued(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_records
		 SET status = 'queued', updated_at = NOW()
		 WHERE id = $1 AND status = 'scheduled'`,
		id,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark delivery record queued", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSent atomically transitions a record from 'queued' to 'sent'. Returns
// true if the transition applied; false means a concurrent worker already
// resolved the record (acceptable under queue redelivery).
func (r *DeliveryRepository) MarkSent(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_records
		 SET status = 'sent', failure_reason = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'queued'`,
		id,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark delivery record sent", err)
	}
	return tag.RowsAffected() > 0, nil
}

// IncrementAttempt records a failed delivery attempt and returns the new
// attempt count. The failure reason is stored for observability.
func (r *DeliveryRepository) IncrementAttempt(ctx context.Context, id string, reason string) (int, error) {
	var attempts int
	err := r.db.QueryRow(ctx,
		`UPDATE delivery_records
		 SET attempt_count = attempt_count + 1, failure_reason = $2, updated_at = NOW()
		 WHERE id = $1
		 RETURNING attempt_count`,
		id,
		reason,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery record not found", err)
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to increment attempt count", err)
	}
	return attempts, nil
}

// MarkFailed transitions a queued record to the terminal 'failed' state.
// Used for permanent, non-retryable failures (downstream rejection).
func (r *DeliveryRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE delivery_records
		 SET status = 'failed', failure_reason = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'queued'`,
		id,
		reason,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark delivery record failed", err)
	}
	return nil
}

// MarkDeadLetter transitions a record to the terminal 'dead_letter' state.
// The guard on non-terminal statuses ensures a record that already reached
// 'sent' is never overwritten.
func (r *DeliveryRepository) MarkDeadLetter(ctx context.Context, id string, reason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE delivery_records
		 SET status = 'dead_letter', failure_reason = $2, updated_at = NOW()
		 WHERE id = $1 AND status IN ('scheduled', 'queued')`,
		id,
		reason,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to dead-letter delivery record", err)
	}
	return nil
}

// ListStuckQueued returns records that were queued before the cutoff and
// never resolved (crash, lost message, worker death). The recovery job
// re-drives these through the dispatcher path.
func (r *DeliveryRepository) ListStuckQueued(ctx context.Context, cutoff time.Time, limit int) ([]*types.DeliveryRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+deliveryColumns+`
		 FROM delivery_records
		 WHERE status = 'queued' AND updated_at < $1
		 ORDER BY updated_at
		 LIMIT $2`,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list stuck delivery records", err)
	}
	return collectDeliveries(rows)
}

// RequeueStuck atomically transitions a stuck record from 'queued' back to
// 'scheduled' so the dispatcher's normal path re-publishes it. The cutoff is
// re-checked in the WHERE clause so a record a worker touched after the scan
// is left alone. Returns true if the transition applied.
func (r *DeliveryRepository) RequeueStuck(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_records
		 SET status = 'scheduled', updated_at = NOW()
		 WHERE id = $1 AND status = 'queued' AND updated_at < $2`,
		id,
		cutoff,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to requeue stuck delivery record", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListMissedScheduled returns records still 'scheduled' whose send instant
// passed before the cutoff, meaning the dispatcher never picked them up.
func (r *DeliveryRepository) ListMissedScheduled(ctx context.Context, cutoff time.Time, limit int) ([]*types.DeliveryRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+deliveryColumns+`
		 FROM delivery_records
		 WHERE status = 'scheduled' AND scheduled_send_at < $1
		 ORDER BY scheduled_send_at
		 LIMIT $2`,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list missed delivery records", err)
	}
	return collectDeliveries(rows)
}

// collectDeliveries drains a pgx.Rows result set into delivery records.
func collectDeliveries(rows pgx.Rows) ([]*types.DeliveryRecord, error) {
	defer rows.Close()

	var results []*types.DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery record", err)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating delivery records", err)
	}
	return results, nil
}

// scanDelivery scans a single delivery_records row. Handles nullable columns
// using pointer types.
func scanDelivery(row pgx.Row) (*types.DeliveryRecord, error) {
	var (
		rec           types.DeliveryRecord
		status        string
		failureReason *string
	)

	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.TriggerKind,
		&rec.CalendarDate,
		&rec.ScheduledSendAt,
		&rec.IdempotencyKey,
		&status,
		&rec.AttemptCount,
		&rec.RenderedSubject,
		&rec.RenderedMessage,
		&rec.Destination,
		&failureReason,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = types.DeliveryStatus(status)
	if failureReason != nil {
		rec.FailureReason = *failureReason
	}
	return &rec, nil
}
