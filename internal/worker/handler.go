// Package worker implements the delivery message handler: the per-message
// pipeline that turns a queued delivery record into a sent notification, with
// retry, dead-lettering, and circuit-breaker awareness.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"occasio/internal/external"
	"occasio/internal/metrics"
	"occasio/internal/queue"
	"occasio/internal/types"
)

// DeliveryStore is the delivery record access the handler needs.
type DeliveryStore interface {
	GetByID(ctx context.Context, id string) (*types.DeliveryRecord, error)
	MarkSent(ctx context.Context, id string) (bool, error)
	IncrementAttempt(ctx context.Context, id string, reason string) (int, error)
	MarkFailed(ctx context.Context, id string, reason string) error
	MarkDeadLetter(ctx context.Context, id string, reason string) error
}

// Sender delivers one message through the downstream notify service.
type Sender interface {
	Send(ctx context.Context, req external.SendRequest) error
}

// RetryPolicy computes retry delays: exponential backoff from Base doubling
// per attempt, capped at Max, widened by a +/- Jitter fraction so retries
// from a burst of failures do not land on the downstream in lockstep.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Jitter      float64
}

// Backoff returns the delay before the next try after the given number of
// completed attempts.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	d := p.Base
	for i := 0; i < attempts && d < p.Max; i++ {
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	if p.Jitter > 0 {
		spread := 1 + p.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * spread)
	}
	return d
}

// Handler processes delivery messages. It implements queue.MessageHandler.
type Handler struct {
	store   DeliveryStore
	sender  Sender
	policy  RetryPolicy
	metrics metrics.Recorder
	clock   types.Clock
	logger  *slog.Logger
}

// NewHandler creates a delivery message handler.
func NewHandler(store DeliveryStore, sender Sender, policy RetryPolicy, rec metrics.Recorder, clock types.Clock, logger *slog.Logger) *Handler {
	return &Handler{
		store:   store,
		sender:  sender,
		policy:  policy,
		metrics: rec,
		clock:   clock,
		logger:  logger,
	}
}

// Handle processes one message body and returns its disposition.
//
// The pipeline: parse, load the record, drop anything no longer 'queued'
// (terminal records are redeliveries of resolved work; 'scheduled' records
// were reclaimed by the recovery job and will be republished), then send and
// conditionally mark sent. Failures either consume an attempt and back off,
// dead-letter on budget exhaustion, or resolve as failed when the downstream
// rejected the message outright. A fast-fail from an open circuit breaker is
// not a delivery attempt and consumes no budget.
func (h *Handler) Handle(ctx context.Context, body string) queue.Disposition {
	var msg types.DeliveryMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		h.logger.ErrorContext(ctx, "dropping malformed delivery message",
			slog.String("error", err.Error()))
		return queue.Disposition{Ack: true}
	}

	log := h.logger.With(
		slog.String("record_id", msg.RecordID),
		slog.String("trigger_kind", msg.TriggerKind),
		slog.String("trace_id", msg.TraceID),
	)

	rec, err := h.store.GetByID(ctx, msg.RecordID)
	if err != nil {
		if code(err) == types.ErrCodeNotFoundDelivery {
			log.ErrorContext(ctx, "delivery record missing for queued message")
			return queue.Disposition{Ack: true}
		}
		log.ErrorContext(ctx, "failed to load delivery record",
			slog.String("error", err.Error()))
		return queue.Disposition{RetryDelay: h.policy.Backoff(0)}
	}

	if rec.Status != types.StatusQueued {
		log.InfoContext(ctx, "dropping message for record no longer queued",
			slog.String("status", string(rec.Status)))
		return queue.Disposition{Ack: true}
	}

	if !msg.EnqueuedAt.IsZero() {
		// Time spent waiting beyond the intended delivery delay.
		lag := h.clock.Now().Sub(msg.EnqueuedAt)
		if rec.ScheduledSendAt.After(msg.EnqueuedAt) {
			lag = h.clock.Now().Sub(rec.ScheduledSendAt)
		}
		if lag > 0 {
			h.metrics.RecordQueueLag(ctx, lag)
		}
	}

	err = h.sender.Send(ctx, external.SendRequest{
		Destination:    rec.Destination,
		Subject:        rec.RenderedSubject,
		Message:        rec.RenderedMessage,
		IdempotencyKey: rec.IdempotencyKey,
	})
	if err == nil {
		return h.resolveSent(ctx, log, rec)
	}
	return h.resolveFailure(ctx, log, rec, err)
}

func (h *Handler) resolveSent(ctx context.Context, log *slog.Logger, rec *types.DeliveryRecord) queue.Disposition {
	applied, err := h.store.MarkSent(ctx, rec.ID)
	if err != nil {
		// The send happened; redelivery will find the record still queued,
		// re-send behind the notify service's idempotency key, and retry
		// the mark. Never republish-and-lose the record.
		log.ErrorContext(ctx, "sent but failed to mark record",
			slog.String("error", err.Error()))
		return queue.Disposition{RetryDelay: h.policy.Backoff(0)}
	}
	if !applied {
		log.WarnContext(ctx, "record resolved concurrently after send")
	}

	h.metrics.RecordDelivery(ctx, rec.TriggerKind, "sent")
	if latency := h.clock.Now().Sub(rec.ScheduledSendAt); latency > 0 {
		h.metrics.RecordDeliveryLatency(ctx, rec.TriggerKind, latency)
	}
	log.InfoContext(ctx, "delivery sent",
		slog.Int("attempt_count", rec.AttemptCount))
	return queue.Disposition{Ack: true}
}

func (h *Handler) resolveFailure(ctx context.Context, log *slog.Logger, rec *types.DeliveryRecord, sendErr error) queue.Disposition {
	errCode := code(sendErr)

	if errCode == types.ErrCodeNotifyCircuitOpen {
		// Fast-fail: the downstream was never asked, so no attempt is
		// consumed. Redeliver after the base delay and let the breaker's
		// reset timer do its work.
		h.metrics.RecordDelivery(ctx, rec.TriggerKind, "deferred")
		log.WarnContext(ctx, "delivery deferred, circuit breaker open")
		return queue.Disposition{RetryDelay: h.policy.Backoff(0)}
	}

	if errCode.Permanent() {
		if err := h.store.MarkFailed(ctx, rec.ID, sendErr.Error()); err != nil {
			log.ErrorContext(ctx, "failed to mark record failed",
				slog.String("error", err.Error()))
			return queue.Disposition{RetryDelay: h.policy.Backoff(0)}
		}
		h.metrics.RecordDelivery(ctx, rec.TriggerKind, "failed")
		log.ErrorContext(ctx, "delivery rejected permanently",
			slog.String("error", sendErr.Error()))
		return queue.Disposition{Ack: true}
	}

	attempts, err := h.store.IncrementAttempt(ctx, rec.ID, sendErr.Error())
	if err != nil {
		log.ErrorContext(ctx, "failed to record delivery attempt",
			slog.String("error", err.Error()))
		return queue.Disposition{RetryDelay: h.policy.Backoff(0)}
	}

	if attempts >= h.policy.MaxAttempts {
		if err := h.store.MarkDeadLetter(ctx, rec.ID, sendErr.Error()); err != nil {
			log.ErrorContext(ctx, "failed to dead-letter record",
				slog.String("error", err.Error()))
			return queue.Disposition{RetryDelay: h.policy.Backoff(attempts)}
		}
		h.metrics.RecordDelivery(ctx, rec.TriggerKind, "dead_letter")
		log.ErrorContext(ctx, "delivery dead-lettered after exhausting retries",
			slog.Int("attempt_count", attempts),
			slog.String("error", sendErr.Error()))
		return queue.Disposition{Ack: true}
	}

	delay := h.policy.Backoff(attempts)
	h.metrics.RecordDelivery(ctx, rec.TriggerKind, "retried")
	log.WarnContext(ctx, "delivery failed, retrying",
		slog.Int("attempt_count", attempts),
		slog.Duration("retry_delay", delay),
		slog.String("error", sendErr.Error()))
	return queue.Disposition{RetryDelay: delay}
}

// code extracts the AppError code from an error chain.
func code(err error) types.ErrorCode {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return types.ErrCodeInternalUnexpected
}
