// Package queue implements the SQS transport between the dispatcher and the
// delivery worker pool: a publisher that enqueues delivery messages with a
// send-time delay, and a long-polling consumer that drives a bounded handler
// pool with explicit ack/nack dispositions.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"occasio/internal/types"
)

// maxSQSDelay is the SQS DelaySeconds ceiling (15 minutes).
const maxSQSDelay = 900 * time.Second

// SQSSender is the subset of the SQS client the publisher uses.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// DeliveryPublisher publishes delivery messages to the delivery queue.
type DeliveryPublisher struct {
	client   SQSSender
	queueURL string
	clock    types.Clock
}

// NewDeliveryPublisher creates a publisher for the given queue URL.
func NewDeliveryPublisher(client SQSSender, queueURL string, clock types.Clock) *DeliveryPublisher {
	return &DeliveryPublisher{
		client:   client,
		queueURL: queueURL,
		clock:    clock,
	}
}

// Publish enqueues a delivery message for the record. If the record's send
// instant is still in the future (the dispatcher looks slightly ahead), the
// message carries an SQS delivery delay so workers never see it early. The
// delay is clamped to the SQS maximum; lookahead windows stay well under it.
func (p *DeliveryPublisher) Publish(ctx context.Context, rec *types.DeliveryRecord, traceID string) error {
	now := p.clock.Now()
	msg := types.DeliveryMessage{
		RecordID:       rec.ID,
		IdempotencyKey: rec.IdempotencyKey,
		TriggerKind:    rec.TriggerKind,
		EnqueuedAt:     now,
		TraceID:        traceID,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal delivery message", err)
	}

	delay := rec.ScheduledSendAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(delay / time.Second),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue, "failed to publish delivery message", err)
	}
	return nil
}
