package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"
)

// maxVisibilityTimeout is the SQS visibility timeout ceiling (12 hours).
const maxVisibilityTimeout = 12 * time.Hour

// SQSReceiver is the subset of the SQS client the consumer uses.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Disposition is a handler's verdict on a message.
//
// Ack deletes the message from the queue: the work is resolved and must not
// be redelivered. Otherwise the message's visibility timeout is set to
// RetryDelay, so the queue redelivers it after the backoff; attempt state
// lives in the store, not the message.
type Disposition struct {
	Ack        bool
	RetryDelay time.Duration
}

// MessageHandler processes one received message body.
type MessageHandler interface {
	Handle(ctx context.Context, body string) Disposition
}

// Consumer is the long-polling SQS receive loop feeding a bounded pool of
// handler goroutines. One consumer per process; Prefetch bounds in-flight
// messages.
type Consumer struct {
	client   SQSReceiver
	queueURL string
	handler  MessageHandler
	prefetch int
	waitTime time.Duration
	logger   *slog.Logger
}

// NewConsumer creates a consumer for the given queue URL.
func NewConsumer(client SQSReceiver, queueURL string, handler MessageHandler, prefetch int, waitTime time.Duration, logger *slog.Logger) *Consumer {
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		handler:  handler,
		prefetch: prefetch,
		waitTime: waitTime,
		logger:   logger,
	}
}

// Run receives and processes messages until the context is cancelled.
// Receive errors are logged and retried after a short pause; in-flight
// handlers finish before Run returns.
//
// Each receive asks for at most as many messages as there are free handler
// slots, so unacknowledged in-flight work never exceeds the prefetch bound.
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	sem := make(chan struct{}, c.prefetch)

	// SQS caps a single receive at 10 messages.
	maxBatch := 10
	if c.prefetch < 10 {
		maxBatch = c.prefetch
	}

	for {
		// Wait for at least one free slot, then grab any others without
		// blocking to size the receive.
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		slots := 1
	fill:
		for slots < maxBatch {
			select {
			case sem <- struct{}{}:
				slots++
			default:
				break fill
			}
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: int32(slots),
			WaitTimeSeconds:     int32(c.waitTime / time.Second),
		})
		if err != nil {
			for i := 0; i < slots; i++ {
				<-sem
			}
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				break
			}
			c.logger.ErrorContext(ctx, "receive failed, backing off",
				slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for i := len(out.Messages); i < slots; i++ {
			<-sem
		}
		for _, m := range out.Messages {
			msg := m
			g.Go(func() error {
				defer func() { <-sem }()
				c.process(gctx, msg)
				return nil
			})
		}
	}

	return g.Wait()
}

func (c *Consumer) process(ctx context.Context, msg sqstypes.Message) {
	d := c.handler.Handle(ctx, aws.ToString(msg.Body))

	if d.Ack {
		_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(c.queueURL),
			ReceiptHandle: msg.ReceiptHandle,
		})
		if err != nil {
			// The message will be redelivered; the handler's terminal-state
			// check makes the redelivery a no-op.
			c.logger.ErrorContext(ctx, "failed to delete message",
				slog.String("message_id", aws.ToString(msg.MessageId)),
				slog.String("error", err.Error()))
		}
		return
	}

	delay := d.RetryDelay
	if delay < 0 {
		delay = 0
	}
	if delay > maxVisibilityTimeout {
		delay = maxVisibilityTimeout
	}
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     msg.ReceiptHandle,
		VisibilityTimeout: int32(delay / time.Second),
	})
	if err != nil {
		// Redelivery falls back to the queue's default visibility timeout.
		c.logger.ErrorContext(ctx, "failed to set retry delay",
			slog.String("message_id", aws.ToString(msg.MessageId)),
			slog.String("error", err.Error()))
	}
}
