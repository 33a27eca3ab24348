package types

import "time"

// DeliveryMessage is the SQS payload published by the dispatcher and consumed
// by the delivery workers. It is intentionally thin: the worker re-reads the
// authoritative DeliveryRecord from the store before acting, so the message
// only needs to identify the record and carry observability metadata.
type DeliveryMessage struct {
	RecordID       string    `json:"record_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	TriggerKind    string    `json:"trigger_kind"`
	EnqueuedAt     time.Time `json:"enqueued_at"`

	// TraceID correlates dispatcher and worker log lines for one delivery.
	TraceID string `json:"trace_id"`
}
