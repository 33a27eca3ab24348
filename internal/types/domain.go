// Package types defines the shared domain entities, enums, error taxonomy,
// and transport envelopes used across the Occasio scheduling core.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DeliveryStatus is the lifecycle state of a DeliveryRecord.
type DeliveryStatus string

const (
	// StatusScheduled is the initial state set by the precompute job.
	StatusScheduled DeliveryStatus = "scheduled"

	// StatusQueued means the dispatcher has published the record to the
	// delivery queue. Only the dispatcher performs this transition, exactly
	// once per record via a conditional update.
	StatusQueued DeliveryStatus = "queued"

	// StatusSent is the successful terminal state.
	StatusSent DeliveryStatus = "sent"

	// StatusFailed is the terminal state for permanent, non-retryable
	// failures (e.g., the notify service rejected the message).
	StatusFailed DeliveryStatus = "failed"

	// StatusDeadLetter is the terminal state for records that exhausted
	// their retry budget or were recovered too late to be worth sending.
	StatusDeadLetter DeliveryStatus = "dead_letter"
)

// Terminal reports whether the status is final. Workers discard queue
// redeliveries for records already in a terminal state.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// User is a read-only projection of the user-management service's record.
// This core never mutates users and never assumes a user remains resolvable
// at send time; everything needed for delivery is snapshot onto the
// DeliveryRecord at precompute time.
type User struct {
	ID          string
	DisplayName string
	Email       string
	Timezone    string // IANA zone identifier, e.g. "America/New_York"

	// Trigger-relevant dates. Only the date component is meaningful.
	BirthDate       *time.Time
	AnniversaryDate *time.Time

	DeletedAt *time.Time // soft-delete tombstone
}

// Deleted reports whether the user has been soft-deleted.
func (u *User) Deleted() bool { return u.DeletedAt != nil }

// RenderedContent is the message snapshot captured when a delivery record is
// created, so later user edits or deletion cannot change or block delivery.
type RenderedContent struct {
	Subject string
	Message string
}

// DeliveryRecord is the central entity of the scheduling core: one row per
// (user, trigger kind, calendar date) event, unique on IdempotencyKey.
type DeliveryRecord struct {
	ID              string
	UserID          string
	TriggerKind     string
	CalendarDate    time.Time // local calendar date of the event (date component only)
	ScheduledSendAt time.Time // absolute UTC send instant
	IdempotencyKey  string
	Status          DeliveryStatus
	AttemptCount    int
	RenderedSubject string
	RenderedMessage string
	Destination     string
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IdempotencyKey derives the deterministic uniqueness key for a
// (user, trigger kind, calendar date) event. The key is the sole duplicate
// prevention mechanism: the store enforces a unique constraint on it, and
// every component derives it the same way.
func IdempotencyKey(userID, triggerKind string, calendarDate time.Time) string {
	raw := fmt.Sprintf("%s|%s|%s", userID, triggerKind, calendarDate.Format("2006-01-02"))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
