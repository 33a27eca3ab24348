package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyKey(t *testing.T) {
	date := time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC)

	k1 := IdempotencyKey("u1", "birthday", date)
	k2 := IdempotencyKey("u1", "birthday", date)
	assert.Equal(t, k1, k2, "same event, same key, on every run")
	assert.Len(t, k1, 64)

	assert.NotEqual(t, k1, IdempotencyKey("u2", "birthday", date))
	assert.NotEqual(t, k1, IdempotencyKey("u1", "anniversary", date))
	assert.NotEqual(t, k1, IdempotencyKey("u1", "birthday", date.AddDate(1, 0, 0)))

	// Only the date component participates; the time of day must not.
	assert.Equal(t, k1, IdempotencyKey("u1", "birthday", date.Add(14*time.Hour)))
}

func TestDeliveryStatusTerminal(t *testing.T) {
	assert.False(t, StatusScheduled.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.True(t, StatusSent.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusDeadLetter.Terminal())
}

func TestErrorCodeClassification(t *testing.T) {
	assert.True(t, ErrCodeNotifyTimeout.Retryable())
	assert.True(t, ErrCodeNotifyUnavailable.Retryable())
	assert.True(t, ErrCodeNotifyCircuitOpen.Retryable())
	assert.True(t, ErrCodeInternalDB.Retryable())

	assert.False(t, ErrCodeNotifyRejected.Retryable())
	assert.False(t, ErrCodeValidationInvalidTimezone.Retryable())

	assert.True(t, ErrCodeNotifyRejected.Permanent())
	assert.True(t, ErrCodeValidationMissingField.Permanent())
	assert.False(t, ErrCodeNotifyTimeout.Permanent())
}

func TestUserDeleted(t *testing.T) {
	now := time.Now()
	assert.False(t, (&User{}).Deleted())
	assert.True(t, (&User{DeletedAt: &now}).Deleted())
}
