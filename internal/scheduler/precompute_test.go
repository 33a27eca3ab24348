package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"occasio/internal/config"
	"occasio/internal/db"
	"occasio/internal/metrics"
	"occasio/internal/trigger"
	"occasio/internal/types"
)

type mockHistory struct {
	mu sync.Mutex

	started  []string
	status   db.JobRunStatus
	itemsOK  int
	itemsBad int
}

func (m *mockHistory) Start(_ context.Context, _ string, jobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, jobName)
	return nil
}

func (m *mockHistory) Finish(_ context.Context, _ string, status db.JobRunStatus, ok, failed int, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	m.itemsOK = ok
	m.itemsBad = failed
	return nil
}

type mockUserStore struct {
	mu    sync.Mutex
	users map[string][]*types.User
}

func (m *mockUserStore) ListCandidates(_ context.Context, kind string) ([]*types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[kind], nil
}

type mockInserter struct {
	mu        sync.Mutex
	inserted  []*types.DeliveryRecord
	duplicate bool
}

func (m *mockInserter) InsertScheduled(_ context.Context, rec *types.DeliveryRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.duplicate {
		return false, nil
	}
	m.inserted = append(m.inserted, rec)
	return true, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func triggerCfg() config.TriggerConfig {
	return config.TriggerConfig{SendHour: 9, SendMinute: 0, LeapDayFallback: "feb28"}
}

func nyUser(birth time.Time) *types.User {
	return &types.User{
		ID:          "u1",
		DisplayName: "Ada",
		Email:       "ada@example.com",
		Timezone:    "America/New_York",
		BirthDate:   &birth,
	}
}

func newPrecompute(users *mockUserStore, ins *mockInserter, hist *mockHistory, now time.Time) *PrecomputeJob {
	return NewPrecomputeJob(users, ins, trigger.DefaultRegistry(9, 0), hist,
		metrics.Noop{}, types.FixedClock{T: now}, testLogger(), triggerCfg())
}

func TestPrecompute_CreatesRecordForLocalBirthday(t *testing.T) {
	// Midnight UTC on the user's birthday; New York is still on the 14th
	// locally, so the record comes from the look-ahead to the next local day.
	now := time.Date(2026, time.June, 15, 0, 5, 0, 0, time.UTC)
	birth := time.Date(1990, time.June, 15, 0, 0, 0, 0, time.UTC)

	users := &mockUserStore{users: map[string][]*types.User{"birthday": {nyUser(birth)}}}
	ins := &mockInserter{}
	hist := &mockHistory{}

	require.NoError(t, newPrecompute(users, ins, hist, now).Run(context.Background()))

	require.Len(t, ins.inserted, 1)
	rec := ins.inserted[0]
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "birthday", rec.TriggerKind)
	assert.Equal(t, time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC), rec.CalendarDate)
	// 09:00 EDT is 13:00 UTC.
	assert.Equal(t, time.Date(2026, time.June, 15, 13, 0, 0, 0, time.UTC), rec.ScheduledSendAt)
	assert.Equal(t, types.IdempotencyKey("u1", "birthday", rec.CalendarDate), rec.IdempotencyKey)
	assert.Equal(t, "ada@example.com", rec.Destination)
	assert.NotEmpty(t, rec.RenderedSubject)
	assert.NotEmpty(t, rec.ID)

	assert.Equal(t, db.JobRunSucceeded, hist.status)
	assert.Equal(t, 1, hist.itemsOK)
	assert.Equal(t, 0, hist.itemsBad)
}

func TestPrecompute_WinterSendInstant(t *testing.T) {
	now := time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC)
	birth := time.Date(1990, time.January, 15, 0, 0, 0, 0, time.UTC)

	users := &mockUserStore{users: map[string][]*types.User{"birthday": {nyUser(birth)}}}
	ins := &mockInserter{}

	require.NoError(t, newPrecompute(users, ins, &mockHistory{}, now).Run(context.Background()))

	require.Len(t, ins.inserted, 1)
	// 09:00 EST is 14:00 UTC.
	assert.Equal(t, time.Date(2026, time.January, 15, 14, 0, 0, 0, time.UTC), ins.inserted[0].ScheduledSendAt)
}

func TestPrecompute_NoEventNoRecord(t *testing.T) {
	now := time.Date(2026, time.June, 15, 12, 0, 0, 0, time.UTC)
	birth := time.Date(1990, time.March, 3, 0, 0, 0, 0, time.UTC)

	users := &mockUserStore{users: map[string][]*types.User{"birthday": {nyUser(birth)}}}
	ins := &mockInserter{}

	require.NoError(t, newPrecompute(users, ins, &mockHistory{}, now).Run(context.Background()))
	assert.Empty(t, ins.inserted)
}

func TestPrecompute_DuplicateInsertNotCounted(t *testing.T) {
	now := time.Date(2026, time.June, 15, 12, 0, 0, 0, time.UTC)
	birth := time.Date(1990, time.June, 15, 0, 0, 0, 0, time.UTC)

	users := &mockUserStore{users: map[string][]*types.User{"birthday": {nyUser(birth)}}}
	ins := &mockInserter{duplicate: true}
	hist := &mockHistory{}

	require.NoError(t, newPrecompute(users, ins, hist, now).Run(context.Background()))

	assert.Equal(t, 0, hist.itemsOK, "re-run creates nothing new")
	assert.Equal(t, 0, hist.itemsBad)
}

func TestPrecompute_InvalidTimezoneCountedFailed(t *testing.T) {
	now := time.Date(2026, time.June, 15, 12, 0, 0, 0, time.UTC)
	birth := time.Date(1990, time.June, 15, 0, 0, 0, 0, time.UTC)
	bad := nyUser(birth)
	bad.Timezone = "Mars/Olympus_Mons"

	users := &mockUserStore{users: map[string][]*types.User{"birthday": {bad}}}
	ins := &mockInserter{}
	hist := &mockHistory{}

	require.NoError(t, newPrecompute(users, ins, hist, now).Run(context.Background()))

	assert.Empty(t, ins.inserted)
	assert.Equal(t, 1, hist.itemsBad)
	assert.Equal(t, db.JobRunSucceeded, hist.status, "one bad user does not fail the run")
}

func TestPrecompute_NextDayCoveredOnFallBackDay(t *testing.T) {
	// 2026-11-01 is a 25-hour day in New York. The run starts at 00:30
	// local; the user's event is on the next local date, which must still
	// be scheduled even though now+24h lands back on Nov 1 locally.
	now := time.Date(2026, time.November, 1, 4, 30, 0, 0, time.UTC)
	birth := time.Date(1990, time.November, 2, 0, 0, 0, 0, time.UTC)

	users := &mockUserStore{users: map[string][]*types.User{"birthday": {nyUser(birth)}}}
	ins := &mockInserter{}

	require.NoError(t, newPrecompute(users, ins, &mockHistory{}, now).Run(context.Background()))

	require.Len(t, ins.inserted, 1)
	rec := ins.inserted[0]
	assert.Equal(t, time.Date(2026, time.November, 2, 0, 0, 0, 0, time.UTC), rec.CalendarDate)
	// 09:00 EST on Nov 2 is 14:00 UTC.
	assert.Equal(t, time.Date(2026, time.November, 2, 14, 0, 0, 0, time.UTC), rec.ScheduledSendAt)
}

func TestPrecompute_LeapDayFallback(t *testing.T) {
	// 2026 is not a leap year; a Feb 29 birthday is honored on Feb 28.
	now := time.Date(2026, time.February, 28, 12, 0, 0, 0, time.UTC)
	birth := time.Date(2000, time.February, 29, 0, 0, 0, 0, time.UTC)

	u := nyUser(birth)
	u.Timezone = "UTC"
	users := &mockUserStore{users: map[string][]*types.User{"birthday": {u}}}
	ins := &mockInserter{}

	require.NoError(t, newPrecompute(users, ins, &mockHistory{}, now).Run(context.Background()))

	require.Len(t, ins.inserted, 1)
	assert.Equal(t, time.Date(2026, time.February, 28, 0, 0, 0, 0, time.UTC), ins.inserted[0].CalendarDate)
}
