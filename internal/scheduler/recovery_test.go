package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"occasio/internal/config"
	"occasio/internal/metrics"
	"occasio/internal/types"
)

type mockRecoveryStore struct {
	mu sync.Mutex

	stuck      []*types.DeliveryRecord
	late       []*types.DeliveryRecord
	missed     []*types.DeliveryRecord
	lateCutoff time.Time

	requeued     []string
	requeueLost  map[string]bool
	deadLettered []string
}

func (m *mockRecoveryStore) ListStuckQueued(_ context.Context, _ time.Time, _ int) ([]*types.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stuck := m.stuck
	m.stuck = nil
	return stuck, nil
}

func (m *mockRecoveryStore) RequeueStuck(_ context.Context, id string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.requeueLost[id] {
		return false, nil
	}
	m.requeued = append(m.requeued, id)
	return true, nil
}

func (m *mockRecoveryStore) ListMissedScheduled(_ context.Context, cutoff time.Time, _ int) ([]*types.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// The job scans twice with different cutoffs: the late cutoff for
	// dead-lettering and the missed threshold for reporting.
	if cutoff.Equal(m.lateCutoff) {
		late := m.late
		m.late = nil
		return late, nil
	}
	return m.missed, nil
}

func (m *mockRecoveryStore) MarkDeadLetter(_ context.Context, id string, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLettered = append(m.deadLettered, id)
	return nil
}

func recoveryCfg() config.JobsConfig {
	return config.JobsConfig{
		StuckThreshold:    30 * time.Minute,
		MissedThreshold:   10 * time.Minute,
		LateCutoff:        48 * time.Hour,
		RecoveryBatchSize: 100,
	}
}

func stuckRecord(id string, attempts int, updatedAt time.Time) *types.DeliveryRecord {
	return &types.DeliveryRecord{
		ID:           id,
		Status:       types.StatusQueued,
		AttemptCount: attempts,
		UpdatedAt:    updatedAt,
	}
}

func TestRecovery_RequeuesStuckRecords(t *testing.T) {
	now := time.Date(2026, time.June, 15, 13, 0, 0, 0, time.UTC)
	store := &mockRecoveryStore{
		stuck:      []*types.DeliveryRecord{stuckRecord("a", 1, now.Add(-time.Hour))},
		lateCutoff: now.Add(-48 * time.Hour),
	}
	hist := &mockHistory{}

	job := NewRecoveryJob(store, hist, metrics.Noop{}, types.FixedClock{T: now},
		testLogger(), recoveryCfg(), 5)
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, []string{"a"}, store.requeued)
	assert.Empty(t, store.deadLettered)
	assert.Equal(t, 1, hist.itemsOK)
}

func TestRecovery_ExhaustedStuckRecordIsDeadLettered(t *testing.T) {
	now := time.Date(2026, time.June, 15, 13, 0, 0, 0, time.UTC)
	store := &mockRecoveryStore{
		stuck: []*types.DeliveryRecord{
			stuckRecord("spent", 5, now.Add(-time.Hour)),
			stuckRecord("fresh", 2, now.Add(-time.Hour)),
		},
		lateCutoff: now.Add(-48 * time.Hour),
	}

	job := NewRecoveryJob(store, &mockHistory{}, metrics.Noop{}, types.FixedClock{T: now},
		testLogger(), recoveryCfg(), 5)
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, []string{"spent"}, store.deadLettered)
	assert.Equal(t, []string{"fresh"}, store.requeued)
}

func TestRecovery_RequeueLossIsNotAFailure(t *testing.T) {
	// A worker resolved the record between the scan and the conditional
	// update; nothing to repair.
	now := time.Date(2026, time.June, 15, 13, 0, 0, 0, time.UTC)
	store := &mockRecoveryStore{
		stuck:       []*types.DeliveryRecord{stuckRecord("a", 1, now.Add(-time.Hour))},
		requeueLost: map[string]bool{"a": true},
		lateCutoff:  now.Add(-48 * time.Hour),
	}
	hist := &mockHistory{}

	job := NewRecoveryJob(store, hist, metrics.Noop{}, types.FixedClock{T: now},
		testLogger(), recoveryCfg(), 5)
	require.NoError(t, job.Run(context.Background()))

	assert.Empty(t, store.requeued)
	assert.Equal(t, 0, hist.itemsBad)
}

func TestRecovery_DeadLettersVeryLateScheduled(t *testing.T) {
	now := time.Date(2026, time.June, 15, 13, 0, 0, 0, time.UTC)
	store := &mockRecoveryStore{
		late: []*types.DeliveryRecord{{
			ID:              "ancient",
			Status:          types.StatusScheduled,
			ScheduledSendAt: now.Add(-72 * time.Hour),
		}},
		lateCutoff: now.Add(-48 * time.Hour),
	}

	job := NewRecoveryJob(store, &mockHistory{}, metrics.Noop{}, types.FixedClock{T: now},
		testLogger(), recoveryCfg(), 5)
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, []string{"ancient"}, store.deadLettered)
}

// stubbornRecoveryStore serves one full page that succeeds, then full pages
// whose every mutation errors, forever. A correct pagination loop must stop
// after the first page that makes no progress.
type stubbornRecoveryStore struct {
	mu sync.Mutex

	pageSize   int
	lateCutoff time.Time

	stuckLists int
	lateLists  int
	requeued   []string
}

func (m *stubbornRecoveryStore) page(prefix string) []*types.DeliveryRecord {
	recs := make([]*types.DeliveryRecord, m.pageSize)
	for i := range recs {
		recs[i] = &types.DeliveryRecord{ID: prefix, AttemptCount: 1}
	}
	return recs
}

func (m *stubbornRecoveryStore) ListStuckQueued(_ context.Context, _ time.Time, _ int) ([]*types.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stuckLists++
	if m.stuckLists == 1 {
		return m.page("good"), nil
	}
	return m.page("bad"), nil
}

func (m *stubbornRecoveryStore) RequeueStuck(_ context.Context, id string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "bad" {
		return false, types.NewAppError(types.ErrCodeInternalDB, "deadlock", nil)
	}
	m.requeued = append(m.requeued, id)
	return true, nil
}

func (m *stubbornRecoveryStore) ListMissedScheduled(_ context.Context, cutoff time.Time, _ int) ([]*types.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !cutoff.Equal(m.lateCutoff) {
		return nil, nil
	}
	m.lateLists++
	if m.lateLists == 1 {
		return m.page("good"), nil
	}
	return m.page("bad"), nil
}

func (m *stubbornRecoveryStore) MarkDeadLetter(_ context.Context, id string, _ string) error {
	if id == "bad" {
		return types.NewAppError(types.ErrCodeInternalDB, "deadlock", nil)
	}
	return nil
}

func TestRecovery_StuckPageWithoutProgressEndsTheRun(t *testing.T) {
	now := time.Date(2026, time.June, 15, 13, 0, 0, 0, time.UTC)
	cfg := recoveryCfg()
	cfg.RecoveryBatchSize = 2
	store := &stubbornRecoveryStore{pageSize: 2, lateCutoff: now.Add(-cfg.LateCutoff)}
	hist := &mockHistory{}

	job := NewRecoveryJob(store, hist, metrics.Noop{}, types.FixedClock{T: now},
		testLogger(), cfg, 5)
	require.NoError(t, job.Run(context.Background()))

	// One good page, then exactly one failing page before giving up; the
	// earlier cumulative successes must not keep the loop alive.
	assert.Equal(t, 2, store.stuckLists)
	assert.Len(t, store.requeued, 2)
}

func TestRecovery_LatePageWithoutProgressEndsTheRun(t *testing.T) {
	now := time.Date(2026, time.June, 15, 13, 0, 0, 0, time.UTC)
	cfg := recoveryCfg()
	cfg.RecoveryBatchSize = 2
	store := &stubbornRecoveryStore{pageSize: 2, lateCutoff: now.Add(-cfg.LateCutoff)}
	hist := &mockHistory{}

	job := NewRecoveryJob(store, hist, metrics.Noop{}, types.FixedClock{T: now},
		testLogger(), cfg, 5)
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, 2, store.lateLists)
}

func TestRecovery_StopsWhenContextCancelled(t *testing.T) {
	now := time.Date(2026, time.June, 15, 13, 0, 0, 0, time.UTC)
	cfg := recoveryCfg()
	cfg.RecoveryBatchSize = 2
	store := &stubbornRecoveryStore{pageSize: 2, lateCutoff: now.Add(-cfg.LateCutoff)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := NewRecoveryJob(store, &mockHistory{}, metrics.Noop{}, types.FixedClock{T: now},
		testLogger(), cfg, 5)
	require.Error(t, job.Run(ctx))
	assert.Equal(t, 0, store.stuckLists, "an expired run deadline must stop paging")
}

func TestRecovery_RecentMissedLeftForDispatcher(t *testing.T) {
	// Missed but inside the late cutoff: the dispatcher sends it on its
	// next pass; recovery must not touch it.
	now := time.Date(2026, time.June, 15, 13, 0, 0, 0, time.UTC)
	store := &mockRecoveryStore{
		missed: []*types.DeliveryRecord{{
			ID:              "lagging",
			Status:          types.StatusScheduled,
			ScheduledSendAt: now.Add(-20 * time.Minute),
		}},
		lateCutoff: now.Add(-48 * time.Hour),
	}

	job := NewRecoveryJob(store, &mockHistory{}, metrics.Noop{}, types.FixedClock{T: now},
		testLogger(), recoveryCfg(), 5)
	require.NoError(t, job.Run(context.Background()))

	assert.Empty(t, store.deadLettered)
	assert.Empty(t, store.requeued)
}
