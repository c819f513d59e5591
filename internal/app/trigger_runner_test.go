package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chaingive/settlement-service/internal/domain"
	"github.com/chaingive/settlement-service/internal/store"
)

func TestRetryDelaySeconds(t *testing.T) {
	cases := map[int]int{0: 1, 1: 2, 2: 4, 5: 32, 8: 256, 9: 256, 20: 256}
	for attempt, want := range cases {
		assert.Equal(t, want, retryDelaySeconds(attempt), "attempt %d", attempt)
	}
}

func newRunner(t *testing.T, repo store.Repository, clock *fakeClock) *TriggerRunner {
	t.Helper()
	runner := NewTriggerRunner(repo, zap.NewNop(), testConfig())
	runner.now = clock.Now
	return runner
}

func TestRunnersNeverShareATrigger(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	clock := newFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))

	const total = 40
	for i := 0; i < total; i++ {
		seed := newRunner(t, repo, clock)
		_, err := seed.Schedule(ctx, uuid.New(), domain.TriggerMatchExpire, clock.Now().Add(-time.Minute))
		require.NoError(t, err)
	}

	var (
		mu    sync.Mutex
		fired = map[uuid.UUID]int{}
	)
	handler := func(ctx context.Context, trigger domain.ScheduledTrigger) error {
		mu.Lock()
		fired[trigger.ID]++
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		runner := newRunner(t, repo, clock)
		runner.batchSize = 7
		runner.OnDue(domain.TriggerMatchExpire, handler)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := runner.RunOnce(ctx)
				assert.NoError(t, err)
				if claimed == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, fired, total)
	for id, n := range fired {
		assert.Equal(t, 1, n, "trigger %s fired more than once", id)
	}
}

func TestRunnerOutcomes(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	clock := newFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	runner := newRunner(t, repo, clock)
	cycleID := uuid.New()
	retryAt := clock.Now().Add(time.Hour)

	outcomes := map[domain.TriggerType]error{
		domain.TriggerMatchExpire:        nil,
		domain.TriggerEscrowAutoRelease:  ErrStaleTrigger,
		domain.TriggerReceiptReminder:    &TriggerNotDueError{RetryAt: retryAt},
		domain.TriggerObligationDeadline: errors.New("database unavailable"),
	}
	for triggerType, result := range outcomes {
		result := result
		runner.OnDue(triggerType, func(context.Context, domain.ScheduledTrigger) error { return result })
		_, err := runner.Schedule(ctx, cycleID, triggerType, clock.Now())
		require.NoError(t, err)
	}

	claimed, err := runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, claimed)

	triggers, err := repo.ListCycleTriggers(ctx, cycleID)
	require.NoError(t, err)
	byType := map[domain.TriggerType]domain.ScheduledTrigger{}
	for _, tr := range triggers {
		byType[tr.TriggerType] = tr
	}

	assert.Equal(t, domain.TriggerOutcomeFired, byType[domain.TriggerMatchExpire].Outcome)
	assert.Equal(t, domain.TriggerOutcomeStale, byType[domain.TriggerEscrowAutoRelease].Outcome)

	notDue := byType[domain.TriggerReceiptReminder]
	assert.False(t, notDue.Consumed)
	assert.Equal(t, retryAt, notDue.FireAt)

	failed := byType[domain.TriggerObligationDeadline]
	assert.False(t, failed.Consumed)
	assert.Equal(t, clock.Now().Add(2*time.Second), failed.FireAt)
	assert.Equal(t, "database unavailable", failed.LastError)

	claimed, err = runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, claimed)
}

func TestRunnerReleasesUnhandledTypes(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	clock := newFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	runner := newRunner(t, repo, clock)

	trigger, err := runner.Schedule(ctx, uuid.New(), domain.TriggerReceiptReminder, clock.Now())
	require.NoError(t, err)
	_, err = runner.RunOnce(ctx)
	require.NoError(t, err)

	triggers, err := repo.ListCycleTriggers(ctx, trigger.CycleID)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.False(t, triggers[0].Consumed)
	assert.Equal(t, "no handler registered", triggers[0].LastError)
}

func TestScheduleRejectsUnknownType(t *testing.T) {
	repo := store.NewMemoryRepository()
	runner := newRunner(t, repo, newFakeClock(time.Now()))
	_, err := runner.Schedule(context.Background(), uuid.New(), domain.TriggerType("nudge"), time.Now())
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRunStopsOnCancel(t *testing.T) {
	repo := store.NewMemoryRepository()
	clock := newFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	runner := newRunner(t, repo, clock)
	runner.pollInterval = 5 * time.Millisecond

	var calls atomic.Int32
	runner.OnDue(domain.TriggerMatchExpire, func(context.Context, domain.ScheduledTrigger) error {
		calls.Add(1)
		return nil
	})
	_, err := runner.Schedule(context.Background(), uuid.New(), domain.TriggerMatchExpire, clock.Now())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
