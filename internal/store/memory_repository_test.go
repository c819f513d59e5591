package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaingive/settlement-service/internal/domain"
)

func postEntry(t *testing.T, repo *MemoryRepository, userID string, amount int64, kind domain.TransactionKind, ref string) error {
	t.Helper()
	return repo.InTx(context.Background(), func(tx Tx) error {
		balance, err := tx.LockAccount(context.Background(), userID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := tx.InsertCoinTransaction(context.Background(), &domain.CoinTransaction{
			ID:          uuid.New(),
			UserID:      userID,
			Amount:      amount,
			Kind:        kind,
			ReferenceID: ref,
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		return tx.UpdateAccountBalance(context.Background(), userID, balance+amount, now)
	})
}

func TestMemoryRepository_RollbackUndoesEveryWrite(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, postEntry(t, repo, "alice", 100, domain.KindPurchase, "proof-1"))

	err := postEntry(t, repo, "alice", -150, domain.KindDonationDebit, "cycle-1")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	balance, err := repo.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	sum, count, err := repo.SumCoinTransactions(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), sum)
	assert.Equal(t, 1, count)

	_, err = repo.FindCoinTransactionByReference(ctx, "alice", domain.KindDonationDebit, "cycle-1")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	assert.Equal(t, 0, repo.locks.size())
}

func TestMemoryRepository_DuplicateReferenceRejected(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, postEntry(t, repo, "alice", 100, domain.KindPurchase, "proof-1"))

	err := postEntry(t, repo, "alice", 100, domain.KindPurchase, "proof-1")
	require.ErrorIs(t, err, ErrDuplicateTransaction)

	balance, _ := repo.GetBalance(context.Background(), "alice")
	assert.Equal(t, int64(100), balance)
}

func TestMemoryRepository_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, postEntry(t, repo, "alice", 500, domain.KindPurchase, "proof-1"))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := postEntry(t, repo, "alice", -100, domain.KindWithdrawal, uuid.NewString())
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	balance, _ := repo.GetBalance(context.Background(), "alice")
	assert.Equal(t, int64(0), balance)
	sum, _, _ := repo.SumCoinTransactions(context.Background(), "alice")
	assert.Equal(t, balance, sum)
}

func TestMemoryRepository_UpdateCycleIsCompareAndSet(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	cycle := &domain.Cycle{ID: uuid.New(), DonorID: "donor", RecipientID: "rec", Amount: 50, State: domain.CycleStatePending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.InTx(ctx, func(tx Tx) error { return tx.InsertCycle(ctx, cycle) }))

	var applied []bool
	for i := 0; i < 2; i++ {
		require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
			ok, err := tx.UpdateCycle(ctx, UpdateCycleParams{
				ID:        cycle.ID,
				FromState: domain.CycleStatePending,
				ToState:   domain.CycleStateInTransit,
				UpdatedAt: now,
			})
			applied = append(applied, ok)
			return err
		}))
	}
	assert.Equal(t, []bool{true, false}, applied)

	stored, err := repo.GetCycle(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStateInTransit, stored.State)
}

func TestMemoryRepository_SecondOpenCycleForPairRejected(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	insert := func() error {
		return repo.InTx(ctx, func(tx Tx) error {
			return tx.InsertCycle(ctx, &domain.Cycle{ID: uuid.New(), DonorID: "donor", RecipientID: "rec", Amount: 10, State: domain.CycleStateInTransit})
		})
	}
	require.NoError(t, insert())
	assert.ErrorIs(t, insert(), ErrOpenCycleExists)

	counterparties, err := repo.ListOpenCounterparties(ctx, "donor")
	require.NoError(t, err)
	assert.Equal(t, []string{"rec"}, counterparties)
}

func TestMemoryRepository_ResolveEscrowHoldOnlyOnce(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	hold := &domain.EscrowHold{ID: uuid.New(), CycleID: uuid.New(), DonorID: "donor", RecipientID: "rec", Amount: 10, Status: domain.HoldStatusHeld}
	require.NoError(t, repo.InTx(ctx, func(tx Tx) error { return tx.InsertEscrowHold(ctx, hold) }))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []domain.HoldStatus
	)
	for _, status := range []domain.HoldStatus{domain.HoldStatusReleased, domain.HoldStatusForfeited, domain.HoldStatusRefunded} {
		wg.Add(1)
		go func(status domain.HoldStatus) {
			defer wg.Done()
			_ = repo.InTx(ctx, func(tx Tx) error {
				_, ok, err := tx.ResolveEscrowHold(ctx, hold.ID, status, time.Now())
				if ok {
					mu.Lock()
					winners = append(winners, status)
					mu.Unlock()
				}
				return err
			})
		}(status)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	stored, err := repo.GetEscrowHold(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], stored.Status)
	assert.NotNil(t, stored.ResolvedAt)
}

func TestMemoryRepository_ClaimDueTriggersIsExclusive(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 30; i++ {
		trigger := &domain.ScheduledTrigger{ID: uuid.New(), CycleID: uuid.New(), TriggerType: domain.TriggerMatchExpire, FireAt: now.Add(-time.Minute), CreatedAt: now}
		require.NoError(t, repo.InTx(ctx, func(tx Tx) error { return tx.InsertTrigger(ctx, trigger) }))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[uuid.UUID]int)
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := repo.ClaimDueTriggers(ctx, now, 7, time.Minute)
			assert.NoError(t, err)
			mu.Lock()
			for _, trigger := range batch {
				claimed[trigger.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 30)
	for id, count := range claimed {
		assert.Equalf(t, 1, count, "trigger %s claimed more than once", id)
	}
}

func TestMemoryRepository_StaleClaimIsReclaimed(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	trigger := &domain.ScheduledTrigger{ID: uuid.New(), CycleID: uuid.New(), TriggerType: domain.TriggerObligationDeadline, FireAt: now, CreatedAt: now}
	require.NoError(t, repo.InTx(ctx, func(tx Tx) error { return tx.InsertTrigger(ctx, trigger) }))

	first, err := repo.ClaimDueTriggers(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	again, err := repo.ClaimDueTriggers(ctx, now.Add(30*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	reclaimed, err := repo.ClaimDueTriggers(ctx, now.Add(2*time.Minute), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 2, reclaimed[0].Attempts)

	require.NoError(t, repo.CompleteTrigger(ctx, trigger.ID, domain.TriggerOutcomeFired, now))
	done, err := repo.ClaimDueTriggers(ctx, now.Add(time.Hour), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, done)
}

func TestMemoryRepository_CancelCycleTriggersSkipsClaimed(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	cycleID := uuid.New()
	due := &domain.ScheduledTrigger{ID: uuid.New(), CycleID: cycleID, TriggerType: domain.TriggerMatchExpire, FireAt: now, CreatedAt: now}
	later := &domain.ScheduledTrigger{ID: uuid.New(), CycleID: cycleID, TriggerType: domain.TriggerEscrowAutoRelease, FireAt: now.Add(time.Hour), CreatedAt: now}
	require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertTrigger(ctx, due); err != nil {
			return err
		}
		return tx.InsertTrigger(ctx, later)
	}))

	_, err := repo.ClaimDueTriggers(ctx, now, 10, time.Minute)
	require.NoError(t, err)

	var cancelled int
	require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
		cancelled, err = tx.CancelCycleTriggers(ctx, cycleID, now)
		return err
	}))
	assert.Equal(t, 1, cancelled)

	triggers, err := repo.ListCycleTriggers(ctx, cycleID)
	require.NoError(t, err)
	require.Len(t, triggers, 2)
	assert.Equal(t, domain.TriggerOutcomeCancelled, triggers[1].Outcome)
	assert.Empty(t, triggers[0].Outcome)
}

func TestMemoryRepository_OutboxClaimAndRetry(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.InTx(ctx, func(tx Tx) error {
		return tx.EnqueueEvent(ctx, "settlement.events", domain.RoutingKeyCycleStateChanged, map[string]string{"state": "pending"})
	}))

	rolledBack := errors.New("boom")
	err := repo.InTx(ctx, func(tx Tx) error {
		if err := tx.EnqueueEvent(ctx, "settlement.events", domain.RoutingKeyEscrowResolved, map[string]string{}); err != nil {
			return err
		}
		return rolledBack
	})
	require.ErrorIs(t, err, rolledBack)
	assert.Equal(t, 1, repo.PendingOutboxCount())

	msgs, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"state":"pending"}`, string(msgs[0].Payload))

	require.NoError(t, repo.MarkOutboxFailed(ctx, msgs[0].ID, 60, "broker down"))
	retry, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	require.NoError(t, err)
	assert.Empty(t, retry)

	require.NoError(t, repo.MarkOutboxPublished(ctx, msgs[0].ID))
	assert.Equal(t, 0, repo.PendingOutboxCount())
}

func TestMemoryRepository_CandidatesOrderedByWaitingTime(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	participants := []domain.Participant{
		{UserID: "c", Active: true, KYCApproved: true, City: "Lagos", WaitingSince: base},
		{UserID: "b", Active: true, KYCApproved: true, City: "Lagos", WaitingSince: base},
		{UserID: "a", Active: true, KYCApproved: true, City: "Lagos", WaitingSince: base.Add(time.Hour)},
		{UserID: "banned", Active: true, Banned: true, KYCApproved: true, City: "Lagos"},
		{UserID: "nokyc", Active: true, City: "Lagos"},
		{UserID: "abuja", Active: true, KYCApproved: true, City: "Abuja"},
		{UserID: "donor", Active: true, KYCApproved: true, City: "Lagos"},
	}
	for i := range participants {
		require.NoError(t, repo.UpsertParticipant(ctx, &participants[i]))
	}

	candidates, err := repo.ListCandidateRecipients(ctx, domain.CandidateFilter{ExcludeUserID: "donor", City: "Lagos"})
	require.NoError(t, err)

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.UserID)
	}
	assert.Equal(t, []string{"b", "c", "a"}, ids)
}

func TestMemoryRepository_CoinTransactionExists(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, postEntry(t, repo, "alice", 100, domain.KindPurchase, "proof-1"))

	err := repo.InTx(ctx, func(tx Tx) error {
		posted, err := tx.CoinTransactionExists(ctx, "alice", domain.KindPurchase, "proof-1")
		require.NoError(t, err)
		assert.True(t, posted)

		posted, err = tx.CoinTransactionExists(ctx, "alice", domain.KindWithdrawal, "proof-1")
		require.NoError(t, err)
		assert.False(t, posted)
		return nil
	})
	require.NoError(t, err)
}
