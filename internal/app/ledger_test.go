package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaingive/settlement-service/internal/domain"
)

func TestPostRejectsBadEntries(t *testing.T) {
	e := newTestEngine(t)
	cases := []struct {
		name  string
		entry LedgerEntry
		want  error
	}{
		{name: "missing user", entry: LedgerEntry{Amount: 10, Kind: domain.KindReward, ReferenceID: "r"}, want: ErrInvalidRequest},
		{name: "missing reference", entry: LedgerEntry{UserID: "u", Amount: 10, Kind: domain.KindReward}, want: ErrInvalidRequest},
		{name: "unknown kind", entry: LedgerEntry{UserID: "u", Amount: 10, Kind: "gift", ReferenceID: "r"}, want: ErrInvalidRequest},
		{name: "zero amount", entry: LedgerEntry{UserID: "u", Kind: domain.KindReward, ReferenceID: "r"}, want: ErrInvalidAmount},
		{name: "positive debit", entry: LedgerEntry{UserID: "u", Amount: 10, Kind: domain.KindWithdrawal, ReferenceID: "r"}, want: ErrInvalidAmount},
		{name: "negative credit", entry: LedgerEntry{UserID: "u", Amount: -10, Kind: domain.KindEscrowRelease, ReferenceID: "r"}, want: ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.ledger.Post(context.Background(), tc.entry)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDepositIsIdempotentByProof(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	req := domain.DepositRequest{UserID: "u1", Amount: 700, Proof: "stripe:pi_123"}

	first, created, err := e.ledger.Deposit(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := e.ledger.Deposit(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(700), e.balance(t, "u1"))

	history, err := e.ledger.History(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestWithdrawNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.fund(t, "u1", 300)

	_, err := e.ledger.Withdraw(ctx, domain.WithdrawalRequest{UserID: "u1", Amount: 301, Reference: "payout-1"})
	var insufficient *InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(300), insufficient.Balance)

	entry, err := e.ledger.Withdraw(ctx, domain.WithdrawalRequest{UserID: "u1", Amount: 300, Reference: "payout-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(-300), entry.Amount)

	again, err := e.ledger.Withdraw(ctx, domain.WithdrawalRequest{UserID: "u1", Amount: 300, Reference: "payout-1"})
	require.NoError(t, err)
	assert.Equal(t, entry.ID, again.ID)
	assert.Zero(t, e.balance(t, "u1"))
}

func TestConcurrentDebitsKeepBalanceNonNegative(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.fund(t, "u1", 1000)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.ledger.Withdraw(ctx, domain.WithdrawalRequest{UserID: "u1", Amount: 150, Reference: "payout-" + string(rune('a'+i))})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInsufficientFunds)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 6, succeeded)
	assert.Equal(t, int64(100), e.balance(t, "u1"))
	report, err := e.ledger.Reconcile(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, report.Drift)
	assert.Equal(t, 7, report.TransactionCount)
}

func TestAdjustRequiresReason(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.fund(t, "u1", 100)

	_, err := e.ledger.Adjust(ctx, domain.AdjustmentRequest{UserID: "u1", Amount: 50})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	entry, err := e.ledger.Adjust(ctx, domain.AdjustmentRequest{UserID: "u1", Amount: -40, Reason: "reverse blocked debit"})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ReferenceID)
	assert.Equal(t, domain.KindAdjustment, entry.Kind)
	assert.Equal(t, int64(60), e.balance(t, "u1"))

	_, err = e.ledger.Adjust(ctx, domain.AdjustmentRequest{UserID: "u1", Amount: -100, Reason: "too much"})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestReplayAfterDrainReturnsOriginalEntry(t *testing.T) {
	ctx := context.Background()

	t.Run("withdrawal", func(t *testing.T) {
		e := newTestEngine(t)
		e.fund(t, "u1", 300)

		first, err := e.ledger.Withdraw(ctx, domain.WithdrawalRequest{UserID: "u1", Amount: 300, Reference: "payout-drain"})
		require.NoError(t, err)
		require.Zero(t, e.balance(t, "u1"))

		replay, err := e.ledger.Withdraw(ctx, domain.WithdrawalRequest{UserID: "u1", Amount: 300, Reference: "payout-drain"})
		require.NoError(t, err)
		assert.Equal(t, first.ID, replay.ID)
		assert.Zero(t, e.balance(t, "u1"))
	})

	t.Run("negative adjustment", func(t *testing.T) {
		e := newTestEngine(t)
		e.fund(t, "u1", 100)

		first, err := e.ledger.Adjust(ctx, domain.AdjustmentRequest{UserID: "u1", Amount: -100, Reason: "chargeback", ReferenceID: "cb-1"})
		require.NoError(t, err)

		replay, err := e.ledger.Adjust(ctx, domain.AdjustmentRequest{UserID: "u1", Amount: -100, Reason: "chargeback", ReferenceID: "cb-1"})
		require.NoError(t, err)
		assert.Equal(t, first.ID, replay.ID)
		assert.Zero(t, e.balance(t, "u1"))

		report, err := e.ledger.Reconcile(ctx, "u1")
		require.NoError(t, err)
		assert.Zero(t, report.Drift)
		assert.Equal(t, 2, report.TransactionCount)
	})
}
