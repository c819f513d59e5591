/**
 * @description
 * Coin ledger. Every balance change is a CoinTransaction appended in the same
 * store transaction that rewrites the materialized balance, under the
 * account's row lock.
 *
 * @notes
 * - A debit that would take the balance below zero fails with
 *   InsufficientFundsError; amounts are never clamped.
 * - Deposits are idempotent by proof through the (user, kind, reference) key.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chaingive/settlement-service/internal/domain"
	"github.com/chaingive/settlement-service/internal/metrics"
	"github.com/chaingive/settlement-service/internal/store"
)

// LedgerEntry is a requested balance movement.
type LedgerEntry struct {
	UserID      string
	Amount      int64
	Kind        domain.TransactionKind
	ReferenceID string
	Memo        string
}

// Ledger owns every coin balance change.
type Ledger struct {
	repo store.Repository
	log  *zap.Logger
	now  func() time.Time
}

func NewLedger(repo store.Repository, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		repo: repo,
		log:  log.With(zap.String("component", "ledger")),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func validateEntry(entry LedgerEntry) error {
	if strings.TrimSpace(entry.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(entry.ReferenceID) == "" {
		return fmt.Errorf("%w: reference id is required", ErrInvalidRequest)
	}
	if !entry.Kind.Valid() {
		return fmt.Errorf("%w: unknown transaction kind %q", ErrInvalidRequest, entry.Kind)
	}
	if entry.Amount == 0 {
		return fmt.Errorf("%w: amount must not be zero", ErrInvalidAmount)
	}
	switch direction := entry.Kind.Direction(); {
	case direction < 0 && entry.Amount > 0:
		return fmt.Errorf("%w: %s must be negative", ErrInvalidAmount, entry.Kind)
	case direction > 0 && entry.Amount < 0:
		return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, entry.Kind)
	}
	return nil
}

// PostTx appends entry inside the caller's unit of work and returns the stored
// transaction and the new balance.
func (l *Ledger) PostTx(ctx context.Context, tx store.Tx, entry LedgerEntry) (*domain.CoinTransaction, int64, error) {
	if err := validateEntry(entry); err != nil {
		return nil, 0, err
	}

	balance, err := tx.LockAccount(ctx, entry.UserID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to lock account: %w", err)
	}
	// Checked before the balance: a replay after a drain is still a duplicate.
	posted, err := tx.CoinTransactionExists(ctx, entry.UserID, entry.Kind, entry.ReferenceID)
	if err != nil {
		return nil, balance, fmt.Errorf("failed to check reference: %w", err)
	}
	if posted {
		return nil, balance, store.ErrDuplicateTransaction
	}
	newBalance := balance + entry.Amount
	if newBalance < 0 {
		return nil, balance, &InsufficientFundsError{UserID: entry.UserID, Balance: balance, Required: -entry.Amount}
	}

	now := l.now()
	record := &domain.CoinTransaction{
		ID:          uuid.New(),
		UserID:      entry.UserID,
		Amount:      entry.Amount,
		Kind:        entry.Kind,
		ReferenceID: entry.ReferenceID,
		Memo:        entry.Memo,
		CreatedAt:   now,
	}
	if err := tx.InsertCoinTransaction(ctx, record); err != nil {
		return nil, balance, err
	}
	if err := tx.UpdateAccountBalance(ctx, entry.UserID, newBalance, now); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return nil, balance, &InsufficientFundsError{UserID: entry.UserID, Balance: balance, Required: -entry.Amount}
		}
		return nil, balance, fmt.Errorf("failed to update balance: %w", err)
	}
	return record, newBalance, nil
}

// Post appends entry in its own transaction and returns the new balance.
func (l *Ledger) Post(ctx context.Context, entry LedgerEntry) (int64, error) {
	_, balance, err := l.post(ctx, entry)
	return balance, err
}

func (l *Ledger) post(ctx context.Context, entry LedgerEntry) (*domain.CoinTransaction, int64, error) {
	var (
		record     *domain.CoinTransaction
		newBalance int64
	)
	err := l.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		record, newBalance, err = l.PostTx(ctx, tx, entry)
		return err
	})
	metrics.RecordLedgerPost(string(entry.Kind), err)
	if err != nil {
		return nil, 0, err
	}
	l.log.Info("ledger post applied",
		zap.String("user_id", entry.UserID),
		zap.String("kind", string(entry.Kind)),
		zap.Int64("amount", entry.Amount),
		zap.String("reference_id", entry.ReferenceID),
		zap.Int64("balance", newBalance),
	)
	return record, newBalance, nil
}

// BalanceOf returns the materialized balance; unknown accounts hold zero.
func (l *Ledger) BalanceOf(ctx context.Context, userID string) (int64, error) {
	return l.repo.GetBalance(ctx, userID)
}

// History returns the newest transactions first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]domain.CoinTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.repo.ListCoinTransactions(ctx, userID, limit)
}

// Deposit credits a purchase from the funding source. Replaying the same proof
// returns the original transaction and created=false.
func (l *Ledger) Deposit(ctx context.Context, req domain.DepositRequest) (*domain.CoinTransaction, bool, error) {
	if req.Amount <= 0 {
		return nil, false, fmt.Errorf("%w: deposit amount must be positive", ErrInvalidAmount)
	}
	proof := strings.TrimSpace(req.Proof)
	if proof == "" {
		return nil, false, fmt.Errorf("%w: deposit proof is required", ErrInvalidRequest)
	}

	record, _, err := l.post(ctx, LedgerEntry{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Kind:        domain.KindPurchase,
		ReferenceID: proof,
		Memo:        "deposit",
	})
	if errors.Is(err, store.ErrDuplicateTransaction) {
		existing, findErr := l.repo.FindCoinTransactionByReference(ctx, req.UserID, domain.KindPurchase, proof)
		if findErr != nil {
			return nil, false, findErr
		}
		l.log.Info("duplicate deposit ignored", zap.String("user_id", req.UserID), zap.String("proof", proof))
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// Withdraw debits coins to the payout sink. A repeated reference returns the
// original transaction.
func (l *Ledger) Withdraw(ctx context.Context, req domain.WithdrawalRequest) (*domain.CoinTransaction, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: withdrawal amount must be positive", ErrInvalidAmount)
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: withdrawal reference is required", ErrInvalidRequest)
	}

	record, _, err := l.post(ctx, LedgerEntry{
		UserID:      req.UserID,
		Amount:      -req.Amount,
		Kind:        domain.KindWithdrawal,
		ReferenceID: reference,
		Memo:        "withdrawal",
	})
	if errors.Is(err, store.ErrDuplicateTransaction) {
		return l.repo.FindCoinTransactionByReference(ctx, req.UserID, domain.KindWithdrawal, reference)
	}
	return record, err
}

// Adjust posts an explicit compensating entry. It is the only way to reverse
// a completed movement.
func (l *Ledger) Adjust(ctx context.Context, req domain.AdjustmentRequest) (*domain.CoinTransaction, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: adjustment reason is required", ErrInvalidRequest)
	}
	reference := strings.TrimSpace(req.ReferenceID)
	if reference == "" {
		reference = uuid.NewString()
	}

	record, _, err := l.post(ctx, LedgerEntry{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Kind:        domain.KindAdjustment,
		ReferenceID: reference,
		Memo:        reason,
	})
	if errors.Is(err, store.ErrDuplicateTransaction) {
		l.log.Info("duplicate adjustment ignored", zap.String("user_id", req.UserID), zap.String("reference_id", reference))
		return l.repo.FindCoinTransactionByReference(ctx, req.UserID, domain.KindAdjustment, reference)
	}
	if err != nil {
		return nil, err
	}
	l.log.Warn("manual adjustment posted",
		zap.String("user_id", req.UserID),
		zap.Int64("amount", req.Amount),
		zap.String("reason", reason),
	)
	return record, nil
}

// Reconcile compares the materialized balance with the transaction log.
func (l *Ledger) Reconcile(ctx context.Context, userID string) (*domain.LedgerReconciliation, error) {
	balance, err := l.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum, count, err := l.repo.SumCoinTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}

	report := &domain.LedgerReconciliation{
		UserID:           userID,
		Balance:          balance,
		TransactionSum:   sum,
		TransactionCount: count,
		Drift:            balance - sum,
		CheckedAt:        l.now(),
	}
	if report.Drift != 0 {
		metrics.RecordLedgerDrift()
		l.log.Error("ledger drift detected",
			zap.String("user_id", userID),
			zap.Int64("balance", balance),
			zap.Int64("transaction_sum", sum),
			zap.Int64("drift", report.Drift),
		)
	}
	return report, nil
}
