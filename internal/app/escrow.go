package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chaingive/settlement-service/internal/config"
	"github.com/chaingive/settlement-service/internal/domain"
	"github.com/chaingive/settlement-service/internal/metrics"
	"github.com/chaingive/settlement-service/internal/store"
)

// Resolution is the outcome of a release, refund or forfeit. Applied is false
// when another caller resolved the hold first; that is not an error.
type Resolution struct {
	Hold    *domain.EscrowHold
	Applied bool
}

// EscrowManager places holds and settles them exactly once.
type EscrowManager struct {
	repo     store.Repository
	ledger   *Ledger
	log      *zap.Logger
	now      func() time.Time
	sinkID   string
	exchange string
}

func NewEscrowManager(repo store.Repository, ledger *Ledger, log *zap.Logger, cfg config.Config) *EscrowManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &EscrowManager{
		repo:     repo,
		ledger:   ledger,
		log:      log.With(zap.String("component", "escrow")),
		now:      func() time.Time { return time.Now().UTC() },
		sinkID:   cfg.ForfeitSinkAccountID,
		exchange: cfg.EventsExchange,
	}
}

// HoldTx records a hold for the cycle and debits the donor once.
func (m *EscrowManager) HoldTx(ctx context.Context, tx store.Tx, cycleID uuid.UUID, donorID, recipientID string, amount int64) (*domain.EscrowHold, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: hold amount must be positive", ErrInvalidAmount)
	}
	hold := &domain.EscrowHold{
		ID:          uuid.New(),
		CycleID:     cycleID,
		DonorID:     donorID,
		RecipientID: recipientID,
		Amount:      amount,
		Status:      domain.HoldStatusHeld,
		HeldAt:      m.now(),
	}
	if err := tx.InsertEscrowHold(ctx, hold); err != nil {
		return nil, err
	}
	if _, _, err := m.ledger.PostTx(ctx, tx, LedgerEntry{
		UserID:      donorID,
		Amount:      -amount,
		Kind:        domain.KindDonationDebit,
		ReferenceID: hold.ID.String(),
		Memo:        "escrow hold for cycle " + cycleID.String(),
	}); err != nil {
		return nil, err
	}
	return hold, nil
}

// Hold runs HoldTx in its own transaction.
func (m *EscrowManager) Hold(ctx context.Context, cycleID uuid.UUID, donorID, recipientID string, amount int64) (*domain.EscrowHold, error) {
	var hold *domain.EscrowHold
	err := m.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		hold, err = m.HoldTx(ctx, tx, cycleID, donorID, recipientID, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("escrow hold placed", zap.String("hold_id", hold.ID.String()), zap.String("cycle_id", cycleID.String()), zap.Int64("amount", amount))
	return hold, nil
}

func (m *EscrowManager) ReleaseTx(ctx context.Context, tx store.Tx, holdID uuid.UUID) (Resolution, error) {
	return m.resolveTx(ctx, tx, holdID, domain.HoldStatusReleased)
}

func (m *EscrowManager) RefundTx(ctx context.Context, tx store.Tx, holdID uuid.UUID) (Resolution, error) {
	return m.resolveTx(ctx, tx, holdID, domain.HoldStatusRefunded)
}

func (m *EscrowManager) ForfeitTx(ctx context.Context, tx store.Tx, holdID uuid.UUID) (Resolution, error) {
	return m.resolveTx(ctx, tx, holdID, domain.HoldStatusForfeited)
}

// Release pays the held amount to the recipient.
func (m *EscrowManager) Release(ctx context.Context, holdID uuid.UUID) (Resolution, error) {
	return m.resolve(ctx, holdID, domain.HoldStatusReleased)
}

// Refund returns the held amount to the donor.
func (m *EscrowManager) Refund(ctx context.Context, holdID uuid.UUID) (Resolution, error) {
	return m.resolve(ctx, holdID, domain.HoldStatusRefunded)
}

// Forfeit moves the held amount to the community sink account.
func (m *EscrowManager) Forfeit(ctx context.Context, holdID uuid.UUID) (Resolution, error) {
	return m.resolve(ctx, holdID, domain.HoldStatusForfeited)
}

func (m *EscrowManager) resolve(ctx context.Context, holdID uuid.UUID, status domain.HoldStatus) (Resolution, error) {
	var res Resolution
	err := m.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = m.resolveTx(ctx, tx, holdID, status)
		return err
	})
	if err != nil {
		return Resolution{}, err
	}
	return res, nil
}

func (m *EscrowManager) beneficiary(hold *domain.EscrowHold, status domain.HoldStatus) (string, domain.TransactionKind, error) {
	switch status {
	case domain.HoldStatusReleased:
		return hold.RecipientID, domain.KindEscrowRelease, nil
	case domain.HoldStatusRefunded:
		return hold.DonorID, domain.KindEscrowRefund, nil
	case domain.HoldStatusForfeited:
		return m.sinkID, domain.KindForfeiture, nil
	case domain.HoldStatusHeld:
	}
	return "", "", fmt.Errorf("%w: cannot resolve hold to %q", ErrInvalidRequest, status)
}

func (m *EscrowManager) resolveTx(ctx context.Context, tx store.Tx, holdID uuid.UUID, status domain.HoldStatus) (Resolution, error) {
	if !status.Resolved() {
		return Resolution{}, fmt.Errorf("%w: cannot resolve hold to %q", ErrInvalidRequest, status)
	}

	hold, applied, err := tx.ResolveEscrowHold(ctx, holdID, status, m.now())
	if err != nil {
		return Resolution{}, err
	}
	if !applied {
		metrics.RecordEscrowResolution(string(status), false)
		m.log.Info("escrow hold already resolved",
			zap.String("hold_id", holdID.String()),
			zap.String("requested", string(status)),
			zap.String("current", string(hold.Status)),
		)
		return Resolution{Hold: hold, Applied: false}, nil
	}

	beneficiaryID, kind, err := m.beneficiary(hold, status)
	if err != nil {
		return Resolution{}, err
	}
	if _, _, err := m.ledger.PostTx(ctx, tx, LedgerEntry{
		UserID:      beneficiaryID,
		Amount:      hold.Amount,
		Kind:        kind,
		ReferenceID: hold.ID.String(),
		Memo:        string(status) + " escrow for cycle " + hold.CycleID.String(),
	}); err != nil {
		if errors.Is(err, store.ErrDuplicateTransaction) {
			return Resolution{}, fmt.Errorf("escrow %s already credited: %w", hold.ID, err)
		}
		return Resolution{}, err
	}

	resolvedAt := m.now()
	if hold.ResolvedAt != nil {
		resolvedAt = *hold.ResolvedAt
	}
	if err := tx.EnqueueEvent(ctx, m.exchange, domain.RoutingKeyEscrowResolved, domain.EscrowResolvedEvent{
		EventID:       uuid.New(),
		HoldID:        hold.ID,
		CycleID:       hold.CycleID,
		Status:        status,
		Amount:        hold.Amount,
		BeneficiaryID: beneficiaryID,
		ResolvedAt:    resolvedAt,
	}); err != nil {
		return Resolution{}, err
	}

	metrics.RecordEscrowResolution(string(status), true)
	m.log.Info("escrow hold resolved",
		zap.String("hold_id", hold.ID.String()),
		zap.String("cycle_id", hold.CycleID.String()),
		zap.String("status", string(status)),
		zap.String("beneficiary_id", beneficiaryID),
		zap.Int64("amount", hold.Amount),
	)
	return Resolution{Hold: hold, Applied: true}, nil
}
