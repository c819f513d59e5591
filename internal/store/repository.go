/**
 * @description
 * This file defines the `Repository` and `Tx` interfaces, the contract for all
 * data access performed by the settlement engine. Every operation that moves
 * coins runs inside a single `Tx` so a failure at any step leaves no partial
 * fund movement behind.
 *
 * @notes
 * - Row locks are always taken in the order cycle -> hold -> account.
 * - Two implementations exist: PostgresRepository (pgx) and MemoryRepository.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chaingive/settlement-service/internal/domain"
)

var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrDuplicateTransaction = errors.New("duplicate coin transaction")
	ErrTransactionNotFound  = errors.New("coin transaction not found")
	ErrCycleNotFound        = errors.New("cycle not found")
	ErrOpenCycleExists      = errors.New("an open cycle already exists for this donor and recipient")
	ErrHoldNotFound         = errors.New("escrow hold not found")
	ErrHoldExists           = errors.New("escrow hold already exists for cycle")
	ErrTriggerNotFound      = errors.New("scheduled trigger not found")
	ErrParticipantNotFound  = errors.New("participant not found")
	ErrFraudCheckNotFound   = errors.New("fraud check not found")
)

// UpdateCycleParams describes a compare-and-set on a cycle's state. Nil fields
// are left untouched.
type UpdateCycleParams struct {
	ID           uuid.UUID
	FromState    domain.CycleState
	ToState      domain.CycleState
	DueAt        *time.Time
	ClearDueAt   bool
	RecipientID  *string
	EscrowHoldID *uuid.UUID
	UpdatedAt    time.Time
}

// OutboxMessage is a pending event waiting to be relayed to RabbitMQ.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// Tx is a unit of work. All methods observe and modify the same transaction.
type Tx interface {
	// Ledger methods
	// LockAccount creates the account when missing and serializes writers on it.
	LockAccount(ctx context.Context, userID string) (int64, error)
	UpdateAccountBalance(ctx context.Context, userID string, balance int64, at time.Time) error
	InsertCoinTransaction(ctx context.Context, entry *domain.CoinTransaction) error
	// CoinTransactionExists reports whether (user, kind, reference) is already posted.
	CoinTransactionExists(ctx context.Context, userID string, kind domain.TransactionKind, referenceID string) (bool, error)

	// Cycle methods
	InsertCycle(ctx context.Context, cycle *domain.Cycle) error
	LockCycle(ctx context.Context, id uuid.UUID) (*domain.Cycle, error)
	UpdateCycle(ctx context.Context, params UpdateCycleParams) (bool, error)
	InsertCycleTransition(ctx context.Context, transition *domain.CycleTransition) error

	// Escrow methods
	InsertEscrowHold(ctx context.Context, hold *domain.EscrowHold) error
	// ResolveEscrowHold moves a hold from held to status. The bool is false when
	// another caller already resolved it; the returned hold is the current row.
	ResolveEscrowHold(ctx context.Context, id uuid.UUID, status domain.HoldStatus, at time.Time) (*domain.EscrowHold, bool, error)

	// Trigger methods
	InsertTrigger(ctx context.Context, trigger *domain.ScheduledTrigger) error
	CancelCycleTriggers(ctx context.Context, cycleID uuid.UUID, at time.Time) (int, error)

	// Outbox methods
	EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error
}

// Repository defines the set of methods for interacting with the settlement store.
type Repository interface {
	// InTx runs fn in one transaction, committing only when fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Ledger methods
	GetBalance(ctx context.Context, userID string) (int64, error)
	GetCoinTransaction(ctx context.Context, id uuid.UUID) (*domain.CoinTransaction, error)
	FindCoinTransactionByReference(ctx context.Context, userID string, kind domain.TransactionKind, referenceID string) (*domain.CoinTransaction, error)
	ListCoinTransactions(ctx context.Context, userID string, limit int) ([]domain.CoinTransaction, error)
	SumCoinTransactions(ctx context.Context, userID string) (int64, int, error)
	GetDebitHistory(ctx context.Context, userID string, kind domain.TransactionKind) (average int64, count int, err error)
	ListRecentlyActiveAccounts(ctx context.Context, since time.Time, limit int) ([]string, error)

	// Cycle methods
	GetCycle(ctx context.Context, id uuid.UUID) (*domain.Cycle, error)
	ListCycleTransitions(ctx context.Context, cycleID uuid.UUID) ([]domain.CycleTransition, error)
	ListOpenCounterparties(ctx context.Context, donorID string) ([]string, error)
	CountPairCycles(ctx context.Context, donorID, recipientID string, since time.Time) (int, error)
	ListPendingIntents(ctx context.Context, limit int) ([]domain.Cycle, error)

	// Escrow methods
	GetEscrowHold(ctx context.Context, id uuid.UUID) (*domain.EscrowHold, error)
	GetEscrowHoldByCycle(ctx context.Context, cycleID uuid.UUID) (*domain.EscrowHold, error)

	// Trigger methods
	ClaimDueTriggers(ctx context.Context, now time.Time, limit int, staleAfter time.Duration) ([]domain.ScheduledTrigger, error)
	CompleteTrigger(ctx context.Context, id uuid.UUID, outcome domain.TriggerOutcome, at time.Time) error
	ReleaseTrigger(ctx context.Context, id uuid.UUID, retryAt time.Time, reason string) error
	ListCycleTriggers(ctx context.Context, cycleID uuid.UUID) ([]domain.ScheduledTrigger, error)

	// Participant methods
	UpsertParticipant(ctx context.Context, participant *domain.Participant) error
	GetParticipant(ctx context.Context, userID string) (*domain.Participant, error)
	ListCandidateRecipients(ctx context.Context, filter domain.CandidateFilter) ([]domain.Participant, error)

	// Fraud methods
	InsertFraudCheck(ctx context.Context, result *domain.FraudCheckResult) error
	GetFraudCheck(ctx context.Context, id uuid.UUID) (*domain.FraudCheckResult, error)
	// InsertFalsePositiveReport stores the report and flags the referenced check
	// as overridden when one exists.
	InsertFalsePositiveReport(ctx context.Context, report *domain.FalsePositiveReport) (bool, error)
	GetUserRiskProfile(ctx context.Context, userID string) (*domain.UserRiskProfile, error)
	GetFraudStatistics(ctx context.Context, since time.Time) (*domain.FraudStatistics, error)

	// Outbox methods
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}
