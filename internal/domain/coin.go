/**
 * @description
 * Coin ledger models. A CoinTransaction is an immutable, signed movement of coins
 * against a single user's account; the CoinAccount balance is a materialized
 * projection of those rows.
 *
 * @notes
 * - Amounts are int64 in the smallest coin unit.
 * - (UserID, Kind, ReferenceID) is unique so a redelivered funding event cannot
 *   credit the same account twice.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionKind is the closed set of reasons a coin balance may change.
type TransactionKind string

const (
	KindDonationDebit TransactionKind = "donation-debit"
	KindEscrowRelease TransactionKind = "escrow-release"
	KindEscrowRefund  TransactionKind = "escrow-refund"
	KindForfeiture    TransactionKind = "forfeiture"
	KindPurchase      TransactionKind = "purchase"
	KindReward        TransactionKind = "reward"
	KindWithdrawal    TransactionKind = "withdrawal"
	KindAdjustment    TransactionKind = "adjustment"
)

// Valid reports whether k is one of the declared kinds.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindDonationDebit, KindEscrowRelease, KindEscrowRefund, KindForfeiture,
		KindPurchase, KindReward, KindWithdrawal, KindAdjustment:
		return true
	}
	return false
}

// Direction returns -1 for kinds that only debit, +1 for kinds that only credit
// and 0 for kinds that may move either way.
func (k TransactionKind) Direction() int {
	switch k {
	case KindDonationDebit, KindWithdrawal:
		return -1
	case KindEscrowRelease, KindEscrowRefund, KindForfeiture, KindPurchase, KindReward:
		return 1
	case KindAdjustment:
		return 0
	}
	return 0
}

// CoinAccount is the materialized balance for one user.
type CoinAccount struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CoinTransaction maps to the append-only `coin_transactions` table.
type CoinTransaction struct {
	ID          uuid.UUID       `json:"id"`
	UserID      string          `json:"user_id"`
	Amount      int64           `json:"amount"` // signed
	Kind        TransactionKind `json:"kind"`
	ReferenceID string          `json:"reference_id"`
	Memo        string          `json:"memo,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// LedgerReconciliation compares the materialized balance against the log.
type LedgerReconciliation struct {
	UserID           string    `json:"user_id"`
	Balance          int64     `json:"balance"`
	TransactionSum   int64     `json:"transaction_sum"`
	TransactionCount int       `json:"transaction_count"`
	Drift            int64     `json:"drift"`
	CheckedAt        time.Time `json:"checked_at"`
}

// DepositRequest is the DTO used by the funding source (HTTP and RabbitMQ).
type DepositRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Proof  string `json:"proof"`
}

// WithdrawalRequest is the DTO used by the payout sink.
type WithdrawalRequest struct {
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// AdjustmentRequest is an explicit compensating ledger post.
type AdjustmentRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id"`
}
