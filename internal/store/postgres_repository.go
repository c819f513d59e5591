/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface
 * together with the pgx-backed unit of work. Ledger queries live here; cycle,
 * trigger, fraud and outbox queries live in the sibling postgres_*.go files.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver, pool and error codes.
 * - internal/domain: domain models.
 */

package store

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chaingive/settlement-service/internal/domain"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// pgTx is the pgx-backed unit of work handed to InTx callbacks.
type pgTx struct {
	tx pgx.Tx
}

// InTx runs fn inside a single database transaction.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// maxReasonBytes bounds the last_error columns.
const maxReasonBytes = 2000

// truncateReason cuts s to at most limit bytes without splitting a rune.
func truncateReason(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func pgErrorCode(err error) (string, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

// LockAccount creates the account row when missing and locks it for the rest of the transaction.
func (t *pgTx) LockAccount(ctx context.Context, userID string) (int64, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO coin_accounts (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return 0, err
	}

	var balance int64
	// Use FOR UPDATE to lock the row, preventing concurrent debits from both passing the check.
	err := t.tx.QueryRow(ctx, "SELECT balance FROM coin_accounts WHERE user_id = $1 FOR UPDATE", userID).Scan(&balance)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (t *pgTx) UpdateAccountBalance(ctx context.Context, userID string, balance int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, "UPDATE coin_accounts SET balance = $2, updated_at = $3 WHERE user_id = $1", userID, balance, at)
	if err != nil {
		if code, _ := pgErrorCode(err); code == pgCheckViolation {
			return ErrInsufficientFunds
		}
		return err
	}
	return nil
}

func (t *pgTx) CoinTransactionExists(ctx context.Context, userID string, kind domain.TransactionKind, referenceID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM coin_transactions WHERE user_id = $1 AND kind = $2 AND reference_id = $3
		)
	`, userID, string(kind), referenceID).Scan(&exists)
	return exists, err
}

func (t *pgTx) InsertCoinTransaction(ctx context.Context, entry *domain.CoinTransaction) error {
	query := `
		INSERT INTO coin_transactions (id, user_id, amount, kind, reference_id, memo, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := t.tx.Exec(ctx, query,
		entry.ID,
		entry.UserID,
		entry.Amount,
		string(entry.Kind),
		entry.ReferenceID,
		entry.Memo,
		entry.CreatedAt,
	)
	if err != nil {
		if code, _ := pgErrorCode(err); code == pgUniqueViolation {
			return ErrDuplicateTransaction
		}
		return err
	}
	return nil
}

func (t *pgTx) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	return enqueueEventTx(ctx, t.tx, exchange, routingKey, payload)
}

// GetBalance returns the materialized balance, or zero for an unknown account.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, "SELECT balance FROM coin_accounts WHERE user_id = $1", userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

const coinTransactionColumns = `id, user_id, amount, kind, reference_id, memo, created_at`

func scanCoinTransaction(row pgx.Row) (*domain.CoinTransaction, error) {
	var (
		entry domain.CoinTransaction
		kind  string
	)
	if err := row.Scan(&entry.ID, &entry.UserID, &entry.Amount, &kind, &entry.ReferenceID, &entry.Memo, &entry.CreatedAt); err != nil {
		return nil, err
	}
	entry.Kind = domain.TransactionKind(kind)
	return &entry, nil
}

func (r *PostgresRepository) GetCoinTransaction(ctx context.Context, id uuid.UUID) (*domain.CoinTransaction, error) {
	entry, err := scanCoinTransaction(r.db.QueryRow(ctx,
		"SELECT "+coinTransactionColumns+" FROM coin_transactions WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (r *PostgresRepository) FindCoinTransactionByReference(
	ctx context.Context,
	userID string,
	kind domain.TransactionKind,
	referenceID string,
) (*domain.CoinTransaction, error) {
	entry, err := scanCoinTransaction(r.db.QueryRow(ctx,
		"SELECT "+coinTransactionColumns+" FROM coin_transactions WHERE user_id = $1 AND kind = $2 AND reference_id = $3",
		userID, string(kind), referenceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return entry, nil
}

func (r *PostgresRepository) ListCoinTransactions(ctx context.Context, userID string, limit int) ([]domain.CoinTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		"SELECT "+coinTransactionColumns+" FROM coin_transactions WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2",
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.CoinTransaction, 0, limit)
	for rows.Next() {
		entry, err := scanCoinTransaction(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// SumCoinTransactions recomputes the balance projection straight from the log.
func (r *PostgresRepository) SumCoinTransactions(ctx context.Context, userID string) (int64, int, error) {
	var (
		sum   int64
		count int
	)
	err := r.db.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount), 0)::BIGINT, COUNT(*) FROM coin_transactions WHERE user_id = $1",
		userID).Scan(&sum, &count)
	return sum, count, err
}

func (r *PostgresRepository) GetDebitHistory(ctx context.Context, userID string, kind domain.TransactionKind) (int64, int, error) {
	var (
		average int64
		count   int
	)
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(ROUND(AVG(ABS(amount))), 0)::BIGINT, COUNT(*)
		FROM coin_transactions
		WHERE user_id = $1 AND kind = $2
	`, userID, string(kind)).Scan(&average, &count)
	return average, count, err
}

func (r *PostgresRepository) ListRecentlyActiveAccounts(ctx context.Context, since time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT user_id
		FROM coin_transactions
		WHERE created_at >= $1
		GROUP BY user_id
		ORDER BY MAX(created_at) DESC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, rows.Err()
}
