package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chaingive/settlement-service/internal/domain"
)

const cycleColumns = `id, donor_id, recipient_id, amount, state, due_at, escrow_hold_id, flagged, fraud_check_id, created_at, updated_at`

func scanCycle(row pgx.Row) (*domain.Cycle, error) {
	var (
		cycle domain.Cycle
		state string
	)
	err := row.Scan(
		&cycle.ID,
		&cycle.DonorID,
		&cycle.RecipientID,
		&cycle.Amount,
		&state,
		&cycle.DueAt,
		&cycle.EscrowHoldID,
		&cycle.Flagged,
		&cycle.FraudCheckID,
		&cycle.CreatedAt,
		&cycle.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cycle.State = domain.CycleState(state)
	return &cycle, nil
}

func openStateNames() []string {
	names := make([]string, 0, len(domain.OpenCycleStates))
	for _, state := range domain.OpenCycleStates {
		names = append(names, string(state))
	}
	return names
}

func (t *pgTx) InsertCycle(ctx context.Context, cycle *domain.Cycle) error {
	query := `
		INSERT INTO cycles (id, donor_id, recipient_id, amount, state, due_at, escrow_hold_id, flagged, fraud_check_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := t.tx.Exec(ctx, query,
		cycle.ID,
		cycle.DonorID,
		cycle.RecipientID,
		cycle.Amount,
		string(cycle.State),
		cycle.DueAt,
		cycle.EscrowHoldID,
		cycle.Flagged,
		cycle.FraudCheckID,
		cycle.CreatedAt,
		cycle.UpdatedAt,
	)
	if err != nil {
		if code, constraint := pgErrorCode(err); code == pgUniqueViolation && constraint == "idx_cycles_open_pair" {
			return ErrOpenCycleExists
		}
		return err
	}
	return nil
}

func (t *pgTx) LockCycle(ctx context.Context, id uuid.UUID) (*domain.Cycle, error) {
	cycle, err := scanCycle(t.tx.QueryRow(ctx, "SELECT "+cycleColumns+" FROM cycles WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCycleNotFound
		}
		return nil, err
	}
	return cycle, nil
}

// UpdateCycle applies a compare-and-set on the cycle state.
func (t *pgTx) UpdateCycle(ctx context.Context, params UpdateCycleParams) (bool, error) {
	query := `
		UPDATE cycles
		SET state = $3,
			due_at = CASE WHEN $4::BOOLEAN THEN NULL ELSE COALESCE($5::TIMESTAMPTZ, due_at) END,
			recipient_id = COALESCE($6::TEXT, recipient_id),
			escrow_hold_id = COALESCE($7::UUID, escrow_hold_id),
			updated_at = $8
		WHERE id = $1 AND state = $2
	`
	tag, err := t.tx.Exec(ctx, query,
		params.ID,
		string(params.FromState),
		string(params.ToState),
		params.ClearDueAt,
		params.DueAt,
		params.RecipientID,
		params.EscrowHoldID,
		params.UpdatedAt,
	)
	if err != nil {
		if code, constraint := pgErrorCode(err); code == pgUniqueViolation && constraint == "idx_cycles_open_pair" {
			return false, ErrOpenCycleExists
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) InsertCycleTransition(ctx context.Context, transition *domain.CycleTransition) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO cycle_transitions (id, cycle_id, from_state, to_state, event, actor_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		transition.ID,
		transition.CycleID,
		string(transition.FromState),
		string(transition.ToState),
		string(transition.Event),
		transition.ActorID,
		transition.OccurredAt,
	)
	return err
}

const holdColumns = `id, cycle_id, donor_id, recipient_id, amount, status, held_at, resolved_at`

func scanHold(row pgx.Row) (*domain.EscrowHold, error) {
	var (
		hold   domain.EscrowHold
		status string
	)
	if err := row.Scan(&hold.ID, &hold.CycleID, &hold.DonorID, &hold.RecipientID, &hold.Amount, &status, &hold.HeldAt, &hold.ResolvedAt); err != nil {
		return nil, err
	}
	hold.Status = domain.HoldStatus(status)
	return &hold, nil
}

func (t *pgTx) InsertEscrowHold(ctx context.Context, hold *domain.EscrowHold) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO escrow_holds (id, cycle_id, donor_id, recipient_id, amount, status, held_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, hold.ID, hold.CycleID, hold.DonorID, hold.RecipientID, hold.Amount, string(hold.Status), hold.HeldAt)
	if err != nil {
		if code, _ := pgErrorCode(err); code == pgUniqueViolation {
			return ErrHoldExists
		}
		return err
	}
	return nil
}

// ResolveEscrowHold is the compare-and-set that guarantees at-most-once settlement.
// A concurrent resolver blocks on the row lock and then matches zero rows.
func (t *pgTx) ResolveEscrowHold(ctx context.Context, id uuid.UUID, status domain.HoldStatus, at time.Time) (*domain.EscrowHold, bool, error) {
	hold, err := scanHold(t.tx.QueryRow(ctx, `
		UPDATE escrow_holds
		SET status = $2, resolved_at = $3
		WHERE id = $1 AND status = 'held'
		RETURNING `+holdColumns,
		id, string(status), at))
	if err == nil {
		return hold, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	current, err := scanHold(t.tx.QueryRow(ctx, "SELECT "+holdColumns+" FROM escrow_holds WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrHoldNotFound
		}
		return nil, false, err
	}
	return current, false, nil
}

func (r *PostgresRepository) GetCycle(ctx context.Context, id uuid.UUID) (*domain.Cycle, error) {
	cycle, err := scanCycle(r.db.QueryRow(ctx, "SELECT "+cycleColumns+" FROM cycles WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCycleNotFound
		}
		return nil, err
	}
	return cycle, nil
}

func (r *PostgresRepository) ListCycleTransitions(ctx context.Context, cycleID uuid.UUID) ([]domain.CycleTransition, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, cycle_id, from_state, to_state, event, actor_id, occurred_at
		FROM cycle_transitions
		WHERE cycle_id = $1
		ORDER BY occurred_at, id
	`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []domain.CycleTransition
	for rows.Next() {
		var (
			transition    domain.CycleTransition
			from, to, evt string
		)
		if err := rows.Scan(&transition.ID, &transition.CycleID, &from, &to, &evt, &transition.ActorID, &transition.OccurredAt); err != nil {
			return nil, err
		}
		transition.FromState = domain.CycleState(from)
		transition.ToState = domain.CycleState(to)
		transition.Event = domain.CycleEvent(evt)
		transitions = append(transitions, transition)
	}
	return transitions, rows.Err()
}

func (r *PostgresRepository) ListOpenCounterparties(ctx context.Context, donorID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT recipient_id
		FROM cycles
		WHERE donor_id = $1 AND recipient_id <> '' AND state = ANY($2)
	`, donorID, openStateNames())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []string
	for rows.Next() {
		var recipientID string
		if err := rows.Scan(&recipientID); err != nil {
			return nil, err
		}
		recipients = append(recipients, recipientID)
	}
	return recipients, rows.Err()
}

func (r *PostgresRepository) CountPairCycles(ctx context.Context, donorID, recipientID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM cycles
		WHERE donor_id = $1 AND recipient_id = $2 AND created_at >= $3
	`, donorID, recipientID, since).Scan(&count)
	return count, err
}

// ListPendingIntents returns queued donor intents that still wait for a recipient.
func (r *PostgresRepository) ListPendingIntents(ctx context.Context, limit int) ([]domain.Cycle, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+cycleColumns+`
		FROM cycles
		WHERE state = 'pending' AND recipient_id = ''
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cycles := make([]domain.Cycle, 0, limit)
	for rows.Next() {
		cycle, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, *cycle)
	}
	return cycles, rows.Err()
}

func (r *PostgresRepository) GetEscrowHold(ctx context.Context, id uuid.UUID) (*domain.EscrowHold, error) {
	hold, err := scanHold(r.db.QueryRow(ctx, "SELECT "+holdColumns+" FROM escrow_holds WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrHoldNotFound
		}
		return nil, err
	}
	return hold, nil
}

func (r *PostgresRepository) GetEscrowHoldByCycle(ctx context.Context, cycleID uuid.UUID) (*domain.EscrowHold, error) {
	hold, err := scanHold(r.db.QueryRow(ctx, "SELECT "+holdColumns+" FROM escrow_holds WHERE cycle_id = $1", cycleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrHoldNotFound
		}
		return nil, err
	}
	return hold, nil
}
