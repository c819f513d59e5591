package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chaingive/settlement-service/internal/domain"
)

const triggerColumns = `id, cycle_id, trigger_type, fire_at, consumed, attempts, claimed_at, completed_at, outcome, COALESCE(last_error, ''), created_at`

func scanTrigger(row pgx.Row) (*domain.ScheduledTrigger, error) {
	var (
		trigger     domain.ScheduledTrigger
		triggerType string
		outcome     string
	)
	err := row.Scan(
		&trigger.ID,
		&trigger.CycleID,
		&triggerType,
		&trigger.FireAt,
		&trigger.Consumed,
		&trigger.Attempts,
		&trigger.ClaimedAt,
		&trigger.CompletedAt,
		&outcome,
		&trigger.LastError,
		&trigger.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	trigger.TriggerType = domain.TriggerType(triggerType)
	trigger.Outcome = domain.TriggerOutcome(outcome)
	return &trigger, nil
}

func (t *pgTx) InsertTrigger(ctx context.Context, trigger *domain.ScheduledTrigger) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO scheduled_triggers (id, cycle_id, trigger_type, fire_at, consumed, created_at)
		VALUES ($1, $2, $3, $4, FALSE, $5)
	`, trigger.ID, trigger.CycleID, string(trigger.TriggerType), trigger.FireAt, trigger.CreatedAt)
	return err
}

// CancelCycleTriggers marks every unclaimed trigger of the cycle as consumed.
func (t *pgTx) CancelCycleTriggers(ctx context.Context, cycleID uuid.UUID, at time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE scheduled_triggers
		SET consumed = TRUE, outcome = 'cancelled', completed_at = $2
		WHERE cycle_id = $1 AND consumed = FALSE
	`, cycleID, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ClaimDueTriggers flips consumed=false->true for due rows. SKIP LOCKED lets
// concurrent workers claim disjoint batches. Claims that were never completed
// within staleAfter are handed out again.
func (r *PostgresRepository) ClaimDueTriggers(ctx context.Context, now time.Time, limit int, staleAfter time.Duration) ([]domain.ScheduledTrigger, error) {
	if limit <= 0 {
		limit = 50
	}
	staleSeconds := int(staleAfter.Seconds())
	if staleSeconds <= 0 {
		staleSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM scheduled_triggers
			WHERE (
				(consumed = FALSE AND fire_at <= $1::TIMESTAMPTZ)
				OR (consumed = TRUE AND completed_at IS NULL AND claimed_at < $1::TIMESTAMPTZ - ($3 * INTERVAL '1 second'))
			)
			ORDER BY fire_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE scheduled_triggers AS t
		SET consumed = TRUE,
			claimed_at = $1,
			attempts = t.attempts + 1
		FROM candidates
		WHERE t.id = candidates.id
		RETURNING t.id, t.cycle_id, t.trigger_type, t.fire_at, t.consumed, t.attempts, t.claimed_at, t.completed_at, t.outcome, COALESCE(t.last_error, ''), t.created_at
	`
	rows, err := r.db.Query(ctx, query, now, limit, staleSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	triggers := make([]domain.ScheduledTrigger, 0, limit)
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, *trigger)
	}
	return triggers, rows.Err()
}

func (r *PostgresRepository) CompleteTrigger(ctx context.Context, id uuid.UUID, outcome domain.TriggerOutcome, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE scheduled_triggers
		SET completed_at = $3, outcome = $2, last_error = NULL
		WHERE id = $1
	`, id, string(outcome), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTriggerNotFound
	}
	return nil
}

// ReleaseTrigger hands a claimed trigger back for a later retry.
func (r *PostgresRepository) ReleaseTrigger(ctx context.Context, id uuid.UUID, retryAt time.Time, reason string) error {
	reason = truncateReason(reason, maxReasonBytes)
	tag, err := r.db.Exec(ctx, `
		UPDATE scheduled_triggers
		SET consumed = FALSE, fire_at = $2, claimed_at = NULL, last_error = $3
		WHERE id = $1 AND completed_at IS NULL
	`, id, retryAt, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTriggerNotFound
	}
	return nil
}

func (r *PostgresRepository) ListCycleTriggers(ctx context.Context, cycleID uuid.UUID) ([]domain.ScheduledTrigger, error) {
	rows, err := r.db.Query(ctx, "SELECT "+triggerColumns+" FROM scheduled_triggers WHERE cycle_id = $1 ORDER BY created_at, id", cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []domain.ScheduledTrigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, *trigger)
	}
	return triggers, rows.Err()
}
