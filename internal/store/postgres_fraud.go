package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chaingive/settlement-service/internal/domain"
)

const participantColumns = `user_id, active, banned, kyc_approved, country, city, trust_score, completed_cycles, waiting_since, registered_at, updated_at`

func scanParticipant(row pgx.Row) (*domain.Participant, error) {
	var p domain.Participant
	err := row.Scan(
		&p.UserID,
		&p.Active,
		&p.Banned,
		&p.KYCApproved,
		&p.Country,
		&p.City,
		&p.TrustScore,
		&p.CompletedCycles,
		&p.WaitingSince,
		&p.RegisteredAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PostgresRepository) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO participants (user_id, active, banned, kyc_approved, country, city, trust_score, completed_cycles, waiting_since, registered_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO UPDATE
		SET active = EXCLUDED.active,
			banned = EXCLUDED.banned,
			kyc_approved = EXCLUDED.kyc_approved,
			country = EXCLUDED.country,
			city = EXCLUDED.city,
			trust_score = EXCLUDED.trust_score,
			completed_cycles = EXCLUDED.completed_cycles,
			waiting_since = EXCLUDED.waiting_since,
			updated_at = EXCLUDED.updated_at
	`,
		p.UserID,
		p.Active,
		p.Banned,
		p.KYCApproved,
		p.Country,
		p.City,
		p.TrustScore,
		p.CompletedCycles,
		p.WaitingSince,
		p.RegisteredAt,
		p.UpdatedAt,
	)
	return err
}

func (r *PostgresRepository) GetParticipant(ctx context.Context, userID string) (*domain.Participant, error) {
	p, err := scanParticipant(r.db.QueryRow(ctx, "SELECT "+participantColumns+" FROM participants WHERE user_id = $1", userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrParticipantNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListCandidateRecipients returns the eligible recipient pool, longest waiting first.
func (r *PostgresRepository) ListCandidateRecipients(ctx context.Context, filter domain.CandidateFilter) ([]domain.Participant, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+participantColumns+`
		FROM participants
		WHERE active AND NOT banned AND kyc_approved
			AND user_id <> $1
			AND ($2 = '' OR city = $2)
			AND ($3 = '' OR country = $3)
		ORDER BY waiting_since, user_id
		LIMIT $4
	`, filter.ExcludeUserID, filter.City, filter.Country, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates := make([]domain.Participant, 0, limit)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, *p)
	}
	return candidates, rows.Err()
}

func (r *PostgresRepository) InsertFraudCheck(ctx context.Context, result *domain.FraudCheckResult) error {
	reasons, err := json.Marshal(result.Reasons)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO fraud_checks (id, subject_id, amount, score, risk_level, reasons, decision, overridden, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7, $8, $9)
	`,
		result.ID,
		result.SubjectID,
		result.Amount,
		result.Score,
		string(result.RiskLevel),
		string(reasons),
		string(result.Decision),
		result.Overridden,
		result.EvaluatedAt,
	)
	return err
}

func (r *PostgresRepository) GetFraudCheck(ctx context.Context, id uuid.UUID) (*domain.FraudCheckResult, error) {
	var (
		result    domain.FraudCheckResult
		riskLevel string
		decision  string
		reasons   []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, subject_id, amount, score, risk_level, reasons::TEXT, decision, overridden, evaluated_at
		FROM fraud_checks
		WHERE id = $1
	`, id).Scan(&result.ID, &result.SubjectID, &result.Amount, &result.Score, &riskLevel, &reasons, &decision, &result.Overridden, &result.EvaluatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFraudCheckNotFound
		}
		return nil, err
	}
	result.RiskLevel = domain.RiskLevel(riskLevel)
	result.Decision = domain.FraudDecision(decision)
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &result.Reasons); err != nil {
			return nil, err
		}
	}
	return &result, nil
}

func (r *PostgresRepository) InsertFalsePositiveReport(ctx context.Context, report *domain.FalsePositiveReport) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO fraud_reports (id, transaction_id, reporter_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, report.ID, report.TransactionID, report.ReporterID, report.Reason, report.CreatedAt); err != nil {
		return false, err
	}

	tag, err := tx.Exec(ctx, "UPDATE fraud_checks SET overridden = TRUE WHERE id = $1", report.TransactionID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanDecisionCounts(rows pgx.Rows) (domain.FraudDecisionCounts, error) {
	var counts domain.FraudDecisionCounts
	defer rows.Close()
	for rows.Next() {
		var (
			decision string
			count    int
		)
		if err := rows.Scan(&decision, &count); err != nil {
			return counts, err
		}
		switch domain.FraudDecision(decision) {
		case domain.FraudDecisionAllow:
			counts.Allow = count
		case domain.FraudDecisionFlag:
			counts.Flag = count
		case domain.FraudDecisionBlock:
			counts.Block = count
		}
	}
	return counts, rows.Err()
}

func (r *PostgresRepository) GetUserRiskProfile(ctx context.Context, userID string) (*domain.UserRiskProfile, error) {
	profile := &domain.UserRiskProfile{UserID: userID}

	rows, err := r.db.Query(ctx, "SELECT decision, COUNT(*) FROM fraud_checks WHERE subject_id = $1 GROUP BY decision", userID)
	if err != nil {
		return nil, err
	}
	if profile.Decisions, err = scanDecisionCounts(rows); err != nil {
		return nil, err
	}

	var (
		score float64
		risk  string
	)
	err = r.db.QueryRow(ctx, `
		SELECT score, risk_level FROM fraud_checks
		WHERE subject_id = $1
		ORDER BY evaluated_at DESC
		LIMIT 1
	`, userID).Scan(&score, &risk)
	switch {
	case err == nil:
		level := domain.RiskLevel(risk)
		profile.LatestScore = &score
		profile.LatestRisk = &level
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, err
	}

	err = r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM fraud_reports r
		JOIN fraud_checks c ON c.id = r.transaction_id
		WHERE c.subject_id = $1
	`, userID).Scan(&profile.FalsePositives)
	if err != nil {
		return nil, err
	}
	return profile, nil
}

func (r *PostgresRepository) GetFraudStatistics(ctx context.Context, since time.Time) (*domain.FraudStatistics, error) {
	stats := &domain.FraudStatistics{Since: since}

	rows, err := r.db.Query(ctx, "SELECT decision, COUNT(*) FROM fraud_checks WHERE evaluated_at >= $1 GROUP BY decision", since)
	if err != nil {
		return nil, err
	}
	if stats.Decisions, err = scanDecisionCounts(rows); err != nil {
		return nil, err
	}
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM fraud_reports WHERE created_at >= $1", since).Scan(&stats.FalsePositives); err != nil {
		return nil, err
	}
	return stats, nil
}
