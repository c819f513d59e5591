/**
 * @description
 * Fraud gate. Scores a request against fixed weighted rules and returns
 * allow, flag or block. Results are stored for audit only; the gate never
 * moves funds, and overturning a decision never reverses a ledger post.
 *
 * @notes
 * - Scores are summed with shopspring/decimal so thresholds compare exactly.
 * - The request time comes from FraudContext.At, which keeps a verdict
 *   reproducible for a given input and clock.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chaingive/settlement-service/internal/config"
	"github.com/chaingive/settlement-service/internal/domain"
	"github.com/chaingive/settlement-service/internal/metrics"
	"github.com/chaingive/settlement-service/internal/store"
)

var (
	weightAmountSpike     = decimal.RequireFromString("0.30")
	weightVelocity        = decimal.RequireFromString("0.40")
	weightCountryMismatch = decimal.RequireFromString("0.25")
	weightCityMismatch    = decimal.RequireFromString("0.10")
	weightOddHour         = decimal.RequireFromString("0.20")
	weightNewAccount      = decimal.RequireFromString("0.20")
	weightNewRecipient    = decimal.RequireFromString("0.20")
	weightPairCollusion   = decimal.RequireFromString("0.40")

	flagThreshold   = decimal.RequireFromString("0.3")
	blockThreshold  = decimal.RequireFromString("0.7")
	mediumThreshold = decimal.RequireFromString("0.4")
)

const (
	amountSpikeMultiplier = 3
	newAccountAge         = 7 * 24 * time.Hour
	largeAmount           = 10000
	pairLookback          = 30 * 24 * time.Hour
	pairCycleLimit        = 3
)

// FraudGate scores donors and donor/recipient pairs.
type FraudGate struct {
	repo     store.Repository
	velocity VelocityCounter
	log      *zap.Logger
	now      func() time.Time

	velocityWindow time.Duration
	velocityLimit  int
}

func NewFraudGate(repo store.Repository, velocity VelocityCounter, log *zap.Logger, cfg config.Config) *FraudGate {
	if log == nil {
		log = zap.NewNop()
	}
	if velocity == nil {
		velocity = NewMemoryVelocityCounter()
	}
	window := cfg.FraudVelocityWindow
	if window <= 0 {
		window = time.Hour
	}
	limit := cfg.FraudVelocityLimit
	if limit <= 0 {
		limit = 5
	}
	return &FraudGate{
		repo:           repo,
		velocity:       velocity,
		log:            log.With(zap.String("component", "fraud_gate")),
		now:            func() time.Time { return time.Now().UTC() },
		velocityWindow: window,
		velocityLimit:  limit,
	}
}

type scoreCard struct {
	score   decimal.Decimal
	reasons []string
}

func (s *scoreCard) add(weight decimal.Decimal, reason string) {
	s.score = s.score.Add(weight)
	s.reasons = append(s.reasons, reason)
}

func (s *scoreCard) clamped() decimal.Decimal {
	if s.score.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	if s.score.IsNegative() {
		return decimal.Zero
	}
	return s.score
}

// DecisionFor maps a clamped score to a verdict: below 0.3 allows, above 0.7
// blocks, anything between flags.
func DecisionFor(score decimal.Decimal) domain.FraudDecision {
	switch {
	case score.GreaterThan(blockThreshold):
		return domain.FraudDecisionBlock
	case score.GreaterThanOrEqual(flagThreshold):
		return domain.FraudDecisionFlag
	default:
		return domain.FraudDecisionAllow
	}
}

// RiskLevelFor buckets a clamped score.
func RiskLevelFor(score decimal.Decimal) domain.RiskLevel {
	switch {
	case score.GreaterThan(blockThreshold):
		return domain.RiskLevelHigh
	case score.GreaterThan(mediumThreshold):
		return domain.RiskLevelMedium
	default:
		return domain.RiskLevelLow
	}
}

// Evaluate scores one donor request, records a velocity observation and
// stores the result.
func (g *FraudGate) Evaluate(ctx context.Context, subjectID string, fctx domain.FraudContext) (*domain.FraudCheckResult, error) {
	at := fctx.At
	if at.IsZero() {
		at = g.now()
	}
	at = at.UTC()

	var card scoreCard

	average, count, err := g.repo.GetDebitHistory(ctx, subjectID, domain.KindDonationDebit)
	if err != nil {
		return nil, fmt.Errorf("failed to load debit history: %w", err)
	}
	if count > 0 && fctx.Amount > amountSpikeMultiplier*average {
		card.add(weightAmountSpike, "amount exceeds 3x the user's average donation")
	}

	observed, err := g.velocity.Observe(ctx, subjectID, at, g.velocityWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to record request velocity: %w", err)
	}
	if observed > g.velocityLimit {
		card.add(weightVelocity, fmt.Sprintf("more than %d requests within %s", g.velocityLimit, g.velocityWindow))
	}

	profile, err := g.repo.GetParticipant(ctx, subjectID)
	if err != nil && !errors.Is(err, store.ErrParticipantNotFound) {
		return nil, fmt.Errorf("failed to load participant profile: %w", err)
	}
	if profile != nil {
		switch {
		case strings.TrimSpace(fctx.Country) == "" && strings.TrimSpace(profile.Country) != "":
			card.add(decimal.Zero, "request location unavailable")
		case differs(fctx.Country, profile.Country):
			card.add(weightCountryMismatch, "request country differs from registered country")
		case differs(fctx.City, profile.City):
			card.add(weightCityMismatch, "request city differs from registered city")
		}
	}

	if hour := at.Hour(); hour < 6 || hour > 22 {
		card.add(weightOddHour, "request made at an unusual hour")
	}

	if profile != nil && !profile.RegisteredAt.IsZero() && at.Sub(profile.RegisteredAt) < newAccountAge && fctx.Amount > largeAmount {
		card.add(weightNewAccount, "large amount from an account younger than 7 days")
	}

	score := card.clamped()
	result := &domain.FraudCheckResult{
		ID:          uuid.New(),
		SubjectID:   subjectID,
		Amount:      fctx.Amount,
		Score:       score.InexactFloat64(),
		RiskLevel:   RiskLevelFor(score),
		Reasons:     card.reasons,
		Decision:    DecisionFor(score),
		EvaluatedAt: at,
	}
	if result.Reasons == nil {
		result.Reasons = []string{}
	}
	if err := g.repo.InsertFraudCheck(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to record fraud check: %w", err)
	}

	metrics.RecordFraudDecision(string(result.Decision))
	if result.Decision != domain.FraudDecisionAllow {
		g.log.Warn("fraud gate verdict",
			zap.String("subject_id", subjectID),
			zap.String("decision", string(result.Decision)),
			zap.String("score", score.String()),
			zap.Strings("reasons", result.Reasons),
		)
	}
	return result, nil
}

// Screen adds recipient-side rules on top of a donor verdict. It stores
// nothing.
func (g *FraudGate) Screen(ctx context.Context, verdict *domain.FraudCheckResult, recipient domain.Participant, at time.Time) (domain.FraudDecision, []string, error) {
	if at.IsZero() {
		at = g.now()
	}
	card := scoreCard{score: decimal.NewFromFloat(verdict.Score)}

	if !recipient.RegisteredAt.IsZero() && at.Sub(recipient.RegisteredAt) < newAccountAge && verdict.Amount > largeAmount {
		card.add(weightNewRecipient, "large amount to a recipient younger than 7 days")
	}

	pairCycles, err := g.repo.CountPairCycles(ctx, verdict.SubjectID, recipient.UserID, at.Add(-pairLookback))
	if err != nil {
		return "", nil, fmt.Errorf("failed to count pair cycles: %w", err)
	}
	if pairCycles >= pairCycleLimit {
		card.add(weightPairCollusion, "repeated cycles between the same donor and recipient")
	}

	return DecisionFor(card.clamped()), card.reasons, nil
}

// ReportFalsePositive records a reviewer note against a fraud check. It never
// touches balances; a wrongly blocked movement is corrected with Ledger.Adjust.
func (g *FraudGate) ReportFalsePositive(ctx context.Context, reporterID string, req domain.FalsePositiveRequest) (*domain.FalsePositiveReport, error) {
	checkID, err := uuid.Parse(strings.TrimSpace(req.TransactionID))
	if err != nil {
		return nil, fmt.Errorf("%w: transactionId must be a uuid", ErrInvalidRequest)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidRequest)
	}

	check, err := g.repo.GetFraudCheck(ctx, checkID)
	switch {
	case err == nil && check.SubjectID != reporterID:
		return nil, ErrForbidden
	case err != nil && !errors.Is(err, store.ErrFraudCheckNotFound):
		return nil, err
	}

	report := &domain.FalsePositiveReport{
		ID:            uuid.New(),
		TransactionID: checkID,
		ReporterID:    reporterID,
		Reason:        reason,
		CreatedAt:     g.now(),
	}
	overridden, err := g.repo.InsertFalsePositiveReport(ctx, report)
	if err != nil {
		return nil, fmt.Errorf("failed to record false positive: %w", err)
	}
	g.log.Info("false positive reported",
		zap.String("reporter_id", reporterID),
		zap.String("check_id", checkID.String()),
		zap.Bool("overridden", overridden),
	)
	return report, nil
}

func (g *FraudGate) RiskProfile(ctx context.Context, userID string) (*domain.UserRiskProfile, error) {
	return g.repo.GetUserRiskProfile(ctx, userID)
}

func (g *FraudGate) Statistics(ctx context.Context, since time.Time) (*domain.FraudStatistics, error) {
	if since.IsZero() {
		since = g.now().Add(-30 * 24 * time.Hour)
	}
	return g.repo.GetFraudStatistics(ctx, since)
}

func differs(requested, registered string) bool {
	requested = strings.TrimSpace(requested)
	registered = strings.TrimSpace(registered)
	return requested != "" && registered != "" && !strings.EqualFold(requested, registered)
}
