package app

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chaingive/settlement-service/internal/domain"
)

// RankRequest describes the donor intent being matched.
type RankRequest struct {
	DonorID     string
	Amount      int64
	City        string
	Country     string
	Preferences domain.MatchPreferences
	At          time.Time
}

// Candidate is a recipient with its ranking score. Higher is better.
type Candidate struct {
	Participant domain.Participant `json:"participant"`
	Score       float64            `json:"score"`
}

// Ranker scores eligible recipients. It must return one Candidate per input
// participant; ordering is applied by the Matcher.
type Ranker interface {
	Rank(ctx context.Context, req RankRequest, participants []domain.Participant) ([]Candidate, error)
}

var (
	rankWeightTrust     = decimal.RequireFromString("0.40")
	rankWeightCity      = decimal.RequireFromString("0.20")
	rankWeightCountry   = decimal.RequireFromString("0.10")
	rankWeightWaiting   = decimal.RequireFromString("0.30")
	rankWeightCompleted = decimal.RequireFromString("0.10")

	maxWaitingDays     = decimal.NewFromInt(30)
	maxCompletedCycles = decimal.NewFromInt(10)
)

// HeuristicRanker scores by trust, location proximity, time waiting and
// completed cycles.
type HeuristicRanker struct {
	now func() time.Time
}

func NewHeuristicRanker() *HeuristicRanker {
	return &HeuristicRanker{now: func() time.Time { return time.Now().UTC() }}
}

func (h *HeuristicRanker) Rank(ctx context.Context, req RankRequest, participants []domain.Participant) ([]Candidate, error) {
	at := req.At
	if at.IsZero() {
		at = h.now()
	}
	city := firstNonEmpty(req.Preferences.City, req.City)
	country := firstNonEmpty(req.Preferences.Country, req.Country)

	out := make([]Candidate, 0, len(participants))
	for _, p := range participants {
		out = append(out, Candidate{Participant: p, Score: h.score(p, city, country, at)})
	}
	return out, nil
}

func (h *HeuristicRanker) score(p domain.Participant, city, country string, at time.Time) float64 {
	trust := decimal.NewFromFloat(p.TrustScore)
	if trust.GreaterThan(decimal.NewFromInt(1)) {
		trust = decimal.NewFromInt(1)
	}
	if trust.IsNegative() {
		trust = decimal.Zero
	}
	score := trust.Mul(rankWeightTrust)

	switch {
	case city != "" && strings.EqualFold(city, p.City):
		score = score.Add(rankWeightCity)
	case country != "" && strings.EqualFold(country, p.Country):
		score = score.Add(rankWeightCountry)
	}

	if !p.WaitingSince.IsZero() && at.After(p.WaitingSince) {
		days := decimal.NewFromInt(int64(at.Sub(p.WaitingSince) / (24 * time.Hour)))
		score = score.Add(decimal.Min(days, maxWaitingDays).Div(maxWaitingDays).Mul(rankWeightWaiting))
	}

	completed := decimal.NewFromInt(int64(p.CompletedCycles))
	score = score.Add(decimal.Min(completed, maxCompletedCycles).Div(maxCompletedCycles).Mul(rankWeightCompleted))

	return score.Round(6).InexactFloat64()
}

// FallbackRanker asks the primary ranker first and falls back to the
// secondary one when it fails or returns a partial answer.
type FallbackRanker struct {
	primary   Ranker
	secondary Ranker
	log       *zap.Logger
}

func NewFallbackRanker(primary, secondary Ranker, log *zap.Logger) *FallbackRanker {
	if log == nil {
		log = zap.NewNop()
	}
	return &FallbackRanker{primary: primary, secondary: secondary, log: log.With(zap.String("component", "ranker"))}
}

func (f *FallbackRanker) Rank(ctx context.Context, req RankRequest, participants []domain.Participant) ([]Candidate, error) {
	if f.primary != nil {
		ranked, err := f.primary.Rank(ctx, req, participants)
		if err == nil && len(ranked) == len(participants) {
			return ranked, nil
		}
		if err != nil {
			f.log.Warn("primary ranker failed; using heuristic scoring", zap.Error(err))
		} else {
			f.log.Warn("primary ranker returned partial result; using heuristic scoring",
				zap.Int("expected", len(participants)),
				zap.Int("received", len(ranked)),
			)
		}
	}
	return f.secondary.Rank(ctx, req, participants)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
