package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chaingive/settlement-service/internal/config"
	"github.com/chaingive/settlement-service/internal/domain"
	"github.com/chaingive/settlement-service/internal/metrics"
	"github.com/chaingive/settlement-service/internal/store"
)

const screenConcurrency = 8

// MatchResult is returned by Match. Queued is true when no recipient was
// available and the request was stored as a pending intent.
type MatchResult struct {
	Cycle     *domain.Cycle            `json:"cycle"`
	Candidate *Candidate               `json:"candidate,omitempty"`
	Verdict   *domain.FraudCheckResult `json:"fraud_check,omitempty"`
	Queued    bool                     `json:"queued"`
	Replayed  bool                     `json:"replayed,omitempty"`
}

// Matcher pairs donors with eligible recipients and opens the cycle.
type Matcher struct {
	repo   store.Repository
	fraud  *FraudGate
	ranker Ranker
	cycles *StateMachine
	guard  AcceptGuard
	log    *zap.Logger
	now    func() time.Time

	candidateLimit int
	acceptWindow   time.Duration
}

func NewMatcher(repo store.Repository, fraud *FraudGate, ranker Ranker, cycles *StateMachine, guard AcceptGuard, log *zap.Logger, cfg config.Config) *Matcher {
	if log == nil {
		log = zap.NewNop()
	}
	if ranker == nil {
		ranker = NewHeuristicRanker()
	}
	if guard == nil {
		guard = NewMemoryAcceptGuard()
	}
	limit := cfg.MatchCandidateLimit
	if limit <= 0 {
		limit = 100
	}
	return &Matcher{
		repo:           repo,
		fraud:          fraud,
		ranker:         ranker,
		cycles:         cycles,
		guard:          guard,
		log:            log.With(zap.String("component", "matcher")),
		now:            func() time.Time { return time.Now().UTC() },
		candidateLimit: limit,
		acceptWindow:   orDefault(cfg.AcceptIdempotencyWindow, 30*time.Second),
	}
}

// FindMatch evaluates the donor and returns the best eligible recipient. The
// fraud verdict is returned with ErrNoEligibleRecipient too.
func (m *Matcher) FindMatch(ctx context.Context, req domain.MatchRequest) (*Candidate, *domain.FraudCheckResult, error) {
	if strings.TrimSpace(req.DonorID) == "" {
		return nil, nil, fmt.Errorf("%w: donor id is required", ErrInvalidRequest)
	}
	if req.Amount <= 0 {
		return nil, nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}

	verdict, err := m.fraud.Evaluate(ctx, req.DonorID, domain.FraudContext{
		Amount:  req.Amount,
		Country: req.Country,
		City:    req.City,
		At:      m.now(),
	})
	if err != nil {
		return nil, nil, err
	}
	if verdict.Decision == domain.FraudDecisionBlock {
		return nil, verdict, &FraudBlockedError{
			CheckID:   verdict.ID.String(),
			RiskLevel: verdict.RiskLevel,
			Reasons:   verdict.Reasons,
		}
	}

	candidate, err := m.bestCandidate(ctx, req, verdict)
	if err != nil {
		return nil, verdict, err
	}
	return candidate, verdict, nil
}

func (m *Matcher) bestCandidate(ctx context.Context, req domain.MatchRequest, verdict *domain.FraudCheckResult) (*Candidate, error) {
	pool, err := m.repo.ListCandidateRecipients(ctx, domain.CandidateFilter{
		ExcludeUserID: req.DonorID,
		City:          strings.TrimSpace(req.Preferences.City),
		Country:       strings.TrimSpace(req.Preferences.Country),
		Limit:         m.candidateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}

	open, err := m.repo.ListOpenCounterparties(ctx, req.DonorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load open cycles: %w", err)
	}
	busy := make(map[string]struct{}, len(open))
	for _, id := range open {
		busy[id] = struct{}{}
	}
	available := pool[:0]
	for _, p := range pool {
		if _, taken := busy[p.UserID]; !taken {
			available = append(available, p)
		}
	}

	eligible, err := m.screen(ctx, verdict, available)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, ErrNoEligibleRecipient
	}

	ranked, err := m.ranker.Rank(ctx, RankRequest{
		DonorID:     req.DonorID,
		Amount:      req.Amount,
		City:        req.City,
		Country:     req.Country,
		Preferences: req.Preferences,
		At:          m.now(),
	}, eligible)
	if err != nil {
		return nil, fmt.Errorf("failed to rank candidates: %w", err)
	}
	if len(ranked) == 0 {
		return nil, ErrNoEligibleRecipient
	}
	SortCandidates(ranked)
	best := ranked[0]
	return &best, nil
}

// screen drops candidates whose pair check blocks. Order is preserved.
func (m *Matcher) screen(ctx context.Context, verdict *domain.FraudCheckResult, pool []domain.Participant) ([]domain.Participant, error) {
	at := m.now()
	allowed := make([]bool, len(pool))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(screenConcurrency)
	for i := range pool {
		i := i
		g.Go(func() error {
			decision, reasons, err := m.fraud.Screen(gctx, verdict, pool[i], at)
			if err != nil {
				return err
			}
			allowed[i] = decision != domain.FraudDecisionBlock
			if decision == domain.FraudDecisionBlock {
				m.log.Info("candidate excluded by pair screen",
					zap.String("donor_id", verdict.SubjectID),
					zap.String("recipient_id", pool[i].UserID),
					zap.Strings("reasons", reasons),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to screen candidates: %w", err)
	}

	out := make([]domain.Participant, 0, len(pool))
	for i, p := range pool {
		if allowed[i] {
			out = append(out, p)
		}
	}
	return out, nil
}

// SortCandidates orders by score descending, then longest waiting, then
// recipient id.
func SortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Participant.WaitingSince.Equal(b.Participant.WaitingSince) {
			return a.Participant.WaitingSince.Before(b.Participant.WaitingSince)
		}
		return a.Participant.UserID < b.Participant.UserID
	})
}

func acceptKey(donorID, recipientID string) string {
	return donorID + ":" + recipientID
}

// AcceptMatch opens the cycle for donor and candidate. Within the acceptance
// window a repeat returns the cycle already created, or ErrDuplicateSubmission
// while the first call is still running.
func (m *Matcher) AcceptMatch(ctx context.Context, donorID string, candidate *Candidate, amount int64, verdict *domain.FraudCheckResult) (*domain.Cycle, error) {
	if candidate == nil {
		return nil, ErrNoEligibleRecipient
	}
	recipientID := candidate.Participant.UserID
	key := acceptKey(donorID, recipientID)

	existing, acquired, err := m.guard.Begin(ctx, key, m.acceptWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire acceptance guard: %w", err)
	}
	if !acquired {
		if existing == acceptPending {
			return nil, ErrDuplicateSubmission
		}
		cycleID, parseErr := uuid.Parse(existing)
		if parseErr != nil {
			return nil, ErrDuplicateSubmission
		}
		m.log.Info("repeated acceptance returns existing cycle", zap.String("cycle_id", existing), zap.String("donor_id", donorID))
		return m.repo.GetCycle(ctx, cycleID)
	}

	params := OpenParams{DonorID: donorID, RecipientID: recipientID, Amount: amount}
	if verdict != nil {
		params.Flagged = verdict.Decision == domain.FraudDecisionFlag
		checkID := verdict.ID
		params.FraudCheckID = &checkID
	}

	cycle, err := m.cycles.Open(ctx, params)
	if err != nil {
		if abortErr := m.guard.Abort(ctx, key); abortErr != nil {
			m.log.Warn("failed to release acceptance guard", zap.String("key", key), zap.Error(abortErr))
		}
		return nil, err
	}
	if err := m.guard.Complete(ctx, key, cycle.ID.String(), m.acceptWindow); err != nil {
		m.log.Warn("failed to record acceptance", zap.String("key", key), zap.Error(err))
	}
	return cycle, nil
}

// Match runs FindMatch then AcceptMatch. With WaitForMatch set, a request
// without eligible recipients is queued as a pending intent. A repeat inside
// the acceptance window returns the first request's cycle with Replayed set.
// Requests are keyed by IdempotencyKey when the client sends one, otherwise
// by donor and amount.
func (m *Matcher) Match(ctx context.Context, req domain.MatchRequest) (*MatchResult, error) {
	requestKey := matchRequestKey(req)
	existing, acquired, err := m.guard.Begin(ctx, requestKey, m.acceptWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire acceptance guard: %w", err)
	}
	if !acquired {
		return m.replay(ctx, existing, req.Amount)
	}

	result, err := m.match(ctx, req)
	if err != nil {
		if abortErr := m.guard.Abort(ctx, requestKey); abortErr != nil {
			m.log.Warn("failed to release acceptance guard", zap.String("key", requestKey), zap.Error(abortErr))
		}
		metrics.RecordMatchOutcome(matchOutcome(err))
		return nil, err
	}
	if err := m.guard.Complete(ctx, requestKey, result.Cycle.ID.String(), m.acceptWindow); err != nil {
		m.log.Warn("failed to record acceptance", zap.String("key", requestKey), zap.Error(err))
	}
	if result.Queued {
		metrics.RecordMatchOutcome("queued")
	} else {
		metrics.RecordMatchOutcome("matched")
	}
	return result, nil
}

func matchRequestKey(req domain.MatchRequest) string {
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		return fmt.Sprintf("match:%s:key:%s", req.DonorID, key)
	}
	return fmt.Sprintf("match:%s:%d", req.DonorID, req.Amount)
}

func (m *Matcher) replay(ctx context.Context, existing string, amount int64) (*MatchResult, error) {
	if existing == acceptPending {
		metrics.RecordMatchOutcome(matchOutcome(ErrDuplicateSubmission))
		return nil, ErrDuplicateSubmission
	}
	cycleID, err := uuid.Parse(existing)
	if err != nil {
		return nil, ErrDuplicateSubmission
	}
	cycle, err := m.repo.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if cycle.Amount != amount {
		metrics.RecordMatchOutcome(matchOutcome(ErrDuplicateSubmission))
		return nil, fmt.Errorf("%w: idempotency key was used for a different amount", ErrDuplicateSubmission)
	}
	metrics.RecordMatchOutcome("replayed")
	return &MatchResult{Cycle: cycle, Queued: !cycle.HasRecipient(), Replayed: true}, nil
}

func (m *Matcher) match(ctx context.Context, req domain.MatchRequest) (*MatchResult, error) {
	candidate, verdict, err := m.FindMatch(ctx, req)
	if errors.Is(err, ErrNoEligibleRecipient) && req.Preferences.WaitForMatch {
		params := OpenParams{DonorID: req.DonorID, Amount: req.Amount}
		if verdict != nil {
			params.Flagged = verdict.Decision == domain.FraudDecisionFlag
			checkID := verdict.ID
			params.FraudCheckID = &checkID
		}
		cycle, err := m.cycles.OpenIntent(ctx, params)
		if err != nil {
			return nil, err
		}
		return &MatchResult{Cycle: cycle, Verdict: verdict, Queued: true}, nil
	}
	if err != nil {
		return nil, err
	}

	cycle, err := m.AcceptMatch(ctx, req.DonorID, candidate, req.Amount, verdict)
	if err != nil {
		return nil, err
	}
	return &MatchResult{Cycle: cycle, Candidate: candidate, Verdict: verdict}, nil
}

// Rematch tries to pair queued intents. Intents that still cannot be funded or
// matched stay pending until their match-expire trigger fires.
func (m *Matcher) Rematch(ctx context.Context, limit int) (int, error) {
	intents, err := m.repo.ListPendingIntents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending intents: %w", err)
	}

	matched := 0
	for _, intent := range intents {
		if ctx.Err() != nil {
			return matched, ctx.Err()
		}
		verdict := m.storedVerdict(ctx, intent)
		candidate, err := m.bestCandidate(ctx, domain.MatchRequest{DonorID: intent.DonorID, Amount: intent.Amount}, verdict)
		if errors.Is(err, ErrNoEligibleRecipient) {
			continue
		}
		if err != nil {
			m.log.Warn("rematch candidate lookup failed", zap.String("cycle_id", intent.ID.String()), zap.Error(err))
			continue
		}

		cycle, err := m.cycles.MatchFound(ctx, intent.ID, candidate.Participant.UserID)
		switch {
		case err == nil && cycle.State == domain.CycleStateInTransit:
			matched++
		case err == nil:
		case errors.Is(err, ErrInsufficientFunds), errors.Is(err, store.ErrOpenCycleExists):
			m.log.Info("pending intent left queued",
				zap.String("cycle_id", intent.ID.String()),
				zap.String("donor_id", intent.DonorID),
				zap.Error(err),
			)
		default:
			m.log.Warn("rematch failed", zap.String("cycle_id", intent.ID.String()), zap.Error(err))
		}
	}
	return matched, nil
}

func (m *Matcher) storedVerdict(ctx context.Context, intent domain.Cycle) *domain.FraudCheckResult {
	if intent.FraudCheckID != nil {
		if check, err := m.repo.GetFraudCheck(ctx, *intent.FraudCheckID); err == nil {
			return check
		}
	}
	return &domain.FraudCheckResult{SubjectID: intent.DonorID, Amount: intent.Amount, Decision: domain.FraudDecisionAllow}
}

func matchOutcome(err error) string {
	switch {
	case errors.Is(err, ErrFraudBlocked):
		return "fraud_blocked"
	case errors.Is(err, ErrNoEligibleRecipient):
		return "no_recipient"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrDuplicateSubmission):
		return "duplicate"
	default:
		return "error"
	}
}
