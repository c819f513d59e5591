package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaingive/settlement-service/internal/domain"
)

func TestSortCandidatesBreaksTies(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candidates := []Candidate{
		{Participant: domain.Participant{UserID: "c", WaitingSince: base}, Score: 0.5},
		{Participant: domain.Participant{UserID: "b", WaitingSince: base}, Score: 0.5},
		{Participant: domain.Participant{UserID: "a", WaitingSince: base.Add(time.Hour)}, Score: 0.5},
		{Participant: domain.Participant{UserID: "z", WaitingSince: base.Add(48 * time.Hour)}, Score: 0.9},
	}
	SortCandidates(candidates)

	order := make([]string, 0, len(candidates))
	for _, c := range candidates {
		order = append(order, c.Participant.UserID)
	}
	assert.Equal(t, []string{"z", "b", "c", "a"}, order)
}

func TestMatchPrefersLongestWaitingOnEqualScore(t *testing.T) {
	e := newTestEngine(t)
	e.fund(t, "donor", 1000)
	now := e.clock.Now()
	// same whole-day wait keeps heuristic scores equal
	e.addRecipient(t, "r-late", func(p *domain.Participant) { p.WaitingSince = now.Add(-50 * time.Hour) })
	e.addRecipient(t, "r-early", func(p *domain.Participant) { p.WaitingSince = now.Add(-70 * time.Hour) })

	result, err := e.matcher.Match(context.Background(), domain.MatchRequest{DonorID: "donor", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, "r-early", result.Cycle.RecipientID)
}

func TestMatchHonoursLocationPreference(t *testing.T) {
	e := newTestEngine(t)
	e.fund(t, "donor", 1000)
	e.addRecipient(t, "lagos", func(p *domain.Participant) { p.TrustScore = 1 })
	e.addRecipient(t, "accra", func(p *domain.Participant) {
		p.City = "Accra"
		p.Country = "GH"
		p.TrustScore = 0.1
	})

	result, err := e.matcher.Match(context.Background(), domain.MatchRequest{
		DonorID:     "donor",
		Amount:      100,
		Preferences: domain.MatchPreferences{City: "Accra"},
	})
	require.NoError(t, err)
	assert.Equal(t, "accra", result.Cycle.RecipientID)
}

func TestMatchSkipsIneligibleAndBusyRecipients(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.fund(t, "donor", 1000)
	e.addRecipient(t, "banned", func(p *domain.Participant) { p.Banned = true; p.TrustScore = 1 })
	e.addRecipient(t, "no-kyc", func(p *domain.Participant) { p.KYCApproved = false; p.TrustScore = 1 })
	e.addRecipient(t, "busy", func(p *domain.Participant) { p.TrustScore = 1 })
	e.addRecipient(t, "free")
	e.openCycle(t, "donor", "busy", 100)

	result, err := e.matcher.Match(ctx, domain.MatchRequest{DonorID: "donor", Amount: 200})
	require.NoError(t, err)
	assert.Equal(t, "free", result.Cycle.RecipientID)

	_, err = e.matcher.Match(ctx, domain.MatchRequest{DonorID: "donor", Amount: 300})
	assert.ErrorIs(t, err, ErrNoEligibleRecipient)
	assert.Equal(t, int64(700), e.balance(t, "donor"))
}

func TestPairScreenExcludesColludingRecipient(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.fund(t, "donor", 10000)
	e.addRecipient(t, "friend", func(p *domain.Participant) { p.TrustScore = 1 })
	e.addRecipient(t, "other")

	// three completed cycles with the same recipient in the last month; the
	// amount spike and country mismatch make the base verdict 0.55, so the
	// pair rule pushes that recipient over the block threshold
	for i := 0; i < 3; i++ {
		c := e.openCycle(t, "donor", "friend", 10)
		for _, step := range []func(context.Context, uuid.UUID, string) (*domain.Cycle, error){e.cycles.ConfirmReceipt, e.cycles.AcceptObligation, e.cycles.Fulfill} {
			_, err := step(ctx, c.ID, "friend")
			require.NoError(t, err)
		}
	}
	require.NoError(t, e.repo.UpsertParticipant(ctx, &domain.Participant{
		UserID:       "donor",
		Active:       true,
		KYCApproved:  true,
		Country:      "NG",
		City:         "Lagos",
		RegisteredAt: e.clock.Now().Add(-365 * 24 * time.Hour),
	}))

	result, err := e.matcher.Match(ctx, domain.MatchRequest{DonorID: "donor", Amount: 100, Country: "GH"})
	require.NoError(t, err)
	assert.Equal(t, "other", result.Cycle.RecipientID)
	assert.Equal(t, domain.FraudDecisionFlag, result.Verdict.Decision)
	assert.True(t, result.Cycle.Flagged)
}

func TestAcceptMatchIsIdempotentWithinWindow(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.fund(t, "donor", 1000)
	recipient := e.addRecipient(t, "recipient")
	candidate := &Candidate{Participant: recipient, Score: 0.5}

	first, err := e.matcher.AcceptMatch(ctx, "donor", candidate, 300, nil)
	require.NoError(t, err)
	second, err := e.matcher.AcceptMatch(ctx, "donor", candidate, 300, nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(700), e.balance(t, "donor"))
}

func TestConcurrentAcceptOpensOneCycle(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.fund(t, "donor", 1000)
	recipient := e.addRecipient(t, "recipient")
	candidate := &Candidate{Participant: recipient}

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		opened  = map[string]int{}
		dupes   int
		unknown []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			cycle, err := e.matcher.AcceptMatch(ctx, "donor", candidate, 200, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				opened[cycle.ID.String()]++
			case errors.Is(err, ErrDuplicateSubmission):
				dupes++
			default:
				unknown = append(unknown, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Empty(t, unknown)
	assert.Len(t, opened, 1)
	assert.LessOrEqual(t, dupes, callers-1)
	assert.Equal(t, int64(800), e.balance(t, "donor"))
}

func TestMatchRetryReplaysFirstResult(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.fund(t, "donor", 1000)
	e.addRecipient(t, "first", func(p *domain.Participant) { p.TrustScore = 1 })
	e.addRecipient(t, "second")

	req := domain.MatchRequest{DonorID: "donor", Amount: 250}
	original, err := e.matcher.Match(ctx, req)
	require.NoError(t, err)
	retry, err := e.matcher.Match(ctx, req)
	require.NoError(t, err)

	assert.True(t, retry.Replayed)
	assert.Equal(t, original.Cycle.ID, retry.Cycle.ID)
	assert.Equal(t, int64(750), e.balance(t, "donor"))

	// outside the window the same request is new work
	e.clock.Advance(time.Minute)
	again, err := e.matcher.Match(ctx, req)
	require.NoError(t, err)
	assert.False(t, again.Replayed)
	assert.Equal(t, "second", again.Cycle.RecipientID)
	assert.Equal(t, int64(500), e.balance(t, "donor"))
}

func TestMatchIdempotencyKeySeparatesRepeatDonations(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.fund(t, "donor", 1000)
	e.addRecipient(t, "first", func(p *domain.Participant) { p.TrustScore = 1 })
	e.addRecipient(t, "second")

	one, err := e.matcher.Match(ctx, domain.MatchRequest{DonorID: "donor", Amount: 250, IdempotencyKey: "gift-1"})
	require.NoError(t, err)
	two, err := e.matcher.Match(ctx, domain.MatchRequest{DonorID: "donor", Amount: 250, IdempotencyKey: "gift-2"})
	require.NoError(t, err)

	assert.False(t, two.Replayed)
	assert.NotEqual(t, one.Cycle.ID, two.Cycle.ID)
	assert.Equal(t, "first", one.Cycle.RecipientID)
	assert.Equal(t, "second", two.Cycle.RecipientID)
	assert.Equal(t, int64(500), e.balance(t, "donor"))

	retry, err := e.matcher.Match(ctx, domain.MatchRequest{DonorID: "donor", Amount: 250, IdempotencyKey: "gift-1"})
	require.NoError(t, err)
	assert.True(t, retry.Replayed)
	assert.Equal(t, one.Cycle.ID, retry.Cycle.ID)

	_, err = e.matcher.Match(ctx, domain.MatchRequest{DonorID: "donor", Amount: 300, IdempotencyKey: "gift-1"})
	assert.ErrorIs(t, err, ErrDuplicateSubmission)
	assert.Equal(t, int64(500), e.balance(t, "donor"))
}

func TestFailedMatchReleasesGuard(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.fund(t, "donor", 100)
	e.addRecipient(t, "recipient")

	req := domain.MatchRequest{DonorID: "donor", Amount: 300}
	_, err := e.matcher.Match(ctx, req)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	e.fund(t, "donor", 500)
	result, err := e.matcher.Match(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStateInTransit, result.Cycle.State)
}

func TestRematchPairsQueuedIntent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.fund(t, "donor", 1000)

	queued, err := e.matcher.Match(ctx, domain.MatchRequest{
		DonorID:     "donor",
		Amount:      400,
		Preferences: domain.MatchPreferences{WaitForMatch: true},
	})
	require.NoError(t, err)
	require.True(t, queued.Queued)

	matched, err := e.matcher.Rematch(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, matched)

	e.addRecipient(t, "recipient")
	matched, err = e.matcher.Rematch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, matched)

	current, err := e.repo.GetCycle(ctx, queued.Cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStateInTransit, current.State)
	assert.Equal(t, "recipient", current.RecipientID)
	assert.Equal(t, int64(600), e.balance(t, "donor"))

	// the pending match-expire trigger was superseded
	e.clock.Advance(25 * time.Hour)
	e.drainTriggers(t)
	current, err = e.repo.GetCycle(ctx, queued.Cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStateInTransit, current.State)
}

func TestRematchLeavesUnfundedIntentQueued(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.fund(t, "donor", 1000)

	queued, err := e.matcher.Match(ctx, domain.MatchRequest{
		DonorID:     "donor",
		Amount:      800,
		Preferences: domain.MatchPreferences{WaitForMatch: true},
	})
	require.NoError(t, err)

	_, err = e.ledger.Withdraw(ctx, domain.WithdrawalRequest{UserID: "donor", Amount: 500, Reference: "payout-1"})
	require.NoError(t, err)
	e.addRecipient(t, "recipient")

	matched, err := e.matcher.Rematch(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, matched)

	current, err := e.repo.GetCycle(ctx, queued.Cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStatePending, current.State)
	assert.Empty(t, current.RecipientID)
	assert.Equal(t, int64(500), e.balance(t, "donor"))
}
