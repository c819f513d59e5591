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

func TestMatchHoldsDonorFunds(t *testing.T) {
	e := newTestEngine(t)
	e.fund(t, "donor", 1000)
	e.addRecipient(t, "recipient")

	result, err := e.matcher.Match(context.Background(), domain.MatchRequest{DonorID: "donor", Amount: 500})
	require.NoError(t, err)

	assert.False(t, result.Queued)
	assert.Equal(t, "recipient", result.Candidate.Participant.UserID)
	assert.Equal(t, domain.CycleStateInTransit, result.Cycle.State)
	assert.Equal(t, int64(500), e.balance(t, "donor"))
	assert.Equal(t, domain.HoldStatusHeld, e.hold(t, result.Cycle).Status)
	require.NotNil(t, result.Cycle.DueAt)
	assert.Equal(t, e.clock.Now().Add(48*time.Hour), *result.Cycle.DueAt)
}

func TestFulfilledCycleReleasesEscrowToRecipient(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.fund(t, "donor", 1000)
	cycle := e.openCycle(t, "donor", "recipient", 500)

	cycle, err := e.cycles.ConfirmReceipt(ctx, cycle.ID, "recipient")
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStateReceived, cycle.State)

	cycle, err = e.cycles.AcceptObligation(ctx, cycle.ID, "recipient")
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStateObligated, cycle.State)

	cycle, err = e.cycles.Fulfill(ctx, cycle.ID, "recipient")
	require.NoError(t, err)

	assert.Equal(t, domain.CycleStateFulfilled, cycle.State)
	assert.Nil(t, cycle.DueAt)
	assert.Equal(t, domain.HoldStatusReleased, e.hold(t, cycle).Status)
	assert.Equal(t, int64(500), e.balance(t, "recipient"))
	assert.Equal(t, int64(500), e.balance(t, "donor"))
}

func TestUnconfirmedCycleRefundsDonorAfterDeadline(t *testing.T) {
	e := newTestEngine(t)
	e.fund(t, "donor", 1000)
	cycle := e.openCycle(t, "donor", "recipient", 500)
	require.Equal(t, int64(500), e.balance(t, "donor"))

	e.clock.Advance(47 * time.Hour)
	e.drainTriggers(t)
	current, err := e.repo.GetCycle(context.Background(), cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStateInTransit, current.State)

	e.clock.Advance(time.Hour)
	e.drainTriggers(t)

	current, err = e.repo.GetCycle(context.Background(), cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStateDefaulted, current.State)
	assert.Equal(t, domain.HoldStatusRefunded, e.hold(t, current).Status)
	assert.Equal(t, int64(1000), e.balance(t, "donor"))
	assert.Equal(t, int64(0), e.balance(t, "recipient"))
}

func TestMatchWithInsufficientFundsCreatesNothing(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.fund(t, "donor", 100)
	e.addRecipient(t, "recipient")

	_, err := e.matcher.Match(ctx, domain.MatchRequest{DonorID: "donor", Amount: 500})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	var insufficient *InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(100), insufficient.Balance)
	assert.Equal(t, int64(500), insufficient.Required)

	assert.Equal(t, int64(100), e.balance(t, "donor"))
	open, err := e.repo.ListOpenCounterparties(ctx, "donor")
	require.NoError(t, err)
	assert.Empty(t, open)
	count, err := e.repo.CountPairCycles(ctx, "donor", "recipient", time.Time{})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBlockedDonorGetsNoCycle(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.fund(t, "donor", 100000)
	e.addRecipient(t, "recipient")
	require.NoError(t, e.repo.UpsertParticipant(ctx, &domain.Participant{
		UserID:       "donor",
		Active:       true,
		KYCApproved:  true,
		Country:      "NG",
		City:         "Lagos",
		RegisteredAt: e.clock.Now().Add(-24 * time.Hour),
	}))
	// 3am, country mismatch and a young account with a large amount: 0.20+0.25+0.20 = 0.65
	// plus five earlier requests pushing velocity over the limit.
	e.clock.Advance(15 * time.Hour)
	for i := 0; i < 5; i++ {
		_, err := e.fraud.velocity.Observe(ctx, "donor", e.clock.Now(), time.Hour)
		require.NoError(t, err)
	}

	_, err := e.matcher.Match(ctx, domain.MatchRequest{DonorID: "donor", Amount: 20000, Country: "GH"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFraudBlocked)

	var blocked *FraudBlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, domain.RiskLevelHigh, blocked.RiskLevel)
	assert.NotEmpty(t, blocked.Reasons)

	assert.Equal(t, int64(100000), e.balance(t, "donor"))
	open, err := e.repo.ListOpenCounterparties(ctx, "donor")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestConcurrentReleaseAndForfeitCreditOnce(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.fund(t, "donor", 1000)
	cycle := e.openCycle(t, "donor", "recipient", 400)
	holdID := *cycle.EscrowHoldID

	var (
		wg      sync.WaitGroup
		results [2]Resolution
		errs    [2]error
	)
	start := make(chan struct{})
	resolvers := []func(context.Context, uuid.UUID) (Resolution, error){e.escrow.Release, e.escrow.Forfeit}
	for i, resolve := range resolvers {
		wg.Add(1)
		go func(i int, resolve func(context.Context, uuid.UUID) (Resolution, error)) {
			defer wg.Done()
			<-start
			results[i], errs[i] = resolve(ctx, holdID)
		}(i, resolve)
	}
	close(start)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, results[0].Applied, results[1].Applied, "exactly one resolution applies")

	credited := e.balance(t, "recipient") + e.balance(t, sinkAccount)
	assert.Equal(t, int64(400), credited)

	final, err := e.repo.GetEscrowHold(ctx, holdID)
	require.NoError(t, err)
	for _, res := range results {
		assert.Equal(t, final.Status, res.Hold.Status)
	}
}

func TestEscrowResolutionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.fund(t, "donor", 1000)
	cycle := e.openCycle(t, "donor", "recipient", 300)

	first, err := e.escrow.Refund(ctx, *cycle.EscrowHoldID)
	require.NoError(t, err)
	assert.True(t, first.Applied)

	for _, resolve := range []func(context.Context, uuid.UUID) (Resolution, error){e.escrow.Refund, e.escrow.Release, e.escrow.Forfeit} {
		again, err := resolve(ctx, *cycle.EscrowHoldID)
		require.NoError(t, err)
		assert.False(t, again.Applied)
		assert.Equal(t, domain.HoldStatusRefunded, again.Hold.Status)
	}
	assert.Equal(t, int64(1000), e.balance(t, "donor"))
	assert.Zero(t, e.balance(t, "recipient"))
	assert.Zero(t, e.balance(t, sinkAccount))
}

func TestObligationDeadlineForfeitsToSink(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.fund(t, "donor", 1000)
	cycle := e.openCycle(t, "donor", "recipient", 250)
	_, err := e.cycles.ConfirmReceipt(ctx, cycle.ID, "recipient")
	require.NoError(t, err)
	_, err = e.cycles.AcceptObligation(ctx, cycle.ID, "recipient")
	require.NoError(t, err)

	e.clock.Advance(30*24*time.Hour + time.Minute)
	e.drainTriggers(t)

	current, err := e.repo.GetCycle(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CycleStateDefaulted, current.State)
	assert.Equal(t, domain.HoldStatusForfeited, e.hold(t, current).Status)
	assert.Equal(t, int64(250), e.balance(t, sinkAccount))
	assert.Equal(t, int64(750), e.balance(t, "donor"))
	assert.Zero(t, e.balance(t, "recipient"))
}

func TestConservationAcrossLifecycles(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	users := []string{"d1", "d2", "d3", "r1", "r2", "r3", sinkAccount}
	e.fund(t, "d1", 1000)
	e.fund(t, "d2", 1000)
	e.fund(t, "d3", 1000)

	fulfilled := e.openCycle(t, "d1", "r1", 600)
	refunded := e.openCycle(t, "d2", "r2", 700)
	forfeited := e.openCycle(t, "d3", "r3", 800)
	all := []*domain.Cycle{fulfilled, refunded, forfeited}

	assert.Equal(t, int64(3000), e.ledgerTotal(t, users...)+e.heldTotal(t, all...))

	for _, step := range []func(context.Context, uuid.UUID, string) (*domain.Cycle, error){e.cycles.ConfirmReceipt, e.cycles.AcceptObligation, e.cycles.Fulfill} {
		_, err := step(ctx, fulfilled.ID, "r1")
		require.NoError(t, err)
	}
	for _, step := range []func(context.Context, uuid.UUID, string) (*domain.Cycle, error){e.cycles.ConfirmReceipt, e.cycles.AcceptObligation} {
		_, err := step(ctx, forfeited.ID, "r3")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3000), e.ledgerTotal(t, users...)+e.heldTotal(t, all...))

	_, err := e.cycles.DefaultUnconfirmed(ctx, refunded.ID)
	require.NoError(t, err)
	_, err = e.cycles.DefaultObligation(ctx, forfeited.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(3000), e.ledgerTotal(t, users...))
	assert.Zero(t, e.heldTotal(t, all...))
	for _, id := range users {
		report, err := e.ledger.Reconcile(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, report.Drift, id)
	}
}
