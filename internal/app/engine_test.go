package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chaingive/settlement-service/internal/config"
	"github.com/chaingive/settlement-service/internal/domain"
	"github.com/chaingive/settlement-service/internal/store"
)

const sinkAccount = "community-pool"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEngine struct {
	repo    *store.MemoryRepository
	cfg     config.Config
	clock   *fakeClock
	ledger  *Ledger
	escrow  *EscrowManager
	fraud   *FraudGate
	cycles  *StateMachine
	guard   *MemoryAcceptGuard
	matcher *Matcher
	runner  *TriggerRunner
}

func testConfig() config.Config {
	return config.Config{
		EventsExchange:              "settlement.events",
		ForfeitSinkAccountID:        sinkAccount,
		MatchExpiry:                 24 * time.Hour,
		ReceiptConfirmationWindow:   48 * time.Hour,
		ObligationAcceptWindow:      24 * time.Hour,
		ObligationFulfillmentWindow: 30 * 24 * time.Hour,
		AcceptIdempotencyWindow:     30 * time.Second,
		FraudVelocityWindow:         time.Hour,
		FraudVelocityLimit:          5,
		MatchCandidateLimit:         100,
		TriggerWorkers:              4,
		TriggerBatchSize:            50,
		TriggerPollInterval:         time.Second,
		TriggerStaleAfter:           2 * time.Minute,
		OutboxBatchSize:             50,
		RematchBatchSize:            50,
		ReconcileSampleSize:         200,
	}
}

// newTestEngine wires every component over a memory store and one clock.
// The clock starts at noon UTC so the unusual-hour rule stays quiet.
func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	return newTestEngineWithConfig(t, testConfig())
}

func newTestEngineWithConfig(t *testing.T, cfg config.Config) *testEngine {
	t.Helper()
	repo := store.NewMemoryRepository()
	clock := newFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	ledger := NewLedger(repo, log)
	ledger.now = clock.Now
	escrow := NewEscrowManager(repo, ledger, log, cfg)
	escrow.now = clock.Now
	fraud := NewFraudGate(repo, NewMemoryVelocityCounter(), log, cfg)
	fraud.now = clock.Now
	cycles := NewStateMachine(repo, escrow, log, cfg)
	cycles.now = clock.Now
	guard := NewMemoryAcceptGuard()
	guard.now = clock.Now
	ranker := NewHeuristicRanker()
	ranker.now = clock.Now
	matcher := NewMatcher(repo, fraud, ranker, cycles, guard, log, cfg)
	matcher.now = clock.Now
	runner := NewTriggerRunner(repo, log, cfg)
	runner.now = clock.Now
	runner.HandleCycleTriggers(cycles)

	return &testEngine{
		repo:    repo,
		cfg:     cfg,
		clock:   clock,
		ledger:  ledger,
		escrow:  escrow,
		fraud:   fraud,
		cycles:  cycles,
		guard:   guard,
		matcher: matcher,
		runner:  runner,
	}
}

func (e *testEngine) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, created, err := e.ledger.Deposit(context.Background(), domain.DepositRequest{
		UserID: userID,
		Amount: amount,
		Proof:  "proof-" + uuid.NewString(),
	})
	require.NoError(t, err)
	require.True(t, created)
}

func (e *testEngine) balance(t *testing.T, userID string) int64 {
	t.Helper()
	balance, err := e.ledger.BalanceOf(context.Background(), userID)
	require.NoError(t, err)
	return balance
}

// addRecipient registers an eligible recipient that joined a year ago.
func (e *testEngine) addRecipient(t *testing.T, userID string, mutate ...func(*domain.Participant)) domain.Participant {
	t.Helper()
	now := e.clock.Now()
	p := domain.Participant{
		UserID:       userID,
		Active:       true,
		KYCApproved:  true,
		Country:      "NG",
		City:         "Lagos",
		TrustScore:   0.5,
		WaitingSince: now.Add(-48 * time.Hour),
		RegisteredAt: now.Add(-365 * 24 * time.Hour),
		UpdatedAt:    now,
	}
	for _, fn := range mutate {
		fn(&p)
	}
	require.NoError(t, e.repo.UpsertParticipant(context.Background(), &p))
	return p
}

func (e *testEngine) hold(t *testing.T, cycle *domain.Cycle) *domain.EscrowHold {
	t.Helper()
	require.NotNil(t, cycle.EscrowHoldID)
	hold, err := e.repo.GetEscrowHold(context.Background(), *cycle.EscrowHoldID)
	require.NoError(t, err)
	return hold
}

func (e *testEngine) openCycle(t *testing.T, donorID, recipientID string, amount int64) *domain.Cycle {
	t.Helper()
	cycle, err := e.cycles.Open(context.Background(), OpenParams{DonorID: donorID, RecipientID: recipientID, Amount: amount})
	require.NoError(t, err)
	return cycle
}

// drainTriggers runs the trigger runner until nothing is due.
func (e *testEngine) drainTriggers(t *testing.T) {
	t.Helper()
	for i := 0; i < 10; i++ {
		claimed, err := e.runner.RunOnce(context.Background())
		require.NoError(t, err)
		if claimed == 0 {
			return
		}
	}
	t.Fatal("trigger runner did not settle")
}

// ledgerTotal sums every balance the test touched.
func (e *testEngine) ledgerTotal(t *testing.T, userIDs ...string) int64 {
	t.Helper()
	var total int64
	for _, id := range userIDs {
		total += e.balance(t, id)
	}
	return total
}

// heldTotal sums the amounts of holds that are still held for the cycles given.
func (e *testEngine) heldTotal(t *testing.T, cycles ...*domain.Cycle) int64 {
	t.Helper()
	var total int64
	for _, c := range cycles {
		hold, err := e.repo.GetEscrowHoldByCycle(context.Background(), c.ID)
		if err != nil {
			continue
		}
		if hold.Status == domain.HoldStatusHeld {
			total += hold.Amount
		}
	}
	return total
}
