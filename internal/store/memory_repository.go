/**
 * @description
 * In-memory implementation of the `Repository` interface, selected with
 * STORE_DRIVER=memory for local runs and used by the service tests.
 *
 * @notes
 * - Each record has its own lock (keyedLocks), held by a Tx until it finishes;
 *   there is no lock spanning multiple records.
 * - Writes apply immediately and are undone on rollback. Readers outside a Tx
 *   may observe uncommitted rows.
 */

package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaingive/settlement-service/internal/domain"
)

type referenceKey struct {
	userID      string
	kind        domain.TransactionKind
	referenceID string
}

type memoryOutboxMessage struct {
	OutboxMessage
	status              string
	nextAttemptAt       time.Time
	processingStartedAt time.Time
	lastError           string
	createdAt           time.Time
}

// MemoryRepository keeps the settlement state in process memory.
type MemoryRepository struct {
	mu    sync.Mutex
	locks *keyedLocks
	now   func() time.Time

	accounts       map[string]*domain.CoinAccount
	transactions   map[uuid.UUID]*domain.CoinTransaction
	userTxIDs      map[string][]uuid.UUID
	references     map[referenceKey]uuid.UUID
	cycles         map[uuid.UUID]*domain.Cycle
	transitions    map[uuid.UUID][]domain.CycleTransition
	holds          map[uuid.UUID]*domain.EscrowHold
	holdByCycle    map[uuid.UUID]uuid.UUID
	triggers       map[uuid.UUID]*domain.ScheduledTrigger
	cycleTriggers  map[uuid.UUID][]uuid.UUID
	participants   map[string]*domain.Participant
	fraudChecks    map[uuid.UUID]*domain.FraudCheckResult
	fraudOrder     []uuid.UUID
	fraudReports   []domain.FalsePositiveReport
	outbox         []*memoryOutboxMessage
	outboxSequence int64
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		locks:         newKeyedLocks(),
		now:           time.Now,
		accounts:      make(map[string]*domain.CoinAccount),
		transactions:  make(map[uuid.UUID]*domain.CoinTransaction),
		userTxIDs:     make(map[string][]uuid.UUID),
		references:    make(map[referenceKey]uuid.UUID),
		cycles:        make(map[uuid.UUID]*domain.Cycle),
		transitions:   make(map[uuid.UUID][]domain.CycleTransition),
		holds:         make(map[uuid.UUID]*domain.EscrowHold),
		holdByCycle:   make(map[uuid.UUID]uuid.UUID),
		triggers:      make(map[uuid.UUID]*domain.ScheduledTrigger),
		cycleTriggers: make(map[uuid.UUID][]uuid.UUID),
		participants:  make(map[string]*domain.Participant),
		fraudChecks:   make(map[uuid.UUID]*domain.FraudCheckResult),
	}
}

// memoryTx records the locks it holds and how to undo its writes.
type memoryTx struct {
	repo    *MemoryRepository
	held    map[string]struct{}
	unlocks []func()
	undo    []func()
}

func (t *memoryTx) lock(key string) {
	if _, ok := t.held[key]; ok {
		return
	}
	t.unlocks = append(t.unlocks, t.repo.locks.Lock(key))
	t.held[key] = struct{}{}
}

// InTx runs fn with per-record locks and rolls back every write when fn fails.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx := &memoryTx{repo: r, held: make(map[string]struct{})}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			tx.release()
			panic(p)
		}
		if err != nil {
			tx.rollback()
		}
		tx.release()
	}()

	if err = ctx.Err(); err != nil {
		return err
	}
	return fn(tx)
}

func (t *memoryTx) rollback() {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memoryTx) release() {
	for i := len(t.unlocks) - 1; i >= 0; i-- {
		t.unlocks[i]()
	}
	t.unlocks = nil
}

func cloneCycle(c *domain.Cycle) *domain.Cycle {
	out := *c
	if c.DueAt != nil {
		due := *c.DueAt
		out.DueAt = &due
	}
	if c.EscrowHoldID != nil {
		id := *c.EscrowHoldID
		out.EscrowHoldID = &id
	}
	if c.FraudCheckID != nil {
		id := *c.FraudCheckID
		out.FraudCheckID = &id
	}
	return &out
}

func cloneHold(h *domain.EscrowHold) *domain.EscrowHold {
	out := *h
	if h.ResolvedAt != nil {
		at := *h.ResolvedAt
		out.ResolvedAt = &at
	}
	return &out
}

func cloneTrigger(t *domain.ScheduledTrigger) *domain.ScheduledTrigger {
	out := *t
	if t.ClaimedAt != nil {
		at := *t.ClaimedAt
		out.ClaimedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		out.CompletedAt = &at
	}
	return &out
}

func cloneFraudCheck(f *domain.FraudCheckResult) *domain.FraudCheckResult {
	out := *f
	out.Reasons = append([]string(nil), f.Reasons...)
	return &out
}

// openPairTaken must be called with r.mu held.
func (r *MemoryRepository) openPairTaken(donorID, recipientID string, except uuid.UUID) bool {
	if recipientID == "" {
		return false
	}
	for id, c := range r.cycles {
		if id == except || c.DonorID != donorID || c.RecipientID != recipientID {
			continue
		}
		if !c.State.Terminal() {
			return true
		}
	}
	return false
}

// Ledger methods (Tx)

func (t *memoryTx) LockAccount(ctx context.Context, userID string) (int64, error) {
	t.lock("account:" + userID)

	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[userID]
	if !ok {
		account = &domain.CoinAccount{UserID: userID, UpdatedAt: r.now()}
		r.accounts[userID] = account
		t.undo = append(t.undo, func() { delete(r.accounts, userID) })
	}
	return account.Balance, nil
}

func (t *memoryTx) UpdateAccountBalance(ctx context.Context, userID string, balance int64, at time.Time) error {
	if balance < 0 {
		return ErrInsufficientFunds
	}
	t.lock("account:" + userID)

	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[userID]
	if !ok {
		account = &domain.CoinAccount{UserID: userID}
		r.accounts[userID] = account
		t.undo = append(t.undo, func() { delete(r.accounts, userID) })
	}
	previous := *account
	account.Balance = balance
	account.UpdatedAt = at
	t.undo = append(t.undo, func() { *account = previous })
	return nil
}

func (t *memoryTx) CoinTransactionExists(ctx context.Context, userID string, kind domain.TransactionKind, referenceID string) (bool, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.references[referenceKey{userID: userID, kind: kind, referenceID: referenceID}]
	return exists, nil
}

func (t *memoryTx) InsertCoinTransaction(ctx context.Context, entry *domain.CoinTransaction) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	key := referenceKey{userID: entry.UserID, kind: entry.Kind, referenceID: entry.ReferenceID}
	if _, exists := r.references[key]; exists {
		return ErrDuplicateTransaction
	}
	if _, exists := r.transactions[entry.ID]; exists {
		return ErrDuplicateTransaction
	}

	stored := *entry
	r.transactions[entry.ID] = &stored
	r.references[key] = entry.ID
	r.userTxIDs[entry.UserID] = append(r.userTxIDs[entry.UserID], entry.ID)
	t.undo = append(t.undo, func() {
		delete(r.transactions, stored.ID)
		delete(r.references, key)
		ids := r.userTxIDs[stored.UserID]
		for i := len(ids) - 1; i >= 0; i-- {
			if ids[i] == stored.ID {
				r.userTxIDs[stored.UserID] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
	})
	return nil
}

// Cycle methods (Tx)

func (t *memoryTx) InsertCycle(ctx context.Context, cycle *domain.Cycle) error {
	t.lock("cycle:" + cycle.ID.String())

	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	if !cycle.State.Terminal() && r.openPairTaken(cycle.DonorID, cycle.RecipientID, cycle.ID) {
		return ErrOpenCycleExists
	}
	r.cycles[cycle.ID] = cloneCycle(cycle)
	id := cycle.ID
	t.undo = append(t.undo, func() { delete(r.cycles, id) })
	return nil
}

func (t *memoryTx) LockCycle(ctx context.Context, id uuid.UUID) (*domain.Cycle, error) {
	t.lock("cycle:" + id.String())

	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	cycle, ok := r.cycles[id]
	if !ok {
		return nil, ErrCycleNotFound
	}
	return cloneCycle(cycle), nil
}

func (t *memoryTx) UpdateCycle(ctx context.Context, params UpdateCycleParams) (bool, error) {
	t.lock("cycle:" + params.ID.String())

	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	cycle, ok := r.cycles[params.ID]
	if !ok || cycle.State != params.FromState {
		return false, nil
	}

	recipientID := cycle.RecipientID
	if params.RecipientID != nil {
		recipientID = *params.RecipientID
	}
	if !params.ToState.Terminal() && r.openPairTaken(cycle.DonorID, recipientID, cycle.ID) {
		return false, ErrOpenCycleExists
	}

	previous := cloneCycle(cycle)
	cycle.State = params.ToState
	cycle.RecipientID = recipientID
	if params.ClearDueAt {
		cycle.DueAt = nil
	} else if params.DueAt != nil {
		due := *params.DueAt
		cycle.DueAt = &due
	}
	if params.EscrowHoldID != nil {
		holdID := *params.EscrowHoldID
		cycle.EscrowHoldID = &holdID
	}
	cycle.UpdatedAt = params.UpdatedAt
	t.undo = append(t.undo, func() { r.cycles[previous.ID] = previous })
	return true, nil
}

func (t *memoryTx) InsertCycleTransition(ctx context.Context, transition *domain.CycleTransition) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	cycleID := transition.CycleID
	r.transitions[cycleID] = append(r.transitions[cycleID], *transition)
	t.undo = append(t.undo, func() {
		list := r.transitions[cycleID]
		if len(list) > 0 {
			r.transitions[cycleID] = list[:len(list)-1]
		}
	})
	return nil
}

// Escrow methods (Tx)

func (t *memoryTx) InsertEscrowHold(ctx context.Context, hold *domain.EscrowHold) error {
	t.lock("hold:" + hold.ID.String())

	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.holdByCycle[hold.CycleID]; exists {
		return ErrHoldExists
	}
	r.holds[hold.ID] = cloneHold(hold)
	r.holdByCycle[hold.CycleID] = hold.ID
	holdID, cycleID := hold.ID, hold.CycleID
	t.undo = append(t.undo, func() {
		delete(r.holds, holdID)
		delete(r.holdByCycle, cycleID)
	})
	return nil
}

func (t *memoryTx) ResolveEscrowHold(ctx context.Context, id uuid.UUID, status domain.HoldStatus, at time.Time) (*domain.EscrowHold, bool, error) {
	t.lock("hold:" + id.String())

	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	hold, ok := r.holds[id]
	if !ok {
		return nil, false, ErrHoldNotFound
	}
	if hold.Status != domain.HoldStatusHeld {
		return cloneHold(hold), false, nil
	}

	previous := cloneHold(hold)
	resolvedAt := at
	hold.Status = status
	hold.ResolvedAt = &resolvedAt
	t.undo = append(t.undo, func() { r.holds[previous.ID] = previous })
	return cloneHold(hold), true, nil
}

// Trigger methods (Tx)

func (t *memoryTx) InsertTrigger(ctx context.Context, trigger *domain.ScheduledTrigger) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := cloneTrigger(trigger)
	r.triggers[stored.ID] = stored
	r.cycleTriggers[stored.CycleID] = append(r.cycleTriggers[stored.CycleID], stored.ID)
	t.undo = append(t.undo, func() {
		delete(r.triggers, stored.ID)
		ids := r.cycleTriggers[stored.CycleID]
		if len(ids) > 0 {
			r.cycleTriggers[stored.CycleID] = ids[:len(ids)-1]
		}
	})
	return nil
}

func (t *memoryTx) CancelCycleTriggers(ctx context.Context, cycleID uuid.UUID, at time.Time) (int, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	cancelled := 0
	for _, id := range r.cycleTriggers[cycleID] {
		trigger := r.triggers[id]
		if trigger == nil || trigger.Consumed {
			continue
		}
		previous := cloneTrigger(trigger)
		completedAt := at
		trigger.Consumed = true
		trigger.Outcome = domain.TriggerOutcomeCancelled
		trigger.CompletedAt = &completedAt
		t.undo = append(t.undo, func() { r.triggers[previous.ID] = previous })
		cancelled++
	}
	return cancelled, nil
}

// Outbox methods (Tx)

func (t *memoryTx) EnqueueEvent(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outboxSequence++
	now := r.now()
	msg := &memoryOutboxMessage{
		OutboxMessage: OutboxMessage{
			ID:         r.outboxSequence,
			Exchange:   exchange,
			RoutingKey: routingKey,
			Payload:    blob,
		},
		status:        "pending",
		nextAttemptAt: now,
		createdAt:     now,
	}
	r.outbox = append(r.outbox, msg)
	t.undo = append(t.undo, func() {
		for i := len(r.outbox) - 1; i >= 0; i-- {
			if r.outbox[i] == msg {
				r.outbox = append(r.outbox[:i:i], r.outbox[i+1:]...)
				return
			}
		}
	})
	return nil
}

// Ledger methods

func (r *MemoryRepository) GetBalance(ctx context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if account, ok := r.accounts[userID]; ok {
		return account.Balance, nil
	}
	return 0, nil
}

func (r *MemoryRepository) GetCoinTransaction(ctx context.Context, id uuid.UUID) (*domain.CoinTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	out := *entry
	return &out, nil
}

func (r *MemoryRepository) FindCoinTransactionByReference(ctx context.Context, userID string, kind domain.TransactionKind, referenceID string) (*domain.CoinTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.references[referenceKey{userID: userID, kind: kind, referenceID: referenceID}]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	out := *r.transactions[id]
	return &out, nil
}

func (r *MemoryRepository) ListCoinTransactions(ctx context.Context, userID string, limit int) ([]domain.CoinTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.userTxIDs[userID]
	entries := make([]domain.CoinTransaction, 0, len(ids))
	for i := len(ids) - 1; i >= 0 && len(entries) < limit; i-- {
		entries = append(entries, *r.transactions[ids[i]])
	}
	return entries, nil
}

func (r *MemoryRepository) SumCoinTransactions(ctx context.Context, userID string) (int64, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sum int64
	ids := r.userTxIDs[userID]
	for _, id := range ids {
		sum += r.transactions[id].Amount
	}
	return sum, len(ids), nil
}

func (r *MemoryRepository) GetDebitHistory(ctx context.Context, userID string, kind domain.TransactionKind) (int64, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		total int64
		count int
	)
	for _, id := range r.userTxIDs[userID] {
		entry := r.transactions[id]
		if entry.Kind != kind {
			continue
		}
		amount := entry.Amount
		if amount < 0 {
			amount = -amount
		}
		total += amount
		count++
	}
	if count == 0 {
		return 0, 0, nil
	}
	return (total + int64(count)/2) / int64(count), count, nil
}

func (r *MemoryRepository) ListRecentlyActiveAccounts(ctx context.Context, since time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	latest := make(map[string]time.Time)
	for _, entry := range r.transactions {
		if entry.CreatedAt.Before(since) {
			continue
		}
		if entry.CreatedAt.After(latest[entry.UserID]) {
			latest[entry.UserID] = entry.CreatedAt
		}
	}
	userIDs := make([]string, 0, len(latest))
	for userID := range latest {
		userIDs = append(userIDs, userID)
	}
	sort.Slice(userIDs, func(i, j int) bool {
		if latest[userIDs[i]].Equal(latest[userIDs[j]]) {
			return userIDs[i] < userIDs[j]
		}
		return latest[userIDs[i]].After(latest[userIDs[j]])
	})
	if len(userIDs) > limit {
		userIDs = userIDs[:limit]
	}
	return userIDs, nil
}

// Cycle methods

func (r *MemoryRepository) GetCycle(ctx context.Context, id uuid.UUID) (*domain.Cycle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cycle, ok := r.cycles[id]
	if !ok {
		return nil, ErrCycleNotFound
	}
	return cloneCycle(cycle), nil
}

func (r *MemoryRepository) ListCycleTransitions(ctx context.Context, cycleID uuid.UUID) ([]domain.CycleTransition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CycleTransition(nil), r.transitions[cycleID]...), nil
}

func (r *MemoryRepository) ListOpenCounterparties(ctx context.Context, donorID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var recipients []string
	for _, c := range r.cycles {
		if c.DonorID == donorID && c.RecipientID != "" && !c.State.Terminal() {
			recipients = append(recipients, c.RecipientID)
		}
	}
	sort.Strings(recipients)
	return recipients, nil
}

func (r *MemoryRepository) CountPairCycles(ctx context.Context, donorID, recipientID string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, c := range r.cycles {
		if c.DonorID == donorID && c.RecipientID == recipientID && !c.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) ListPendingIntents(ctx context.Context, limit int) ([]domain.Cycle, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var intents []domain.Cycle
	for _, c := range r.cycles {
		if c.State == domain.CycleStatePending && c.RecipientID == "" {
			intents = append(intents, *cloneCycle(c))
		}
	}
	sort.Slice(intents, func(i, j int) bool {
		if intents[i].CreatedAt.Equal(intents[j].CreatedAt) {
			return intents[i].ID.String() < intents[j].ID.String()
		}
		return intents[i].CreatedAt.Before(intents[j].CreatedAt)
	})
	if len(intents) > limit {
		intents = intents[:limit]
	}
	return intents, nil
}

// Escrow methods

func (r *MemoryRepository) GetEscrowHold(ctx context.Context, id uuid.UUID) (*domain.EscrowHold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hold, ok := r.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return cloneHold(hold), nil
}

func (r *MemoryRepository) GetEscrowHoldByCycle(ctx context.Context, cycleID uuid.UUID) (*domain.EscrowHold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	holdID, ok := r.holdByCycle[cycleID]
	if !ok {
		return nil, ErrHoldNotFound
	}
	return cloneHold(r.holds[holdID]), nil
}

// Trigger methods

// ClaimDueTriggers flips consumed=false->true under the repository mutex, so two
// concurrent claimers never receive the same trigger.
func (r *MemoryRepository) ClaimDueTriggers(ctx context.Context, now time.Time, limit int, staleAfter time.Duration) ([]domain.ScheduledTrigger, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*domain.ScheduledTrigger
	for _, trigger := range r.triggers {
		switch {
		case !trigger.Consumed && !trigger.FireAt.After(now):
			due = append(due, trigger)
		case trigger.Consumed && trigger.CompletedAt == nil && trigger.ClaimedAt != nil && trigger.ClaimedAt.Before(now.Add(-staleAfter)):
			due = append(due, trigger)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].FireAt.Equal(due[j].FireAt) {
			return due[i].ID.String() < due[j].ID.String()
		}
		return due[i].FireAt.Before(due[j].FireAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]domain.ScheduledTrigger, 0, len(due))
	for _, trigger := range due {
		claimedAt := now
		trigger.Consumed = true
		trigger.ClaimedAt = &claimedAt
		trigger.Attempts++
		claimed = append(claimed, *cloneTrigger(trigger))
	}
	return claimed, nil
}

func (r *MemoryRepository) CompleteTrigger(ctx context.Context, id uuid.UUID, outcome domain.TriggerOutcome, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	trigger, ok := r.triggers[id]
	if !ok {
		return ErrTriggerNotFound
	}
	completedAt := at
	trigger.CompletedAt = &completedAt
	trigger.Outcome = outcome
	trigger.LastError = ""
	return nil
}

func (r *MemoryRepository) ReleaseTrigger(ctx context.Context, id uuid.UUID, retryAt time.Time, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	trigger, ok := r.triggers[id]
	if !ok || trigger.CompletedAt != nil {
		return ErrTriggerNotFound
	}
	trigger.Consumed = false
	trigger.FireAt = retryAt
	trigger.ClaimedAt = nil
	trigger.LastError = reason
	return nil
}

func (r *MemoryRepository) ListCycleTriggers(ctx context.Context, cycleID uuid.UUID) ([]domain.ScheduledTrigger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.cycleTriggers[cycleID]
	triggers := make([]domain.ScheduledTrigger, 0, len(ids))
	for _, id := range ids {
		if trigger, ok := r.triggers[id]; ok {
			triggers = append(triggers, *cloneTrigger(trigger))
		}
	}
	return triggers, nil
}

// Participant methods

func (r *MemoryRepository) UpsertParticipant(ctx context.Context, participant *domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *participant
	if existing, ok := r.participants[participant.UserID]; ok {
		stored.RegisteredAt = existing.RegisteredAt
	}
	r.participants[participant.UserID] = &stored
	return nil
}

func (r *MemoryRepository) GetParticipant(ctx context.Context, userID string) (*domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[userID]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	out := *p
	return &out, nil
}

func (r *MemoryRepository) ListCandidateRecipients(ctx context.Context, filter domain.CandidateFilter) ([]domain.Participant, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []domain.Participant
	for _, p := range r.participants {
		if !p.Eligible() || p.UserID == filter.ExcludeUserID {
			continue
		}
		if filter.City != "" && p.City != filter.City {
			continue
		}
		if filter.Country != "" && p.Country != filter.Country {
			continue
		}
		candidates = append(candidates, *p)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].WaitingSince.Equal(candidates[j].WaitingSince) {
			return candidates[i].UserID < candidates[j].UserID
		}
		return candidates[i].WaitingSince.Before(candidates[j].WaitingSince)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// Fraud methods

func (r *MemoryRepository) InsertFraudCheck(ctx context.Context, result *domain.FraudCheckResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fraudChecks[result.ID] = cloneFraudCheck(result)
	r.fraudOrder = append(r.fraudOrder, result.ID)
	return nil
}

func (r *MemoryRepository) GetFraudCheck(ctx context.Context, id uuid.UUID) (*domain.FraudCheckResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result, ok := r.fraudChecks[id]
	if !ok {
		return nil, ErrFraudCheckNotFound
	}
	return cloneFraudCheck(result), nil
}

func (r *MemoryRepository) InsertFalsePositiveReport(ctx context.Context, report *domain.FalsePositiveReport) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fraudReports = append(r.fraudReports, *report)
	if check, ok := r.fraudChecks[report.TransactionID]; ok {
		check.Overridden = true
		return true, nil
	}
	return false, nil
}

func countDecision(counts *domain.FraudDecisionCounts, decision domain.FraudDecision) {
	switch decision {
	case domain.FraudDecisionAllow:
		counts.Allow++
	case domain.FraudDecisionFlag:
		counts.Flag++
	case domain.FraudDecisionBlock:
		counts.Block++
	}
}

func (r *MemoryRepository) GetUserRiskProfile(ctx context.Context, userID string) (*domain.UserRiskProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile := &domain.UserRiskProfile{UserID: userID}
	var latest *domain.FraudCheckResult
	for _, id := range r.fraudOrder {
		check := r.fraudChecks[id]
		if check.SubjectID != userID {
			continue
		}
		countDecision(&profile.Decisions, check.Decision)
		if latest == nil || !check.EvaluatedAt.Before(latest.EvaluatedAt) {
			latest = check
		}
	}
	if latest != nil {
		score := latest.Score
		risk := latest.RiskLevel
		profile.LatestScore = &score
		profile.LatestRisk = &risk
	}
	for _, report := range r.fraudReports {
		if check, ok := r.fraudChecks[report.TransactionID]; ok && check.SubjectID == userID {
			profile.FalsePositives++
		}
	}
	return profile, nil
}

func (r *MemoryRepository) GetFraudStatistics(ctx context.Context, since time.Time) (*domain.FraudStatistics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &domain.FraudStatistics{Since: since}
	for _, check := range r.fraudChecks {
		if !check.EvaluatedAt.Before(since) {
			countDecision(&stats.Decisions, check.Decision)
		}
	}
	for _, report := range r.fraudReports {
		if !report.CreatedAt.Before(since) {
			stats.FalsePositives++
		}
	}
	return stats, nil
}

// Outbox methods

func (r *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
	messages := make([]OutboxMessage, 0, limit)
	for _, msg := range r.outbox {
		if len(messages) >= limit {
			break
		}
		ready := msg.status == "pending" && !msg.nextAttemptAt.After(now)
		stale := msg.status == "processing" && msg.processingStartedAt.Before(staleBefore)
		if !ready && !stale {
			continue
		}
		msg.status = "processing"
		msg.processingStartedAt = now
		msg.Attempts++
		out := msg.OutboxMessage
		out.Payload = append([]byte(nil), msg.Payload...)
		messages = append(messages, out)
	}
	return messages, nil
}

func (r *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, msg := range r.outbox {
		if msg.ID == id {
			r.outbox = append(r.outbox[:i:i], r.outbox[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range r.outbox {
		if msg.ID == id {
			msg.status = "pending"
			msg.nextAttemptAt = r.now().Add(time.Duration(retryAfterSeconds) * time.Second)
			msg.lastError = reason
			return nil
		}
	}
	return nil
}

// PendingOutboxCount reports how many events wait for relay.
func (r *MemoryRepository) PendingOutboxCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox)
}
