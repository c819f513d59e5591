/**
 * @description
 * Cycle state machine. Every transition runs in one store transaction:
 * lock the cycle, check the source state, apply the escrow side effect,
 * supersede the old trigger, arm the next one, compare-and-set the state,
 * append the audit row and enqueue the outbox event.
 *
 * @notes
 * - A request whose source state does not match is a no-op that returns the
 *   current cycle. Retries and duplicate trigger fires rely on this.
 * - Lock order is cycle -> hold -> account for every path.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chaingive/settlement-service/internal/config"
	"github.com/chaingive/settlement-service/internal/domain"
	"github.com/chaingive/settlement-service/internal/metrics"
	"github.com/chaingive/settlement-service/internal/store"
)

type transitionRule struct {
	from domain.CycleState
	to   domain.CycleState
}

var transitionTable = map[domain.CycleEvent]transitionRule{
	domain.EventMatchFound:            {from: domain.CycleStatePending, to: domain.CycleStateInTransit},
	domain.EventConfirmReceipt:        {from: domain.CycleStateInTransit, to: domain.CycleStateReceived},
	domain.EventAcceptObligation:      {from: domain.CycleStateReceived, to: domain.CycleStateObligated},
	domain.EventObligationFulfilled:   {from: domain.CycleStateObligated, to: domain.CycleStateFulfilled},
	domain.EventObligationDeadline:    {from: domain.CycleStateObligated, to: domain.CycleStateDefaulted},
	domain.EventNoConfirmation:        {from: domain.CycleStateInTransit, to: domain.CycleStateDefaulted},
	domain.EventNoMatchBeforeDeadline: {from: domain.CycleStatePending, to: domain.CycleStateExpired},
}

// triggerRule binds a trigger type to the state it guards and the event it fires.
// An empty event means the trigger only emits a reminder.
type triggerRule struct {
	state domain.CycleState
	event domain.CycleEvent
}

var triggerTable = map[domain.TriggerType]triggerRule{
	domain.TriggerMatchExpire:        {state: domain.CycleStatePending, event: domain.EventNoMatchBeforeDeadline},
	domain.TriggerEscrowAutoRelease:  {state: domain.CycleStateInTransit, event: domain.EventNoConfirmation},
	domain.TriggerReceiptReminder:    {state: domain.CycleStateReceived},
	domain.TriggerObligationDeadline: {state: domain.CycleStateObligated, event: domain.EventObligationDeadline},
}

type deadlineRule struct {
	trigger domain.TriggerType
	window  time.Duration
}

// OpenParams describes a new cycle. An empty RecipientID opens a queued intent.
type OpenParams struct {
	DonorID      string
	RecipientID  string
	Amount       int64
	Flagged      bool
	FraudCheckID *uuid.UUID
}

// StateMachine drives cycles through their lifecycle.
type StateMachine struct {
	repo      store.Repository
	escrow    *EscrowManager
	log       *zap.Logger
	now       func() time.Time
	exchange  string
	deadlines map[domain.CycleState]deadlineRule
}

func NewStateMachine(repo store.Repository, escrow *EscrowManager, log *zap.Logger, cfg config.Config) *StateMachine {
	if log == nil {
		log = zap.NewNop()
	}
	return &StateMachine{
		repo:     repo,
		escrow:   escrow,
		log:      log.With(zap.String("component", "cycle_state_machine")),
		now:      func() time.Time { return time.Now().UTC() },
		exchange: cfg.EventsExchange,
		deadlines: map[domain.CycleState]deadlineRule{
			domain.CycleStatePending:   {trigger: domain.TriggerMatchExpire, window: orDefault(cfg.MatchExpiry, 24*time.Hour)},
			domain.CycleStateInTransit: {trigger: domain.TriggerEscrowAutoRelease, window: orDefault(cfg.ReceiptConfirmationWindow, 48*time.Hour)},
			domain.CycleStateReceived:  {trigger: domain.TriggerReceiptReminder, window: orDefault(cfg.ObligationAcceptWindow, 24*time.Hour)},
			domain.CycleStateObligated: {trigger: domain.TriggerObligationDeadline, window: orDefault(cfg.ObligationFulfillmentWindow, 30*24*time.Hour)},
		},
	}
}

func orDefault(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

// Open creates a matched cycle and moves it to in_transit in the same
// transaction, so an insufficient balance leaves nothing behind.
func (sm *StateMachine) Open(ctx context.Context, params OpenParams) (*domain.Cycle, error) {
	if params.RecipientID == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidRequest)
	}
	var out *domain.Cycle
	err := sm.repo.InTx(ctx, func(tx store.Tx) error {
		cycle, err := sm.createTx(ctx, tx, params, false)
		if err != nil {
			return err
		}
		out, _, err = sm.transitionTx(ctx, tx, cycle, domain.EventMatchFound, params.DonorID, params.RecipientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	sm.log.Info("cycle opened",
		zap.String("cycle_id", out.ID.String()),
		zap.String("donor_id", out.DonorID),
		zap.String("recipient_id", out.RecipientID),
		zap.Int64("amount", out.Amount),
		zap.Bool("flagged", out.Flagged),
	)
	metrics.RecordTransition("", string(domain.CycleStatePending))
	metrics.RecordTransition(string(domain.CycleStatePending), string(out.State))
	return out, nil
}

// OpenIntent queues a pending cycle without a recipient. It expires through
// its match-expire trigger unless MatchFound runs first.
func (sm *StateMachine) OpenIntent(ctx context.Context, params OpenParams) (*domain.Cycle, error) {
	params.RecipientID = ""
	var out *domain.Cycle
	err := sm.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = sm.createTx(ctx, tx, params, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordTransition("", string(domain.CycleStatePending))
	sm.log.Info("match intent queued", zap.String("cycle_id", out.ID.String()), zap.String("donor_id", out.DonorID))
	return out, nil
}

func (sm *StateMachine) createTx(ctx context.Context, tx store.Tx, params OpenParams, armDeadline bool) (*domain.Cycle, error) {
	if params.Amount <= 0 {
		return nil, fmt.Errorf("%w: cycle amount must be positive", ErrInvalidAmount)
	}
	now := sm.now()
	cycle := &domain.Cycle{
		ID:           uuid.New(),
		DonorID:      params.DonorID,
		RecipientID:  params.RecipientID,
		Amount:       params.Amount,
		State:        domain.CycleStatePending,
		Flagged:      params.Flagged,
		FraudCheckID: params.FraudCheckID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if armDeadline {
		rule := sm.deadlines[domain.CycleStatePending]
		due := now.Add(rule.window)
		cycle.DueAt = &due
	}
	if err := tx.InsertCycle(ctx, cycle); err != nil {
		return nil, err
	}
	// The row lock is held for the rest of the transaction.
	if _, err := tx.LockCycle(ctx, cycle.ID); err != nil {
		return nil, err
	}
	if armDeadline {
		if err := sm.armTx(ctx, tx, cycle.ID, domain.CycleStatePending, now); err != nil {
			return nil, err
		}
	}
	if err := sm.recordTx(ctx, tx, cycle, "", domain.EventCreated, params.DonorID, now); err != nil {
		return nil, err
	}
	return cycle, nil
}

// MatchFound binds a queued intent to a recipient and places the escrow hold.
func (sm *StateMachine) MatchFound(ctx context.Context, cycleID uuid.UUID, recipientID string) (*domain.Cycle, error) {
	return sm.apply(ctx, cycleID, domain.EventMatchFound, "", recipientID, false)
}

// ConfirmReceipt is called by the recipient once the donation arrived.
func (sm *StateMachine) ConfirmReceipt(ctx context.Context, cycleID uuid.UUID, actorID string) (*domain.Cycle, error) {
	return sm.apply(ctx, cycleID, domain.EventConfirmReceipt, actorID, "", true)
}

// AcceptObligation is called by the recipient to commit to paying forward.
func (sm *StateMachine) AcceptObligation(ctx context.Context, cycleID uuid.UUID, actorID string) (*domain.Cycle, error) {
	return sm.apply(ctx, cycleID, domain.EventAcceptObligation, actorID, "", true)
}

// Fulfill completes the obligation and releases escrow to the recipient.
func (sm *StateMachine) Fulfill(ctx context.Context, cycleID uuid.UUID, actorID string) (*domain.Cycle, error) {
	return sm.apply(ctx, cycleID, domain.EventObligationFulfilled, actorID, "", true)
}

func (sm *StateMachine) Expire(ctx context.Context, cycleID uuid.UUID) (*domain.Cycle, error) {
	return sm.apply(ctx, cycleID, domain.EventNoMatchBeforeDeadline, "", "", false)
}

func (sm *StateMachine) DefaultUnconfirmed(ctx context.Context, cycleID uuid.UUID) (*domain.Cycle, error) {
	return sm.apply(ctx, cycleID, domain.EventNoConfirmation, "", "", false)
}

func (sm *StateMachine) DefaultObligation(ctx context.Context, cycleID uuid.UUID) (*domain.Cycle, error) {
	return sm.apply(ctx, cycleID, domain.EventObligationDeadline, "", "", false)
}

func (sm *StateMachine) apply(ctx context.Context, cycleID uuid.UUID, event domain.CycleEvent, actorID, recipientID string, recipientOnly bool) (*domain.Cycle, error) {
	var (
		out     *domain.Cycle
		from    domain.CycleState
		applied bool
	)
	err := sm.repo.InTx(ctx, func(tx store.Tx) error {
		cycle, err := tx.LockCycle(ctx, cycleID)
		if err != nil {
			return err
		}
		if recipientOnly && (actorID == "" || cycle.RecipientID != actorID) {
			return ErrForbidden
		}
		from = cycle.State
		out, applied, err = sm.transitionTx(ctx, tx, cycle, event, actorID, recipientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if applied {
		metrics.RecordTransition(string(from), string(out.State))
		sm.log.Info("cycle transition applied",
			zap.String("cycle_id", out.ID.String()),
			zap.String("event", string(event)),
			zap.String("from", string(from)),
			zap.String("to", string(out.State)),
		)
	}
	return out, nil
}

// transitionTx applies event to a locked cycle. It reports applied=false with
// no error when the cycle is not in the event's source state.
func (sm *StateMachine) transitionTx(ctx context.Context, tx store.Tx, cycle *domain.Cycle, event domain.CycleEvent, actorID, recipientID string) (*domain.Cycle, bool, error) {
	rule, ok := transitionTable[event]
	if !ok {
		return nil, false, fmt.Errorf("%w: unknown event %q", ErrInvalidRequest, event)
	}
	if cycle.State != rule.from {
		metrics.RecordIllegalTransition(string(event))
		sm.log.Info("IllegalTransition ignored",
			zap.String("cycle_id", cycle.ID.String()),
			zap.String("event", string(event)),
			zap.String("state", string(cycle.State)),
			zap.Error(ErrIllegalTransition),
		)
		return cycle, false, nil
	}

	now := sm.now()
	params := store.UpdateCycleParams{
		ID:        cycle.ID,
		FromState: rule.from,
		ToState:   rule.to,
		UpdatedAt: now,
	}

	switch rule.to {
	case domain.CycleStateInTransit:
		recipient := cycle.RecipientID
		if recipient == "" {
			recipient = recipientID
		}
		if recipient == "" || (recipientID != "" && recipientID != recipient) {
			return nil, false, fmt.Errorf("%w: cycle %s has no matching recipient", ErrInvalidRequest, cycle.ID)
		}
		if recipient == cycle.DonorID {
			return nil, false, fmt.Errorf("%w: donor cannot receive their own donation", ErrInvalidRequest)
		}
		hold, err := sm.escrow.HoldTx(ctx, tx, cycle.ID, cycle.DonorID, recipient, cycle.Amount)
		if err != nil {
			return nil, false, err
		}
		params.RecipientID = &recipient
		params.EscrowHoldID = &hold.ID
	case domain.CycleStateFulfilled:
		if _, err := sm.resolveHoldTx(ctx, tx, cycle, sm.escrow.ReleaseTx); err != nil {
			return nil, false, err
		}
	case domain.CycleStateDefaulted:
		resolve := sm.escrow.RefundTx
		if rule.from == domain.CycleStateObligated {
			resolve = sm.escrow.ForfeitTx
		}
		if _, err := sm.resolveHoldTx(ctx, tx, cycle, resolve); err != nil {
			return nil, false, err
		}
	case domain.CycleStateExpired, domain.CycleStateReceived, domain.CycleStateObligated:
	case domain.CycleStatePending:
		return nil, false, fmt.Errorf("%w: no event re-enters pending", ErrIllegalTransition)
	}

	if _, err := tx.CancelCycleTriggers(ctx, cycle.ID, now); err != nil {
		return nil, false, fmt.Errorf("failed to supersede triggers: %w", err)
	}
	if deadline, ok := sm.deadlines[rule.to]; ok {
		due := now.Add(deadline.window)
		params.DueAt = &due
		if err := sm.armTx(ctx, tx, cycle.ID, rule.to, now); err != nil {
			return nil, false, err
		}
	} else {
		params.ClearDueAt = true
	}

	updated, err := tx.UpdateCycle(ctx, params)
	if err != nil {
		return nil, false, err
	}
	if !updated {
		return nil, false, fmt.Errorf("%w: cycle %s changed concurrently", ErrIllegalTransition, cycle.ID)
	}

	next := *cycle
	next.State = rule.to
	next.UpdatedAt = now
	next.DueAt = params.DueAt
	if params.RecipientID != nil {
		next.RecipientID = *params.RecipientID
	}
	if params.EscrowHoldID != nil {
		next.EscrowHoldID = params.EscrowHoldID
	}
	if err := sm.recordTx(ctx, tx, &next, rule.from, event, actorID, now); err != nil {
		return nil, false, err
	}
	return &next, true, nil
}

func (sm *StateMachine) resolveHoldTx(ctx context.Context, tx store.Tx, cycle *domain.Cycle, resolve func(context.Context, store.Tx, uuid.UUID) (Resolution, error)) (Resolution, error) {
	if cycle.EscrowHoldID == nil {
		return Resolution{}, fmt.Errorf("cycle %s: %w", cycle.ID, store.ErrHoldNotFound)
	}
	return resolve(ctx, tx, *cycle.EscrowHoldID)
}

// armTx inserts the single deadline trigger for state. The fire time matches
// the cycle's DueAt.
func (sm *StateMachine) armTx(ctx context.Context, tx store.Tx, cycleID uuid.UUID, state domain.CycleState, now time.Time) error {
	rule, ok := sm.deadlines[state]
	if !ok {
		return nil
	}
	trigger := &domain.ScheduledTrigger{
		ID:          uuid.New(),
		CycleID:     cycleID,
		TriggerType: rule.trigger,
		FireAt:      now.Add(rule.window),
		CreatedAt:   now,
	}
	if err := tx.InsertTrigger(ctx, trigger); err != nil {
		return fmt.Errorf("failed to schedule %s trigger: %w", rule.trigger, err)
	}
	return nil
}

func (sm *StateMachine) recordTx(ctx context.Context, tx store.Tx, cycle *domain.Cycle, from domain.CycleState, event domain.CycleEvent, actorID string, now time.Time) error {
	if err := tx.InsertCycleTransition(ctx, &domain.CycleTransition{
		ID:         uuid.New(),
		CycleID:    cycle.ID,
		FromState:  from,
		ToState:    cycle.State,
		Event:      event,
		ActorID:    actorID,
		OccurredAt: now,
	}); err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return tx.EnqueueEvent(ctx, sm.exchange, domain.RoutingKeyCycleStateChanged, domain.CycleStateChangedEvent{
		EventID:     uuid.New(),
		CycleID:     cycle.ID,
		DonorID:     cycle.DonorID,
		RecipientID: cycle.RecipientID,
		Amount:      cycle.Amount,
		FromState:   from,
		ToState:     cycle.State,
		Event:       event,
		DueAt:       cycle.DueAt,
		OccurredAt:  now,
	})
}

// HandleTrigger executes a claimed deadline trigger. It returns ErrStaleTrigger
// when the cycle has already left the guarded state, and *TriggerNotDueError
// when the cycle's deadline is still ahead.
func (sm *StateMachine) HandleTrigger(ctx context.Context, trigger domain.ScheduledTrigger) error {
	rule, ok := triggerTable[trigger.TriggerType]
	if !ok {
		return fmt.Errorf("%w: unknown trigger type %q", ErrInvalidRequest, trigger.TriggerType)
	}

	var (
		out     *domain.Cycle
		applied bool
	)
	err := sm.repo.InTx(ctx, func(tx store.Tx) error {
		cycle, err := tx.LockCycle(ctx, trigger.CycleID)
		if err != nil {
			if errors.Is(err, store.ErrCycleNotFound) {
				return ErrStaleTrigger
			}
			return err
		}
		if cycle.State != rule.state {
			return ErrStaleTrigger
		}
		now := sm.now()
		if cycle.DueAt != nil && now.Before(*cycle.DueAt) {
			return &TriggerNotDueError{RetryAt: *cycle.DueAt}
		}

		if rule.event == "" {
			return tx.EnqueueEvent(ctx, sm.exchange, domain.RoutingKeyCycleReminder, domain.CycleReminderEvent{
				EventID:     uuid.New(),
				CycleID:     cycle.ID,
				RecipientID: cycle.RecipientID,
				State:       cycle.State,
				DueAt:       cycle.DueAt,
				OccurredAt:  now,
			})
		}
		out, applied, err = sm.transitionTx(ctx, tx, cycle, rule.event, "", "")
		return err
	})
	if err != nil {
		return err
	}
	if applied {
		metrics.RecordTransition(string(rule.state), string(out.State))
		sm.log.Info("deadline transition applied",
			zap.String("cycle_id", out.ID.String()),
			zap.String("trigger_type", string(trigger.TriggerType)),
			zap.String("to", string(out.State)),
		)
	}
	return nil
}

// Get returns the cycle with its escrow status. Only the donor and the
// recipient may read it.
func (sm *StateMachine) Get(ctx context.Context, cycleID uuid.UUID, actorID string) (*domain.CycleView, error) {
	cycle, err := sm.repo.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if !cycle.IsParticipant(actorID) {
		return nil, ErrForbidden
	}
	view := &domain.CycleView{Cycle: *cycle}
	if cycle.EscrowHoldID != nil {
		hold, err := sm.repo.GetEscrowHold(ctx, *cycle.EscrowHoldID)
		if err != nil {
			return nil, err
		}
		status := hold.Status
		view.EscrowStatus = &status
	}
	return view, nil
}

// History returns the cycle's transitions in the order they were applied.
func (sm *StateMachine) History(ctx context.Context, cycleID uuid.UUID, actorID string) ([]domain.CycleTransition, error) {
	cycle, err := sm.repo.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if !cycle.IsParticipant(actorID) {
		return nil, ErrForbidden
	}
	return sm.repo.ListCycleTransitions(ctx, cycleID)
}
