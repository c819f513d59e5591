/**
 * @description
 * Trigger runner. Polls the durable scheduled_triggers table, claims due rows
 * and hands each one to the handler registered for its type. Triggers survive
 * restarts because the table is the only queue.
 *
 * @notes
 * - A claim is exclusive until staleAfter passes, so two runner replicas never
 *   execute the same trigger at the same time.
 * - Handlers must be idempotent. A trigger whose cycle moved on completes as
 *   "stale"; one that fired early is released until the cycle's deadline.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chaingive/settlement-service/internal/config"
	"github.com/chaingive/settlement-service/internal/domain"
	"github.com/chaingive/settlement-service/internal/metrics"
	"github.com/chaingive/settlement-service/internal/store"
)

// TriggerHandler executes one claimed trigger.
type TriggerHandler func(ctx context.Context, trigger domain.ScheduledTrigger) error

// TriggerRunner is the worker pool that fires deadline triggers.
type TriggerRunner struct {
	repo     store.Repository
	handlers map[domain.TriggerType]TriggerHandler
	log      *zap.Logger
	now      func() time.Time

	workers      int
	batchSize    int
	pollInterval time.Duration
	staleAfter   time.Duration
}

func NewTriggerRunner(repo store.Repository, log *zap.Logger, cfg config.Config) *TriggerRunner {
	if log == nil {
		log = zap.NewNop()
	}
	workers := cfg.TriggerWorkers
	if workers <= 0 {
		workers = 4
	}
	batch := cfg.TriggerBatchSize
	if batch <= 0 {
		batch = 50
	}
	return &TriggerRunner{
		repo:         repo,
		handlers:     make(map[domain.TriggerType]TriggerHandler),
		log:          log.With(zap.String("component", "trigger_runner")),
		now:          func() time.Time { return time.Now().UTC() },
		workers:      workers,
		batchSize:    batch,
		pollInterval: orDefault(cfg.TriggerPollInterval, 5*time.Second),
		staleAfter:   orDefault(cfg.TriggerStaleAfter, 2*time.Minute),
	}
}

// OnDue registers the handler for a trigger type. Call it before Run.
func (r *TriggerRunner) OnDue(triggerType domain.TriggerType, handler TriggerHandler) {
	r.handlers[triggerType] = handler
}

// HandleCycleTriggers routes every deadline trigger type to the state machine.
func (r *TriggerRunner) HandleCycleTriggers(sm *StateMachine) {
	for triggerType := range triggerTable {
		r.OnDue(triggerType, sm.HandleTrigger)
	}
}

// Schedule stores a trigger that fires at fireAt.
func (r *TriggerRunner) Schedule(ctx context.Context, cycleID uuid.UUID, triggerType domain.TriggerType, fireAt time.Time) (*domain.ScheduledTrigger, error) {
	var out *domain.ScheduledTrigger
	err := r.repo.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = r.ScheduleTx(ctx, tx, cycleID, triggerType, fireAt)
		return err
	})
	return out, err
}

// ScheduleTx stores a trigger inside an existing transaction.
func (r *TriggerRunner) ScheduleTx(ctx context.Context, tx store.Tx, cycleID uuid.UUID, triggerType domain.TriggerType, fireAt time.Time) (*domain.ScheduledTrigger, error) {
	if !triggerType.Valid() {
		return nil, fmt.Errorf("%w: unknown trigger type %q", ErrInvalidRequest, triggerType)
	}
	trigger := &domain.ScheduledTrigger{
		ID:          uuid.New(),
		CycleID:     cycleID,
		TriggerType: triggerType,
		FireAt:      fireAt.UTC(),
		CreatedAt:   r.now(),
	}
	if err := tx.InsertTrigger(ctx, trigger); err != nil {
		return nil, err
	}
	return trigger, nil
}

// Run polls until ctx is cancelled.
func (r *TriggerRunner) Run(ctx context.Context) {
	r.log.Info("trigger runner started",
		zap.Int("workers", r.workers),
		zap.Duration("poll_interval", r.pollInterval),
	)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("trigger poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.log.Info("trigger runner stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of due triggers and runs it to completion. It
// returns how many triggers were claimed.
func (r *TriggerRunner) RunOnce(ctx context.Context) (int, error) {
	triggers, err := r.repo.ClaimDueTriggers(ctx, r.now(), r.batchSize, r.staleAfter)
	if err != nil {
		return 0, fmt.Errorf("failed to claim triggers: %w", err)
	}
	if len(triggers) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, trigger := range triggers {
		trigger := trigger
		g.Go(func() error {
			r.execute(gctx, trigger)
			return nil
		})
	}
	return len(triggers), g.Wait()
}

func (r *TriggerRunner) execute(ctx context.Context, trigger domain.ScheduledTrigger) {
	started := time.Now()
	log := r.log.With(
		zap.String("trigger_id", trigger.ID.String()),
		zap.String("cycle_id", trigger.CycleID.String()),
		zap.String("trigger_type", string(trigger.TriggerType)),
		zap.Int("attempt", trigger.Attempts),
	)

	handler, ok := r.handlers[trigger.TriggerType]
	if !ok {
		log.Error("no handler registered for trigger type")
		r.release(ctx, log, trigger, r.backoff(trigger.Attempts), "no handler registered")
		metrics.RecordTriggerRun(string(trigger.TriggerType), "unhandled", time.Since(started))
		return
	}

	err := handler(ctx, trigger)
	var notDue *TriggerNotDueError
	switch {
	case err == nil:
		r.complete(ctx, log, trigger, domain.TriggerOutcomeFired)
		metrics.RecordTriggerRun(string(trigger.TriggerType), string(domain.TriggerOutcomeFired), time.Since(started))
	case errors.Is(err, ErrStaleTrigger):
		log.Info("trigger superseded by cycle state")
		r.complete(ctx, log, trigger, domain.TriggerOutcomeStale)
		metrics.RecordTriggerRun(string(trigger.TriggerType), string(domain.TriggerOutcomeStale), time.Since(started))
	case errors.As(err, &notDue):
		log.Info("trigger fired before deadline; rescheduling", zap.Time("retry_at", notDue.RetryAt))
		r.release(ctx, log, trigger, notDue.RetryAt, err.Error())
		metrics.RecordTriggerRun(string(trigger.TriggerType), "not_due", time.Since(started))
	default:
		retryAt := r.backoff(trigger.Attempts)
		log.Warn("trigger handler failed; will retry", zap.Time("retry_at", retryAt), zap.Error(err))
		r.release(ctx, log, trigger, retryAt, err.Error())
		metrics.RecordTriggerRun(string(trigger.TriggerType), "error", time.Since(started))
	}
}

func (r *TriggerRunner) complete(ctx context.Context, log *zap.Logger, trigger domain.ScheduledTrigger, outcome domain.TriggerOutcome) {
	if err := r.repo.CompleteTrigger(ctx, trigger.ID, outcome, r.now()); err != nil {
		log.Error("failed to complete trigger", zap.String("outcome", string(outcome)), zap.Error(err))
	}
}

func (r *TriggerRunner) release(ctx context.Context, log *zap.Logger, trigger domain.ScheduledTrigger, retryAt time.Time, reason string) {
	if err := r.repo.ReleaseTrigger(ctx, trigger.ID, retryAt, reason); err != nil && !errors.Is(err, store.ErrTriggerNotFound) {
		log.Error("failed to release trigger", zap.Error(err))
	}
}

func (r *TriggerRunner) backoff(attempts int) time.Time {
	return r.now().Add(time.Duration(retryDelaySeconds(attempts)) * time.Second)
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
