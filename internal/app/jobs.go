/**
 * @description
 * Periodic maintenance jobs run by the scheduler-service cron.
 */

package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chaingive/settlement-service/internal/config"
	"github.com/chaingive/settlement-service/internal/metrics"
	"github.com/chaingive/settlement-service/internal/store"
)

const (
	jobTimeout          = 2 * time.Minute
	reconcileActiveSpan = 24 * time.Hour
)

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo    store.Repository
	ledger  *Ledger
	matcher *Matcher
	pruners []Pruner
	logger  *zap.Logger
	config  config.Config
	now     func() time.Time
}

// NewJobs creates a new Jobs runner. Pruners are optional.
func NewJobs(repo store.Repository, ledger *Ledger, matcher *Matcher, logger *zap.Logger, cfg config.Config, pruners ...Pruner) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{
		repo:    repo,
		ledger:  ledger,
		matcher: matcher,
		pruners: pruners,
		logger:  logger.With(zap.String("component", "jobs")),
		config:  cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RematchPendingIntents pairs queued donor intents with recipients that
// became eligible since the intent was stored.
func (j *Jobs) RematchPendingIntents() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	matched, err := j.matcher.Rematch(ctx, j.config.RematchBatchSize)
	metrics.RecordJobRun("rematch", err == nil)
	if err != nil {
		j.logger.Error("rematch job failed", zap.Int("matched", matched), zap.Error(err))
		return
	}
	if matched > 0 {
		j.logger.Info("rematch job finished", zap.Int("matched", matched))
	}
}

// ReconcileLedger compares recently active balances with their transaction
// logs. Drift is reported, never repaired automatically.
func (j *Jobs) ReconcileLedger() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	users, err := j.repo.ListRecentlyActiveAccounts(ctx, j.now().Add(-reconcileActiveSpan), j.config.ReconcileSampleSize)
	if err != nil {
		metrics.RecordJobRun("reconcile", false)
		j.logger.Error("failed to list active accounts", zap.Error(err))
		return
	}

	drifted := 0
	failed := 0
	for _, userID := range users {
		report, err := j.ledger.Reconcile(ctx, userID)
		if err != nil {
			failed++
			j.logger.Warn("reconcile failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if report.Drift != 0 {
			drifted++
		}
	}
	metrics.RecordJobRun("reconcile", failed == 0)
	j.logger.Info("ledger reconciliation finished",
		zap.Int("accounts", len(users)),
		zap.Int("drifted", drifted),
		zap.Int("failed", failed),
	)
}

// PruneIdempotencyKeys drops expired in-process acceptance keys. Redis
// expires its own keys, so nothing is registered for it.
func (j *Jobs) PruneIdempotencyKeys() {
	removed := 0
	for _, p := range j.pruners {
		removed += p.Prune(j.now())
	}
	metrics.RecordJobRun("prune", true)
	if removed > 0 {
		j.logger.Debug("pruned expired idempotency keys", zap.Int("removed", removed))
	}
}
