/**
 * @description
 * Cron scheduler setup for the maintenance jobs. Deadline triggers do not run
 * here; they are polled by the TriggerRunner.
 */

package app

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/chaingive/settlement-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *zap.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *zap.Logger, cfg config.Config) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "scheduler"))
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the
// number of jobs that were scheduled.
func (s *Scheduler) Start() int {
	registered := 0
	for _, job := range []struct {
		name     string
		schedule string
		run      func()
	}{
		{name: "rematch", schedule: s.config.RematchJobSchedule, run: s.jobs.RematchPendingIntents},
		{name: "reconcile", schedule: s.config.ReconcileJobSchedule, run: s.jobs.ReconcileLedger},
		{name: "prune", schedule: s.config.PruneJobSchedule, run: s.jobs.PruneIdempotencyKeys},
	} {
		if _, err := s.cron.AddFunc(job.schedule, job.run); err != nil {
			s.logger.Error("failed to schedule job", zap.String("job", job.name), zap.Error(err))
			continue
		}
		registered++
		s.logger.Info("scheduled job", zap.String("job", job.name), zap.String("schedule", job.schedule))
	}

	s.cron.Start()
	return registered
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
