/**
 * @description
 * This is the main entry point for the scheduler-service.
 * It is a long-running process that fires cycle deadline triggers from the
 * shared store and runs the cron maintenance jobs (rematching queued intents,
 * ledger reconciliation, idempotency key pruning). A small HTTP listener
 * exposes /health and /metrics.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/chaingive/settlement-service/internal/app"
	"github.com/chaingive/settlement-service/internal/bootstrap"
	"github.com/chaingive/settlement-service/internal/config"
	"github.com/chaingive/settlement-service/internal/metrics"
	"github.com/chaingive/settlement-service/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.ServiceName == "settlement-service" {
		cfg.ServiceName = "scheduler-service"
	}

	log := logger.New(cfg.ServiceName, cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)
	boot := logger.Component(log, "bootstrap")

	if cfg.StoreDriver != config.StoreDriverPostgres {
		boot.Fatal("scheduler-service needs the shared postgres store", zap.String("env", "DATABASE_URL"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := bootstrap.OpenStore(ctx, cfg, boot)
	if err != nil {
		boot.Fatal("store unavailable", zap.Error(err))
	}
	defer st.Close()

	redisClient, closeRedis := bootstrap.OpenRedis(ctx, cfg, boot)
	defer closeRedis()

	engine := bootstrap.NewEngine(st.Repository, redisClient, cfg, log)

	var workers sync.WaitGroup
	runner := app.NewTriggerRunner(st.Repository, log, cfg)
	runner.HandleCycleTriggers(engine.Cycles)
	workers.Add(1)
	go func() {
		defer workers.Done()
		runner.Run(ctx)
	}()
	boot.Info("trigger runner started", zap.Int("workers", cfg.TriggerWorkers), zap.Duration("poll_interval", cfg.TriggerPollInterval))

	jobs := app.NewJobs(st.Repository, engine.Ledger, engine.Matcher, log, cfg, engine.Pruners...)
	scheduler := app.NewScheduler(jobs, log, cfg)
	boot.Info("scheduler started", zap.Int("jobs", scheduler.Start()))

	router := chi.NewRouter()
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Scheduler service is healthy"))
	})
	router.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Component(log, "http").Error("status listener stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	boot.Info("shutdown signal received, stopping scheduler")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	<-scheduler.Stop().Done()
	workers.Wait()
	boot.Info("scheduler stopped gracefully")
}
