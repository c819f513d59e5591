/**
 * @description
 * This is the main entry point for the settlement-service. It loads the
 * configuration, opens the store, wires the settlement engine, and serves the
 * HTTP API. It also consumes platform events (deposits, participant updates)
 * and relays the transactional outbox to RabbitMQ.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - go.uber.org/zap: Structured logging.
 * - internal/api, internal/app, internal/bootstrap, internal/config: service packages.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/chaingive/settlement-service/internal/api"
	"github.com/chaingive/settlement-service/internal/app"
	"github.com/chaingive/settlement-service/internal/bootstrap"
	"github.com/chaingive/settlement-service/internal/config"
	"github.com/chaingive/settlement-service/internal/domain"
	"github.com/chaingive/settlement-service/pkg/logger"
	"github.com/chaingive/settlement-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, relying on environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.ServiceName, cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)
	boot := logger.Component(log, "bootstrap")

	if cfg.InternalAPIKey == "" {
		boot.Warn("internal api key not configured; internal routes will reject every call", zap.String("env", "INTERNAL_API_KEY"))
	}
	if cfg.AuthJWKSURL == "" {
		boot.Warn("jwks url not configured; authenticated routes will reject every call", zap.String("env", "AUTH_JWKS_URL"))
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

	// Outbox relay. A broker outage leaves events in the outbox; the engine
	// never waits on RabbitMQ.
	dispatcher := app.NewOutboxDispatcher(st.Repository, publisherFactory(cfg, log), log, cfg)
	workers.Add(1)
	go func() {
		defer workers.Done()
		dispatcher.Run(ctx)
	}()

	// The memory store is not shared with the scheduler-service, so deadlines
	// and jobs run in this process.
	if cfg.StoreDriver == config.StoreDriverMemory {
		runner := app.NewTriggerRunner(st.Repository, log, cfg)
		runner.HandleCycleTriggers(engine.Cycles)
		workers.Add(1)
		go func() {
			defer workers.Done()
			runner.Run(ctx)
		}()

		scheduler := app.NewScheduler(app.NewJobs(st.Repository, engine.Ledger, engine.Matcher, log, cfg, engine.Pruners...), log, cfg)
		boot.Info("in-process scheduler started", zap.Int("jobs", scheduler.Start()))
		defer func() { <-scheduler.Stop().Done() }()
	}

	if cfg.RabbitMQURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, log)
		if err != nil {
			boot.Warn("rabbitmq consumer unavailable; platform events will not be consumed", zap.Error(err))
		} else {
			defer consumer.Close()
			events := app.NewPlatformEventHandler(st.Repository, engine.Ledger, log)
			bindings := map[string]rabbitmq.Handler{
				domain.RoutingKeyDepositConfirmed:   events.HandleDepositConfirmed,
				domain.RoutingKeyParticipantUpdated: events.HandleParticipantUpdated,
			}
			if err := consumer.ConsumeWithBindings(cfg.InboundExchange, cfg.InboundQueue, bindings); err != nil {
				boot.Fatal("platform event consumer start failed", zap.Error(err))
			}
			boot.Info("platform event consumer started", zap.String("queue", cfg.InboundQueue))
		}
	}

	limiter := api.NewRateLimiter(cfg.MatchRateLimitPerMinute, cfg.MatchRateLimitBurst)
	limiter.StartCleanup(ctx, 5*time.Minute)

	handler := api.NewHandler(engine.Ledger, engine.Cycles, engine.Matcher, engine.Fraud, st.Repository, log)
	handler.UseLocationHeaders(cfg.LocationCountryHeader, cfg.LocationCityHeader)
	router := api.NewRouter(handler, api.RouterOptions{
		Authenticator: api.AuthMiddleware(
			api.NewJWKSCache(cfg.AuthJWKSURL, cfg.JWKSCacheTTL),
			api.AuthOptions{Audience: cfg.AuthAudience, Issuer: cfg.AuthIssuer},
		),
		InternalKey:    cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins,
		MatchLimiter:   limiter,
		Logger:         log,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Component(log, "http").Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Component(log, "http").Fatal("server stopped unexpectedly", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Component(log, "http").Info("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Component(log, "http").Error("shutdown failed", zap.Error(err))
	}
	workers.Wait()
	logger.Component(log, "http").Info("shutdown complete")
}

func publisherFactory(cfg config.Config, log *zap.Logger) app.PublisherFactory {
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Component(log, "bootstrap").Warn("rabbitmq url missing; events are logged instead of published", zap.String("env", "RABBITMQ_URL"))
		fallback := &rabbitmq.EventProducerFallback{Log: log}
		return func() (rabbitmq.Publisher, error) { return fallback, nil }
	}
	return func() (rabbitmq.Publisher, error) {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, log)
		if err != nil {
			return nil, err
		}
		return producer, nil
	}
}
