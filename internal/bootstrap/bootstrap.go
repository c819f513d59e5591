/**
 * @description
 * Shared start-up wiring for the settlement and scheduler binaries: the store,
 * optional Redis, and the engine components built on top of them.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL pool and the database/sql bridge used by migrations.
 * - github.com/redis/go-redis/v9: shared velocity window and acceptance guard.
 * - pkg/rankerclient: remote recipient ranking behind a circuit breaker.
 */
package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/chaingive/settlement-service/internal/app"
	"github.com/chaingive/settlement-service/internal/config"
	"github.com/chaingive/settlement-service/internal/store"
	"github.com/chaingive/settlement-service/internal/store/migrations"
	"github.com/chaingive/settlement-service/pkg/rankerclient"
)

// Store is an opened repository and the function releasing it.
type Store struct {
	Repository store.Repository
	Close      func()
}

// OpenStore connects to Postgres, applying migrations when enabled, or builds
// the in-memory store.
func OpenStore(ctx context.Context, cfg config.Config, log *zap.Logger) (*Store, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using the in-memory store; state is lost on restart")
		return &Store{Repository: store.NewMemoryRepository(), Close: func() {}}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url parse failed: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to stay compatible with poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	log.Info("database connected")

	if cfg.RunMigrations {
		db := stdlib.OpenDBFromPool(dbpool)
		err := migrations.Apply(ctx, db)
		_ = db.Close()
		if err != nil {
			dbpool.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		log.Info("migrations applied")
	}

	return &Store{Repository: store.NewPostgresRepository(dbpool), Close: dbpool.Close}, nil
}

// OpenRedis returns a client when REDIS_URL is set and reachable. A nil
// client means the process-local implementations are used.
func OpenRedis(ctx context.Context, cfg config.Config, log *zap.Logger) (redis.UniversalClient, func()) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Warn("redis url missing; velocity and acceptance windows are process-local", zap.String("env", "REDIS_URL"))
		return nil, func() {}
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn("redis url parse failed; velocity and acceptance windows are process-local", zap.Error(err))
		return nil, func() {}
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis ping failed; velocity and acceptance windows are process-local", zap.Error(err))
		_ = client.Close()
		return nil, func() {}
	}
	log.Info("redis connected")
	return client, func() { _ = client.Close() }
}

// Engine holds the wired settlement components.
type Engine struct {
	Ledger  *app.Ledger
	Escrow  *app.EscrowManager
	Cycles  *app.StateMachine
	Fraud   *app.FraudGate
	Matcher *app.Matcher
	Guard   app.AcceptGuard
	Pruners []app.Pruner
}

// NewEngine builds the components over repo. With a nil redis client the
// velocity counter and acceptance guard live in process memory.
func NewEngine(repo store.Repository, redisClient redis.UniversalClient, cfg config.Config, log *zap.Logger) *Engine {
	var (
		velocity app.VelocityCounter
		guard    app.AcceptGuard
		pruners  []app.Pruner
	)
	if redisClient != nil {
		velocity = app.NewRedisVelocityCounter(redisClient, cfg.RedisKeyPrefix)
		guard = app.NewRedisAcceptGuard(redisClient, cfg.RedisKeyPrefix)
	} else {
		memVelocity := app.NewMemoryVelocityCounter()
		memGuard := app.NewMemoryAcceptGuard()
		velocity, guard = memVelocity, memGuard
		pruners = append(pruners, memVelocity, memGuard)
	}

	var ranker app.Ranker = app.NewHeuristicRanker()
	if cfg.RankerURL != "" {
		remote := rankerclient.NewClient(cfg.RankerURL, rankerclient.Settings{Timeout: cfg.RankerTimeout})
		ranker = app.NewFallbackRanker(remote, ranker, log)
		log.Info("remote ranker enabled", zap.String("ranker_url", cfg.RankerURL))
	}

	ledger := app.NewLedger(repo, log)
	escrow := app.NewEscrowManager(repo, ledger, log, cfg)
	cycles := app.NewStateMachine(repo, escrow, log, cfg)
	fraud := app.NewFraudGate(repo, velocity, log, cfg)
	matcher := app.NewMatcher(repo, fraud, ranker, cycles, guard, log, cfg)

	return &Engine{
		Ledger:  ledger,
		Escrow:  escrow,
		Cycles:  cycles,
		Fraud:   fraud,
		Matcher: matcher,
		Guard:   guard,
		Pruners: pruners,
	}
}
