/**
 * @description
 * This package handles the configuration management for the settlement engine.
 * Both binaries read the same keys through Viper from the environment and an
 * optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - go.uber.org/zap: warnings go to the global logger, replaced by the binaries at boot.
 */

package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the settlement engine.
type Config struct {
	ServiceName    string `mapstructure:"SERVICE_NAME"`
	ServerPort     string `mapstructure:"SERVER_PORT"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	// Location headers set by the edge gateway for /match.
	LocationCountryHeader string `mapstructure:"LOCATION_COUNTRY_HEADER"`
	LocationCityHeader    string `mapstructure:"LOCATION_CITY_HEADER"`

	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	StoreDriver   string `mapstructure:"STORE_DRIVER"`
	RunMigrations bool   `mapstructure:"RUN_MIGRATIONS"`

	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	RabbitMQURL     string `mapstructure:"RABBITMQ_URL"`
	EventsExchange  string `mapstructure:"EVENTS_EXCHANGE"`
	InboundExchange string `mapstructure:"INBOUND_EXCHANGE"`
	InboundQueue    string `mapstructure:"INBOUND_QUEUE"`

	AuthJWKSURL          string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience         string        `mapstructure:"AUTH_AUDIENCE"`
	AuthIssuer           string        `mapstructure:"AUTH_ISSUER"`
	JWKSCacheTTL         time.Duration `mapstructure:"JWKS_CACHE_TTL"`
	InternalAPIKey       string        `mapstructure:"INTERNAL_API_KEY"`
	ForfeitSinkAccountID string        `mapstructure:"FORFEIT_SINK_ACCOUNT_ID"`

	MatchExpiry                 time.Duration `mapstructure:"MATCH_EXPIRY"`
	ReceiptConfirmationWindow   time.Duration `mapstructure:"RECEIPT_CONFIRMATION_WINDOW"`
	ObligationAcceptWindow      time.Duration `mapstructure:"OBLIGATION_ACCEPT_WINDOW"`
	ObligationFulfillmentWindow time.Duration `mapstructure:"OBLIGATION_FULFILLMENT_WINDOW"`
	AcceptIdempotencyWindow     time.Duration `mapstructure:"ACCEPT_IDEMPOTENCY_WINDOW"`

	FraudVelocityWindow time.Duration `mapstructure:"FRAUD_VELOCITY_WINDOW"`
	FraudVelocityLimit  int           `mapstructure:"FRAUD_VELOCITY_LIMIT"`
	MatchCandidateLimit int           `mapstructure:"MATCH_CANDIDATE_LIMIT"`
	RankerURL           string        `mapstructure:"RANKER_URL"`
	RankerTimeout       time.Duration `mapstructure:"RANKER_TIMEOUT"`

	MatchRateLimitPerMinute int `mapstructure:"MATCH_RATE_LIMIT_PER_MINUTE"`
	MatchRateLimitBurst     int `mapstructure:"MATCH_RATE_LIMIT_BURST"`

	TriggerWorkers      int           `mapstructure:"TRIGGER_WORKERS"`
	TriggerBatchSize    int           `mapstructure:"TRIGGER_BATCH_SIZE"`
	TriggerPollInterval time.Duration `mapstructure:"TRIGGER_POLL_INTERVAL"`
	TriggerStaleAfter   time.Duration `mapstructure:"TRIGGER_STALE_AFTER"`

	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`

	RematchJobSchedule   string `mapstructure:"REMATCH_JOB_SCHEDULE"`
	RematchBatchSize     int    `mapstructure:"REMATCH_BATCH_SIZE"`
	ReconcileJobSchedule string `mapstructure:"RECONCILE_JOB_SCHEDULE"`
	ReconcileSampleSize  int    `mapstructure:"RECONCILE_SAMPLE_SIZE"`
	PruneJobSchedule     string `mapstructure:"PRUNE_JOB_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file located in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVICE_NAME", "settlement-service")
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("ALLOWED_ORIGINS", "*")
	viper.SetDefault("LOCATION_COUNTRY_HEADER", "X-Client-Country")
	viper.SetDefault("LOCATION_CITY_HEADER", "X-Client-City")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("REDIS_KEY_PREFIX", "settlement")
	viper.SetDefault("EVENTS_EXCHANGE", "settlement.events")
	viper.SetDefault("INBOUND_EXCHANGE", "platform.events")
	viper.SetDefault("INBOUND_QUEUE", "settlement_service.inbound")
	viper.SetDefault("JWKS_CACHE_TTL", "10m")
	viper.SetDefault("FORFEIT_SINK_ACCOUNT_ID", "community-pool")
	viper.SetDefault("MATCH_EXPIRY", "24h")
	viper.SetDefault("RECEIPT_CONFIRMATION_WINDOW", "48h")
	viper.SetDefault("OBLIGATION_ACCEPT_WINDOW", "24h")
	viper.SetDefault("OBLIGATION_FULFILLMENT_WINDOW", "720h")
	viper.SetDefault("ACCEPT_IDEMPOTENCY_WINDOW", "30s")
	viper.SetDefault("FRAUD_VELOCITY_WINDOW", "1h")
	viper.SetDefault("FRAUD_VELOCITY_LIMIT", 5)
	viper.SetDefault("MATCH_CANDIDATE_LIMIT", 100)
	viper.SetDefault("RANKER_TIMEOUT", "2s")
	viper.SetDefault("MATCH_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("MATCH_RATE_LIMIT_BURST", 5)
	viper.SetDefault("TRIGGER_WORKERS", 4)
	viper.SetDefault("TRIGGER_BATCH_SIZE", 50)
	viper.SetDefault("TRIGGER_POLL_INTERVAL", "5s")
	viper.SetDefault("TRIGGER_STALE_AFTER", "2m")
	viper.SetDefault("OUTBOX_POLL_INTERVAL", "2s")
	viper.SetDefault("OUTBOX_BATCH_SIZE", 50)
	viper.SetDefault("REMATCH_JOB_SCHEDULE", "@every 1m")
	viper.SetDefault("REMATCH_BATCH_SIZE", 50)
	viper.SetDefault("RECONCILE_JOB_SCHEDULE", "@hourly")
	viper.SetDefault("RECONCILE_SAMPLE_SIZE", 200)
	viper.SetDefault("PRUNE_JOB_SCHEDULE", "@every 5m")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVICE_NAME")
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("ALLOWED_ORIGINS")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("INBOUND_EXCHANGE")
	_ = viper.BindEnv("INBOUND_QUEUE")
	_ = viper.BindEnv("AUTH_JWKS_URL", "AUTH_JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("AUTH_AUDIENCE", "AUTH_AUDIENCE", "CLERK_AUDIENCE")
	_ = viper.BindEnv("AUTH_ISSUER", "AUTH_ISSUER", "CLERK_ISSUER")
	_ = viper.BindEnv("JWKS_CACHE_TTL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("FORFEIT_SINK_ACCOUNT_ID")
	_ = viper.BindEnv("MATCH_EXPIRY")
	_ = viper.BindEnv("RECEIPT_CONFIRMATION_WINDOW")
	_ = viper.BindEnv("OBLIGATION_ACCEPT_WINDOW")
	_ = viper.BindEnv("OBLIGATION_FULFILLMENT_WINDOW")
	_ = viper.BindEnv("ACCEPT_IDEMPOTENCY_WINDOW")
	_ = viper.BindEnv("FRAUD_VELOCITY_WINDOW")
	_ = viper.BindEnv("FRAUD_VELOCITY_LIMIT")
	_ = viper.BindEnv("MATCH_CANDIDATE_LIMIT")
	_ = viper.BindEnv("RANKER_URL")
	_ = viper.BindEnv("RANKER_TIMEOUT")
	_ = viper.BindEnv("MATCH_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("MATCH_RATE_LIMIT_BURST")
	_ = viper.BindEnv("TRIGGER_WORKERS")
	_ = viper.BindEnv("TRIGGER_BATCH_SIZE")
	_ = viper.BindEnv("TRIGGER_POLL_INTERVAL")
	_ = viper.BindEnv("TRIGGER_STALE_AFTER")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL")
	_ = viper.BindEnv("OUTBOX_BATCH_SIZE")
	_ = viper.BindEnv("REMATCH_JOB_SCHEDULE")
	_ = viper.BindEnv("REMATCH_BATCH_SIZE")
	_ = viper.BindEnv("RECONCILE_JOB_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_SAMPLE_SIZE")
	_ = viper.BindEnv("PRUNE_JOB_SCHEDULE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			zap.L().Warn("failed to read config file; using environment values", zap.String("component", "config"), zap.Error(err))
		}
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	normalize(&config)
	return
}

func normalize(config *Config) {
	log := zap.L().With(zap.String("component", "config"))

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RankerURL = strings.TrimSpace(config.RankerURL)
	config.AuthAudience = strings.TrimSpace(config.AuthAudience)
	config.AuthIssuer = strings.TrimSpace(config.AuthIssuer)
	config.ForfeitSinkAccountID = strings.TrimSpace(config.ForfeitSinkAccountID)
	if config.ForfeitSinkAccountID == "" {
		config.ForfeitSinkAccountID = "community-pool"
	}
	config.LocationCountryHeader = strings.TrimSpace(config.LocationCountryHeader)
	config.LocationCityHeader = strings.TrimSpace(config.LocationCityHeader)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "settlement"
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	switch config.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		log.Warn("unknown store driver; using postgres", zap.String("store_driver", config.StoreDriver))
		config.StoreDriver = StoreDriverPostgres
	}
	if config.StoreDriver == StoreDriverPostgres && strings.TrimSpace(config.DatabaseURL) == "" {
		log.Warn("DATABASE_URL not set; falling back to the in-memory store")
		config.StoreDriver = StoreDriverMemory
	}

	positiveDuration(log, "MATCH_EXPIRY", &config.MatchExpiry, 24*time.Hour)
	positiveDuration(log, "RECEIPT_CONFIRMATION_WINDOW", &config.ReceiptConfirmationWindow, 48*time.Hour)
	positiveDuration(log, "OBLIGATION_ACCEPT_WINDOW", &config.ObligationAcceptWindow, 24*time.Hour)
	positiveDuration(log, "OBLIGATION_FULFILLMENT_WINDOW", &config.ObligationFulfillmentWindow, 30*24*time.Hour)
	positiveDuration(log, "ACCEPT_IDEMPOTENCY_WINDOW", &config.AcceptIdempotencyWindow, 30*time.Second)
	positiveDuration(log, "FRAUD_VELOCITY_WINDOW", &config.FraudVelocityWindow, time.Hour)
	positiveDuration(log, "JWKS_CACHE_TTL", &config.JWKSCacheTTL, 10*time.Minute)
	positiveDuration(log, "RANKER_TIMEOUT", &config.RankerTimeout, 2*time.Second)
	positiveDuration(log, "TRIGGER_POLL_INTERVAL", &config.TriggerPollInterval, 5*time.Second)
	positiveDuration(log, "TRIGGER_STALE_AFTER", &config.TriggerStaleAfter, 2*time.Minute)
	positiveDuration(log, "OUTBOX_POLL_INTERVAL", &config.OutboxPollInterval, 2*time.Second)

	positiveInt(log, "FRAUD_VELOCITY_LIMIT", &config.FraudVelocityLimit, 5)
	positiveInt(log, "MATCH_CANDIDATE_LIMIT", &config.MatchCandidateLimit, 100)
	positiveInt(log, "MATCH_RATE_LIMIT_PER_MINUTE", &config.MatchRateLimitPerMinute, 30)
	positiveInt(log, "MATCH_RATE_LIMIT_BURST", &config.MatchRateLimitBurst, 5)
	positiveInt(log, "TRIGGER_WORKERS", &config.TriggerWorkers, 4)
	positiveInt(log, "TRIGGER_BATCH_SIZE", &config.TriggerBatchSize, 50)
	positiveInt(log, "OUTBOX_BATCH_SIZE", &config.OutboxBatchSize, 50)
	positiveInt(log, "REMATCH_BATCH_SIZE", &config.RematchBatchSize, 50)
	positiveInt(log, "RECONCILE_SAMPLE_SIZE", &config.ReconcileSampleSize, 200)

	if strings.TrimSpace(config.RematchJobSchedule) == "" {
		config.RematchJobSchedule = "@every 1m"
	}
	if strings.TrimSpace(config.ReconcileJobSchedule) == "" {
		config.ReconcileJobSchedule = "@hourly"
	}
	if strings.TrimSpace(config.PruneJobSchedule) == "" {
		config.PruneJobSchedule = "@every 5m"
	}
}

func positiveDuration(log *zap.Logger, key string, value *time.Duration, fallback time.Duration) {
	if *value > 0 {
		return
	}
	if *value < 0 {
		log.Warn("negative duration configured; using default", zap.String("key", key), zap.Duration("value", *value))
	}
	*value = fallback
}

func positiveInt(log *zap.Logger, key string, value *int, fallback int) {
	if *value > 0 {
		return
	}
	if *value < 0 {
		log.Warn("negative value configured; using default", zap.String("key", key), zap.Int("value", *value))
	}
	*value = fallback
}
