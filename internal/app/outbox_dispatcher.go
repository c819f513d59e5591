package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chaingive/settlement-service/internal/config"
	"github.com/chaingive/settlement-service/internal/metrics"
	"github.com/chaingive/settlement-service/internal/store"
	"github.com/chaingive/settlement-service/pkg/rabbitmq"
)

const defaultStaleProcessing = 2 * time.Minute

// PublisherFactory opens a publisher. It is called again after a failed
// publish so a dropped connection is replaced.
type PublisherFactory func() (rabbitmq.Publisher, error)

// OutboxDispatcher relays committed outbox rows to RabbitMQ. Delivery is at
// least once; consumers deduplicate by event_id.
type OutboxDispatcher struct {
	repo                store.Repository
	connect             PublisherFactory
	producer            rabbitmq.Publisher
	log                 *zap.Logger
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
}

func NewOutboxDispatcher(repo store.Repository, connect PublisherFactory, log *zap.Logger, cfg config.Config) *OutboxDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	batch := cfg.OutboxBatchSize
	if batch <= 0 {
		batch = 50
	}
	return &OutboxDispatcher{
		repo:                repo,
		connect:             connect,
		log:                 log.With(zap.String("component", "outbox_dispatcher")),
		batchSize:           batch,
		pollInterval:        orDefault(cfg.OutboxPollInterval, 2*time.Second),
		staleProcessingTime: defaultStaleProcessing,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closeProducer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil && ctx.Err() == nil {
				d.log.Error("outbox flush error", zap.Error(err))
			}
		}
	}
}

// FlushOnce publishes one batch and returns how many messages were delivered.
func (d *OutboxDispatcher) FlushOnce(ctx context.Context) (int, error) {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, message := range messages {
		err := d.publishMessage(ctx, message)
		metrics.RecordOutboxPublish(message.RoutingKey, err)
		if err != nil {
			retryAfter := retryDelaySeconds(message.Attempts)
			d.log.Warn("outbox publish failed",
				zap.Int64("message_id", message.ID),
				zap.String("routing_key", message.RoutingKey),
				zap.Int("retry_after_seconds", retryAfter),
				zap.Error(err),
			)
			if markErr := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error()); markErr != nil {
				d.log.Error("failed to mark outbox message as failed", zap.Int64("message_id", message.ID), zap.Error(markErr))
			}
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			d.log.Error("failed to mark outbox message as published", zap.Int64("message_id", message.ID), zap.Error(err))
			continue
		}
		published++
	}
	return published, nil
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	if d.producer == nil {
		producer, err := d.connect()
		if err != nil {
			return err
		}
		d.producer = producer
	}

	if err := d.producer.PublishRaw(ctx, message.Exchange, message.RoutingKey, message.Payload); err != nil {
		d.closeProducer()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closeProducer() {
	if d.producer != nil {
		d.producer.Close()
		d.producer = nil
	}
}
