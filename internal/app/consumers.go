/**
 * @description
 * Handlers for platform events consumed from RabbitMQ: confirmed deposits from
 * the funding source and participant profile updates from the user service.
 *
 * @notes
 * - Returning true acknowledges the delivery; false re-queues it.
 * - Malformed messages are acknowledged so they cannot loop forever.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chaingive/settlement-service/internal/domain"
	"github.com/chaingive/settlement-service/internal/store"
)

const consumerTimeout = 30 * time.Second

// PlatformEventHandler applies inbound platform events.
type PlatformEventHandler struct {
	repo   store.Repository
	ledger *Ledger
	log    *zap.Logger
}

func NewPlatformEventHandler(repo store.Repository, ledger *Ledger, log *zap.Logger) *PlatformEventHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &PlatformEventHandler{repo: repo, ledger: ledger, log: log.With(zap.String("component", "platform_events"))}
}

// HandleDepositConfirmed credits a confirmed purchase. Redelivery of the same
// proof is acknowledged without a second credit.
func (h *PlatformEventHandler) HandleDepositConfirmed(body []byte) bool {
	var event domain.DepositConfirmedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.log.Error("malformed deposit event; acking", zap.Error(err))
		return true
	}
	if strings.TrimSpace(event.UserID) == "" || strings.TrimSpace(event.Proof) == "" {
		h.log.Error("deposit event missing user or proof; acking", zap.String("event_id", event.EventID))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	entry, created, err := h.ledger.Deposit(ctx, domain.DepositRequest{
		UserID: event.UserID,
		Amount: event.Amount,
		Proof:  event.Proof,
	})
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidRequest):
		h.log.Error("deposit event rejected; acking", zap.String("event_id", event.EventID), zap.Error(err))
		return true
	case err != nil:
		h.log.Warn("deposit event failed; re-queuing", zap.String("event_id", event.EventID), zap.Error(err))
		return false
	}
	if !created {
		h.log.Info("duplicate deposit proof ignored",
			zap.String("user_id", event.UserID),
			zap.String("transaction_id", entry.ID.String()),
		)
	}
	return true
}

// HandleParticipantUpdated upserts the recipient pool entry for a user.
func (h *PlatformEventHandler) HandleParticipantUpdated(body []byte) bool {
	var event domain.ParticipantEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.log.Error("malformed participant event; acking", zap.Error(err))
		return true
	}
	participant := event.Participant
	if strings.TrimSpace(participant.UserID) == "" {
		h.log.Error("participant event missing user id; acking", zap.String("event_id", event.EventID))
		return true
	}
	if participant.UpdatedAt.IsZero() {
		participant.UpdatedAt = event.OccurredAt
	}
	if participant.UpdatedAt.IsZero() {
		participant.UpdatedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	if err := h.repo.UpsertParticipant(ctx, &participant); err != nil {
		h.log.Warn("participant upsert failed; re-queuing", zap.String("user_id", participant.UserID), zap.Error(err))
		return false
	}
	return true
}
