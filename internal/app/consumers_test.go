package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chaingive/settlement-service/internal/domain"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return body
}

func TestDepositEventCreditsOnce(t *testing.T) {
	e := newTestEngine(t)
	handler := NewPlatformEventHandler(e.repo, e.ledger, zap.NewNop())
	body := mustJSON(t, domain.DepositConfirmedEvent{EventID: "evt-1", UserID: "u1", Amount: 900, Proof: "paystack:ref-9"})

	assert.True(t, handler.HandleDepositConfirmed(body))
	assert.True(t, handler.HandleDepositConfirmed(body))
	assert.Equal(t, int64(900), e.balance(t, "u1"))
}

func TestDepositEventAcksMalformedMessages(t *testing.T) {
	e := newTestEngine(t)
	handler := NewPlatformEventHandler(e.repo, e.ledger, zap.NewNop())

	assert.True(t, handler.HandleDepositConfirmed([]byte("{not json")))
	assert.True(t, handler.HandleDepositConfirmed(mustJSON(t, domain.DepositConfirmedEvent{UserID: "u1", Amount: 10})))
	assert.True(t, handler.HandleDepositConfirmed(mustJSON(t, domain.DepositConfirmedEvent{UserID: "u1", Amount: -5, Proof: "p"})))
	assert.Zero(t, e.balance(t, "u1"))
}

func TestParticipantEventUpsertsProfile(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	handler := NewPlatformEventHandler(e.repo, e.ledger, zap.NewNop())
	occurred := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

	ok := handler.HandleParticipantUpdated(mustJSON(t, domain.ParticipantEvent{
		EventID: "evt-2",
		Participant: domain.Participant{
			UserID:      "r1",
			Active:      true,
			KYCApproved: true,
			Country:     "KE",
			City:        "Nairobi",
		},
		OccurredAt: occurred,
	}))
	require.True(t, ok)

	stored, err := e.repo.GetParticipant(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Nairobi", stored.City)
	assert.Equal(t, occurred, stored.UpdatedAt)
	assert.True(t, stored.Eligible())

	assert.True(t, handler.HandleParticipantUpdated(mustJSON(t, domain.ParticipantEvent{EventID: "evt-3"})))
}
