package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the settlement events exchange.
const (
	RoutingKeyCycleStateChanged = "cycle.state_changed"
	RoutingKeyEscrowResolved    = "escrow.resolved"
	RoutingKeyCycleReminder     = "cycle.reminder"
)

// Routing keys consumed from the platform events exchange.
const (
	RoutingKeyDepositConfirmed   = "funding.deposit.confirmed"
	RoutingKeyParticipantUpdated = "participant.updated"
)

// CycleStateChangedEvent is emitted once per applied transition.
type CycleStateChangedEvent struct {
	EventID     uuid.UUID  `json:"event_id"`
	CycleID     uuid.UUID  `json:"cycle_id"`
	DonorID     string     `json:"donor_id"`
	RecipientID string     `json:"recipient_id,omitempty"`
	Amount      int64      `json:"amount"`
	FromState   CycleState `json:"from_state,omitempty"`
	ToState     CycleState `json:"to_state"`
	Event       CycleEvent `json:"event"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

// EscrowResolvedEvent is emitted once per hold, by the call that won the CAS.
type EscrowResolvedEvent struct {
	EventID       uuid.UUID  `json:"event_id"`
	HoldID        uuid.UUID  `json:"hold_id"`
	CycleID       uuid.UUID  `json:"cycle_id"`
	Status        HoldStatus `json:"status"`
	Amount        int64      `json:"amount"`
	BeneficiaryID string     `json:"beneficiary_id"`
	ResolvedAt    time.Time  `json:"resolved_at"`
}

// CycleReminderEvent asks the notification service to nudge the recipient.
type CycleReminderEvent struct {
	EventID     uuid.UUID  `json:"event_id"`
	CycleID     uuid.UUID  `json:"cycle_id"`
	RecipientID string     `json:"recipient_id"`
	State       CycleState `json:"state"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

// DepositConfirmedEvent is the funding source message consumed from RabbitMQ.
type DepositConfirmedEvent struct {
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	Amount     int64     `json:"amount"`
	Proof      string    `json:"proof"`
	OccurredAt time.Time `json:"occurred_at"`
}
