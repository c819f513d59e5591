package domain

import (
	"time"

	"github.com/google/uuid"
)

// CycleState is the closed set of lifecycle states for a cycle.
type CycleState string

const (
	CycleStatePending   CycleState = "pending"
	CycleStateInTransit CycleState = "in_transit"
	CycleStateReceived  CycleState = "received"
	CycleStateObligated CycleState = "obligated"
	CycleStateFulfilled CycleState = "fulfilled"
	CycleStateDefaulted CycleState = "defaulted"
	CycleStateExpired   CycleState = "expired"
)

// Valid reports whether s is a declared state.
func (s CycleState) Valid() bool {
	switch s {
	case CycleStatePending, CycleStateInTransit, CycleStateReceived, CycleStateObligated,
		CycleStateFulfilled, CycleStateDefaulted, CycleStateExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s CycleState) Terminal() bool {
	switch s {
	case CycleStateFulfilled, CycleStateDefaulted, CycleStateExpired:
		return true
	case CycleStatePending, CycleStateInTransit, CycleStateReceived, CycleStateObligated:
		return false
	}
	return false
}

// OpenCycleStates are the states that count as an open cycle between a donor and a recipient.
var OpenCycleStates = []CycleState{
	CycleStatePending,
	CycleStateInTransit,
	CycleStateReceived,
	CycleStateObligated,
}

// CycleEvent names the cause of a transition.
type CycleEvent string

const (
	EventCreated               CycleEvent = "created"
	EventMatchFound            CycleEvent = "match_found"
	EventConfirmReceipt        CycleEvent = "recipient_confirms_receipt"
	EventAcceptObligation      CycleEvent = "recipient_accepts_obligation"
	EventObligationFulfilled   CycleEvent = "obligation_fulfilled"
	EventObligationDeadline    CycleEvent = "deadline_elapsed"
	EventNoConfirmation        CycleEvent = "no_confirmation_before_deadline"
	EventNoMatchBeforeDeadline CycleEvent = "no_match_before_deadline"
)

// Cycle maps to the `cycles` table. RecipientID is empty only while a pending
// intent waits for a match.
type Cycle struct {
	ID           uuid.UUID  `json:"id"`
	DonorID      string     `json:"donor_id"`
	RecipientID  string     `json:"recipient_id,omitempty"`
	Amount       int64      `json:"amount"`
	State        CycleState `json:"state"`
	DueAt        *time.Time `json:"due_at,omitempty"`
	EscrowHoldID *uuid.UUID `json:"escrow_hold_id,omitempty"`
	Flagged      bool       `json:"flagged"`
	FraudCheckID *uuid.UUID `json:"fraud_check_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HasRecipient reports whether the cycle is bound to a recipient.
func (c *Cycle) HasRecipient() bool {
	return c.RecipientID != ""
}

// IsParticipant reports whether userID is the donor or the recipient.
func (c *Cycle) IsParticipant(userID string) bool {
	return userID != "" && (c.DonorID == userID || c.RecipientID == userID)
}

// CycleTransition is one row of the `cycle_transitions` audit trail.
type CycleTransition struct {
	ID         uuid.UUID  `json:"id"`
	CycleID    uuid.UUID  `json:"cycle_id"`
	FromState  CycleState `json:"from_state,omitempty"`
	ToState    CycleState `json:"to_state"`
	Event      CycleEvent `json:"event"`
	ActorID    string     `json:"actor_id,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// CycleView is the read model returned by GET cycles/{id}.
type CycleView struct {
	Cycle
	EscrowStatus *HoldStatus `json:"escrow_status,omitempty"`
}

// MatchPreferences narrows the recipient pool for a donor intent.
type MatchPreferences struct {
	City         string `json:"city,omitempty"`
	Country      string `json:"country,omitempty"`
	WaitForMatch bool   `json:"wait_for_match,omitempty"`
}

// MatchRequest is the DTO for POST /match.
type MatchRequest struct {
	DonorID     string           `json:"donorId"`
	Amount      int64            `json:"amount"`
	Preferences MatchPreferences `json:"preferences"`
	Country     string           `json:"country,omitempty"`
	City        string           `json:"city,omitempty"`
	// IdempotencyKey comes from the Idempotency-Key header, never the body.
	IdempotencyKey string `json:"-"`
}
