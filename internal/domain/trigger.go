package domain

import (
	"time"

	"github.com/google/uuid"
)

// TriggerType is the closed set of deadline triggers.
type TriggerType string

const (
	TriggerMatchExpire        TriggerType = "match-expire"
	TriggerReceiptReminder    TriggerType = "receipt-reminder"
	TriggerObligationDeadline TriggerType = "obligation-deadline"
	TriggerEscrowAutoRelease  TriggerType = "escrow-auto-release"
)

// Valid reports whether t is a declared trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerMatchExpire, TriggerReceiptReminder, TriggerObligationDeadline, TriggerEscrowAutoRelease:
		return true
	}
	return false
}

// TriggerOutcome records how a consumed trigger ended.
type TriggerOutcome string

const (
	TriggerOutcomeFired     TriggerOutcome = "fired"
	TriggerOutcomeStale     TriggerOutcome = "stale"
	TriggerOutcomeCancelled TriggerOutcome = "cancelled"
)

// ScheduledTrigger maps to the `scheduled_triggers` table.
type ScheduledTrigger struct {
	ID          uuid.UUID      `json:"id"`
	CycleID     uuid.UUID      `json:"cycle_id"`
	TriggerType TriggerType    `json:"trigger_type"`
	FireAt      time.Time      `json:"fire_at"`
	Consumed    bool           `json:"consumed"`
	Attempts    int            `json:"attempts"`
	ClaimedAt   *time.Time     `json:"claimed_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Outcome     TriggerOutcome `json:"outcome,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
