package domain

import (
	"time"

	"github.com/google/uuid"
)

// HoldStatus is the closed set of escrow hold statuses. The only legal
// transitions are held -> released|refunded|forfeited.
type HoldStatus string

const (
	HoldStatusHeld      HoldStatus = "held"
	HoldStatusReleased  HoldStatus = "released"
	HoldStatusRefunded  HoldStatus = "refunded"
	HoldStatusForfeited HoldStatus = "forfeited"
)

// Valid reports whether s is a declared status.
func (s HoldStatus) Valid() bool {
	switch s {
	case HoldStatusHeld, HoldStatusReleased, HoldStatusRefunded, HoldStatusForfeited:
		return true
	}
	return false
}

// Resolved reports whether the hold has already settled.
func (s HoldStatus) Resolved() bool {
	return s == HoldStatusReleased || s == HoldStatusRefunded || s == HoldStatusForfeited
}

// EscrowHold maps to the `escrow_holds` table. DonorID and RecipientID are
// copied from the cycle at hold time and never change.
type EscrowHold struct {
	ID          uuid.UUID  `json:"id"`
	CycleID     uuid.UUID  `json:"cycle_id"`
	DonorID     string     `json:"donor_id"`
	RecipientID string     `json:"recipient_id"`
	Amount      int64      `json:"amount"`
	Status      HoldStatus `json:"status"`
	HeldAt      time.Time  `json:"held_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}
