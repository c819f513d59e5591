package domain

import "time"

// Participant is the settlement engine's view of a user profile: the recipient
// pool for matching and the registered location used by the fraud gate.
type Participant struct {
	UserID          string    `json:"user_id"`
	Active          bool      `json:"active"`
	Banned          bool      `json:"banned"`
	KYCApproved     bool      `json:"kyc_approved"`
	Country         string    `json:"country"`
	City            string    `json:"city"`
	TrustScore      float64   `json:"trust_score"`
	CompletedCycles int       `json:"completed_cycles"`
	WaitingSince    time.Time `json:"waiting_since"`
	RegisteredAt    time.Time `json:"registered_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Eligible reports whether the participant may receive a match.
func (p *Participant) Eligible() bool {
	return p.Active && !p.Banned && p.KYCApproved
}

// CandidateFilter narrows the recipient pool query.
type CandidateFilter struct {
	ExcludeUserID string
	City          string
	Country       string
	Limit         int
}

// ParticipantEvent is the message consumed from `participant.updated`.
type ParticipantEvent struct {
	EventID     string      `json:"event_id"`
	Participant Participant `json:"participant"`
	OccurredAt  time.Time   `json:"occurred_at"`
}
