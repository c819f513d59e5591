/**
 * @description
 * Fraud gate models. A FraudCheckResult is recorded for audit only; it never
 * moves funds on its own.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// FraudDecision is the gate verdict.
type FraudDecision string

const (
	FraudDecisionAllow FraudDecision = "allow"
	FraudDecisionFlag  FraudDecision = "flag"
	FraudDecisionBlock FraudDecision = "block"
)

// RiskLevel buckets a fraud score.
type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "low"
	RiskLevelMedium RiskLevel = "medium"
	RiskLevelHigh   RiskLevel = "high"
)

// FraudCheckResult maps to the `fraud_checks` table.
type FraudCheckResult struct {
	ID          uuid.UUID     `json:"id"`
	SubjectID   string        `json:"subject_id"`
	Amount      int64         `json:"amount"`
	Score       float64       `json:"score"`
	RiskLevel   RiskLevel     `json:"risk_level"`
	Reasons     []string      `json:"reasons"`
	Decision    FraudDecision `json:"decision"`
	Overridden  bool          `json:"overridden"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// FraudContext carries the request features scored by the gate.
type FraudContext struct {
	Amount   int64
	Country  string
	City     string
	DeviceID string
	At       time.Time
}

// FalsePositiveReport maps to the `fraud_reports` table.
type FalsePositiveReport struct {
	ID            uuid.UUID `json:"id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	ReporterID    string    `json:"reporter_id"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// FalsePositiveRequest is the DTO for POST /fraud/false-positive.
type FalsePositiveRequest struct {
	TransactionID string `json:"transactionId"`
	Reason        string `json:"reason"`
}

// FraudDecisionCounts aggregates checks per decision.
type FraudDecisionCounts struct {
	Allow int `json:"allow"`
	Flag  int `json:"flag"`
	Block int `json:"block"`
}

// UserRiskProfile summarizes a user's fraud history.
type UserRiskProfile struct {
	UserID         string              `json:"user_id"`
	Decisions      FraudDecisionCounts `json:"decisions"`
	LatestScore    *float64            `json:"latest_score,omitempty"`
	LatestRisk     *RiskLevel          `json:"latest_risk_level,omitempty"`
	FalsePositives int                 `json:"false_positives"`
}

// FraudStatistics aggregates checks across all users since a point in time.
type FraudStatistics struct {
	Since          time.Time           `json:"since"`
	Decisions      FraudDecisionCounts `json:"decisions"`
	FalsePositives int                 `json:"false_positives"`
}
