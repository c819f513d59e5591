package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chaingive/settlement-service/internal/domain"
	"github.com/chaingive/settlement-service/internal/store"
)

var (
	ErrNoEligibleRecipient = errors.New("no eligible recipient")
	ErrFraudBlocked        = errors.New("request blocked by fraud gate")
	ErrInsufficientFunds   = store.ErrInsufficientFunds
	ErrIllegalTransition   = errors.New("illegal cycle transition")
	ErrStaleTrigger        = errors.New("trigger no longer applies to the cycle")
	ErrDuplicateSubmission = errors.New("match acceptance already in progress")
	ErrForbidden           = errors.New("actor is not allowed to perform this action")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidRequest      = errors.New("invalid request")
)

// FraudBlockedError carries the gate's reasons back to the caller.
type FraudBlockedError struct {
	CheckID   string
	RiskLevel domain.RiskLevel
	Reasons   []string
}

func (e *FraudBlockedError) Error() string {
	if len(e.Reasons) == 0 {
		return ErrFraudBlocked.Error()
	}
	return fmt.Sprintf("%s: %s", ErrFraudBlocked.Error(), strings.Join(e.Reasons, "; "))
}

func (e *FraudBlockedError) Is(target error) bool {
	return target == ErrFraudBlocked
}

// InsufficientFundsError reports the balance observed under the account lock.
type InsufficientFundsError struct {
	UserID   string
	Balance  int64
	Required int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %d, required %d", e.Balance, e.Required)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// TriggerNotDueError asks the runner to put the trigger back until RetryAt.
type TriggerNotDueError struct {
	RetryAt time.Time
}

func (e *TriggerNotDueError) Error() string {
	return fmt.Sprintf("trigger not due until %s", e.RetryAt.UTC().Format(time.RFC3339))
}
