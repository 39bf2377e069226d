package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrLockHeld              = errors.New("lock already held")
	ErrMissingID             = errors.New("position id is required")
	ErrInvalidAmount         = errors.New("amount must not be negative")
	ErrInvalidPrice          = errors.New("price must be positive")
	ErrInvalidTransition     = errors.New("invalid position state transition")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientShares    = errors.New("insufficient shares")
	ErrInsufficientResources = errors.New("insufficient resources")
	ErrNoOpenPosition        = errors.New("no open position")
	ErrValidation            = errors.New("validation failed")
)

// ValidationError reports the first PositionRecord field that broke an
// invariant. It matches ErrValidation under errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TradeKind names the side a sizing decision was made for.
type TradeKind string

const (
	TradeBuy  TradeKind = "buy"
	TradeSell TradeKind = "sell"
)

// InsufficientResourcesError is returned under the halt policy when the
// computed order quantity is not positive.
type InsufficientResourcesError struct {
	Kind TradeKind
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf("insufficient resources to %s", e.Kind)
}

func (e *InsufficientResourcesError) Is(target error) bool {
	return target == ErrInsufficientResources
}

// ExecutionError wraps any failure raised while the ledger was submitting or
// finalizing a position.
type ExecutionError struct {
	PositionID *int64
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.PositionID == nil {
		return fmt.Sprintf("execute position <unsaved>: %v", e.Err)
	}
	return fmt.Sprintf("execute position %d: %v", *e.PositionID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// OrderPlacementError wraps a ledger failure seen by the order gateway.
type OrderPlacementError struct {
	Action Action
	Err    error
}

func (e *OrderPlacementError) Error() string {
	return fmt.Sprintf("place %s order: %v", e.Action, e.Err)
}

func (e *OrderPlacementError) Unwrap() error { return e.Err }
