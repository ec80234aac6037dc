package domain

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")

	// Broker call outcomes.
	ErrInvalidContract = errors.New("invalid contract")
	ErrRejected        = errors.New("order rejected by broker")
	ErrDuplicateOrder  = errors.New("duplicate client order id")
	ErrTimeout         = errors.New("broker call timed out")
	ErrConnection      = errors.New("broker connection lost")

	// Safety gates.
	ErrHalted        = errors.New("circuit breaker open")
	ErrSymbolHalted  = errors.New("symbol halted after failed mitigation")
	ErrPositionBusy  = errors.New("position has an operation in flight")
	ErrPositionState = errors.New("position not in a state that allows this operation")

	// Position outcomes.
	ErrPositionBroken      = errors.New("position broken")
	ErrInvariantViolated   = errors.New("position leg invariant violated")
	ErrFillTimeout         = errors.New("order not filled before timeout")
	ErrPartialFill         = errors.New("order partially filled")
	ErrVersionConflict     = errors.New("stale position version")
	ErrTerminalItem        = errors.New("queue item already terminal")
	ErrRetriesExhausted    = errors.New("retries exhausted")
	ErrEmergencyIncomplete = errors.New("emergency close left legs open")
	ErrOrderUnresolved     = errors.New("order state at broker unresolved")
)

// Classify maps a broker or queue error onto the failure class that drives
// retry decisions. Unknown errors are treated as transient.
func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrHalted):
		return FailureHalted
	case errors.Is(err, ErrRetriesExhausted):
		return FailureExhausted
	case errors.Is(err, ErrInvalidOrder),
		errors.Is(err, ErrInvalidContract),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrRejected):
		return FailureTerminal
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrConnection),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded):
		return FailureTransient
	default:
		return FailureTransient
	}
}
