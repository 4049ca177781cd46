package engine

import (
	"errors"
	"fmt"
)

// Gate failures, in the order they are checked.
var (
	ErrWalletNotConnected     = errors.New("engine: wallet not connected")
	ErrWrongNetwork           = errors.New("engine: wrong network selected")
	ErrStepNotCurrent         = errors.New("engine: step is not the current step")
	ErrPreviousStepUnresolved = errors.New("engine: previous step has not succeeded")
	ErrContractMissing        = errors.New("engine: no contract yet")
	ErrStepInFlight           = errors.New("engine: step already has a transaction in flight")
	ErrRoleNotPermitted       = errors.New("engine: action not permitted for the active role")
)

var (
	ErrUnknownStep       = errors.New("engine: unknown step")
	ErrUnknownAction     = errors.New("engine: unknown action")
	ErrInvalidRole       = errors.New("engine: invalid role")
	ErrInvalidDefinition = errors.New("engine: invalid demo definition")
	ErrSessionClosed     = errors.New("engine: session closed")
	ErrSessionReset      = errors.New("engine: session was reset while the action ran")
	ErrTxNotFound        = errors.New("engine: transaction not found")
)

// BlockedError reports which gate predicate stopped an action.
type BlockedError struct {
	StepID   string
	ActionID string
	Reason   error
}

func (e *BlockedError) Error() string {
	if e.ActionID != "" {
		return fmt.Sprintf("action %s/%s blocked: %v", e.StepID, e.ActionID, e.Reason)
	}
	return fmt.Sprintf("step %s blocked: %v", e.StepID, e.Reason)
}

func (e *BlockedError) Unwrap() error { return e.Reason }

// ReasonCode is a short stable code for a gate failure, used in metrics and
// API responses.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrWalletNotConnected):
		return "wallet_not_connected"
	case errors.Is(err, ErrWrongNetwork):
		return "wrong_network"
	case errors.Is(err, ErrStepNotCurrent):
		return "step_not_current"
	case errors.Is(err, ErrPreviousStepUnresolved):
		return "previous_step_unresolved"
	case errors.Is(err, ErrContractMissing):
		return "contract_missing"
	case errors.Is(err, ErrStepInFlight):
		return "step_in_flight"
	case errors.Is(err, ErrRoleNotPermitted):
		return "role_not_permitted"
	default:
		return "unknown"
	}
}
