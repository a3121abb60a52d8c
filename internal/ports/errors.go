package ports

import (
	"errors"
	"fmt"
)

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these so callers can use errors.Is.
var (
	// General Errors
	ErrUnknown         = errors.New("unknown error occurred")
	ErrInvalidRequest  = errors.New("invalid request parameters or format")
	ErrNotFound        = errors.New("resource not found")
	ErrTimeout         = errors.New("operation timed out")
	ErrContextCanceled = errors.New("operation canceled via context")

	// Trading outcome taxonomy
	ErrValidation           = errors.New("validation failed")
	ErrRiskRejected         = errors.New("rejected by risk gate")
	ErrExchange             = errors.New("exchange call failed")
	ErrInvalidState         = errors.New("operation not valid for trade status")
	ErrPersistence          = errors.New("ledger operation failed")
	ErrUnprotectedPosition  = errors.New("position is open without full bracket protection")
	ErrConfirmationRequired = errors.New("trading mode requires operator confirmation")

	// Exchange Specific Errors
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")
	ErrNoFills              = errors.New("order returned no fills")
	ErrSymbolNotFound       = errors.New("symbol not listed on the exchange")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
)

// RiskRejectedError is returned when the risk gate denies a trade. It unwraps
// to ErrRiskRejected.
type RiskRejectedError struct {
	Check   string
	Reason  string
	Details map[string]interface{}
}

func (e *RiskRejectedError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrRiskRejected.Error(), e.Reason, e.Check)
}

func (e *RiskRejectedError) Unwrap() error { return ErrRiskRejected }

// Validationf builds an ErrValidation with a formatted detail.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
