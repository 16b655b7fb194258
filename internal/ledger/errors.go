package ledger

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientFunds      = errors.New("insufficient wallet funds")
	ErrInsufficientBudget     = errors.New("insufficient budget")
	ErrLeadTimeViolation      = errors.New("reservation lead time not met")
	ErrInvalidSelection       = errors.New("invalid menu selection")
	ErrInvalidStateTransition = errors.New("invalid order state transition")
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")

	// ErrConflict is returned by stores when a transaction lost a
	// serialization race. The service retries it.
	ErrConflict = errors.New("concurrent update conflict")
)
