package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrUnknownAccount          = errors.New("unknown account")
	ErrUnknownEntry            = errors.New("unknown entry")
	ErrEntryNotRefundable      = errors.New("entry not refundable")
	ErrEventAlreadyProcessed   = errors.New("event already processed")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidAccountKind      = errors.New("invalid account kind")
	ErrInvalidEntryID          = errors.New("invalid entry id")
	ErrInvalidEventID          = errors.New("invalid event id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidAmountCredits    = errors.New("invalid amount credits")
	ErrInvalidDeltaCredits     = errors.New("invalid delta credits")
	ErrInvalidEntryReason      = errors.New("invalid entry reason")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidBalance          = errors.New("invalid balance")
)

// InsufficientBalanceError carries the balance snapshot a caller needs to
// present a top-up prompt instead of a generic failure.
type InsufficientBalanceError struct {
	CurrentCredits   int64
	RequestedCredits int64
}

// Error returns the formatted error message.
func (balanceError InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%v: have %d, need %d", ErrInsufficientBalance, balanceError.CurrentCredits, balanceError.RequestedCredits)
}

// Unwrap lets errors.Is match ErrInsufficientBalance.
func (balanceError InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
