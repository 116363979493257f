package marketplace

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the marketplace service.
var (
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrNotAuthorized       = errors.New("not authorized")
	ErrJobNotFound         = errors.New("job not found")
	ErrApplicationNotFound = errors.New("application not found")
	ErrJobStateConflict    = errors.New("operation invalid for current job status")
	ErrAlreadyApplied      = errors.New("already applied to this job")
	ErrOwnJobApplication   = errors.New("cannot apply to own job")
	ErrApplicationClosed   = errors.New("application already accepted or rejected")
	ErrApplicationLimit    = errors.New("application limit reached")
	ErrJobAlreadySettled   = errors.New("job already confirmed and settled")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrWalletConflict      = errors.New("wallet balance changed concurrently")
	ErrBalanceMismatch     = errors.New("wallet balance verification mismatch")

	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidJobID             = errors.New("invalid job id")
	ErrInvalidApplicationID     = errors.New("invalid application id")
	ErrInvalidAmountCents       = errors.New("invalid amount cents")
	ErrInvalidCurrency          = errors.New("invalid currency")
	ErrInvalidJobSpec           = errors.New("invalid job spec")
	ErrInvalidJobStatus         = errors.New("invalid job status")
	ErrInvalidApplicationStatus = errors.New("invalid application status")
	ErrInvalidEarningsPeriod    = errors.New("invalid earnings period")
	ErrInvalidEventPayload      = errors.New("invalid event payload")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

// validationErrors lists the sentinels that classify as malformed input.
var validationErrors = []error{
	ErrInvalidUserID,
	ErrInvalidJobID,
	ErrInvalidApplicationID,
	ErrInvalidAmountCents,
	ErrInvalidCurrency,
	ErrInvalidJobSpec,
	ErrInvalidJobStatus,
	ErrInvalidApplicationStatus,
	ErrInvalidEarningsPeriod,
	ErrOwnJobApplication,
}

// IsValidationError reports whether err classifies as malformed input.
func IsValidationError(err error) bool {
	for _, sentinel := range validationErrors {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
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
