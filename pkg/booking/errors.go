package booking

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the booking service.
var (
	ErrInvalidAmount      = errors.New("invalid credit amount")
	ErrDuplicateBooking   = errors.New("duplicate active booking")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrCourseFull         = errors.New("course full")
	ErrCourseNotFound     = errors.New("course not found")
	ErrBookingNotFound    = errors.New("booking not found")
	ErrAlreadyCancelled   = errors.New("booking already cancelled")
	ErrDuplicateGrant     = errors.New("duplicate credit grant")
	ErrStoreUnavailable   = errors.New("store unavailable")

	ErrInvalidUserID         = errors.New("invalid user id")
	ErrInvalidCourseID       = errors.New("invalid course id")
	ErrInvalidCourseSnapshot = errors.New("invalid course snapshot")
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")
	ErrInvalidMetadataJSON   = errors.New("invalid metadata json")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
)

// IsRetryable reports whether the caller may retry the failed operation.
// Only store unavailability is retryable; every other failure is a
// business-rule rejection and must not be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
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
