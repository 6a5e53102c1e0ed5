package service

import (
	"errors"
	"fmt"

	"genpay/internal/repository"
)

var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrContractViolation   = errors.New("contract violation")
	ErrLockContention      = errors.New("singleton lock held by another instance")
	ErrSubmitBusy          = errors.New("another submit for this user is in progress, retry later")
	ErrNotRefundable       = errors.New("reservation is not refundable")
	ErrJobNotFound         = repository.ErrJobNotFound
	ErrReservationNotFound = repository.ErrReservationNotFound
)

// ValidationError is bad input. Nothing was written when it is returned.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func newValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
