package borrow

import (
	"errors"
	"fmt"

	"github.com/medatechnology/goutil/medaerror"
)

var (
	ErrAlreadyReviewed  medaerror.MedaError = medaerror.MedaError{Message: "book already reviewed by this user"}
	ErrReviewNotAllowed medaerror.MedaError = medaerror.MedaError{Message: "only returned books can be reviewed"}
)

// ValidationError is bad input. Nothing was written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// AuthenticationError means no identity, or an identity without the
// required role or ownership (Forbidden).
type AuthenticationError struct {
	Reason    string
	Forbidden bool
}

func (e *AuthenticationError) Error() string {
	return e.Reason
}

// InvalidStateError is an operation that the request's current state
// does not allow.
type InvalidStateError struct {
	Op              string
	Status          Status
	ExtendRequested bool
	Err             error
}

func (e *InvalidStateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot %s: %v", e.Op, e.Err)
	}
	state := string(e.Status)
	if e.ExtendRequested {
		state += " (extension requested)"
	}
	return fmt.Sprintf("cannot %s a request that is %s", e.Op, state)
}

func (e *InvalidStateError) Unwrap() error { return e.Err }

// TransitionConflict means the row changed between read and conditional write.
type TransitionConflict struct {
	ID       string
	Expected State
}

func (e *TransitionConflict) Error() string {
	return fmt.Sprintf("borrow request %s is no longer %s, reload and retry", e.ID, e.Expected)
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// StoreError hides backend details. Err keeps them for logging.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("storage unavailable during %s", e.Op)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation, IsAuthentication, ... classify errors for transports.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsAuthentication(err error) bool {
	var e *AuthenticationError
	return errors.As(err, &e)
}

func IsForbidden(err error) bool {
	var e *AuthenticationError
	return errors.As(err, &e) && e.Forbidden
}

func IsInvalidState(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *TransitionConflict
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsStore(err error) bool {
	var e *StoreError
	return errors.As(err, &e)
}
