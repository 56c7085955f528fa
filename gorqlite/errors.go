package gorqlite

import (
	"errors"
	"fmt"
	"strings"

	"github.com/medatechnology/goutil/medaerror"
	orm "github.com/medatechnology/putralib"
)

// Messages SQLite puts in rqlite's per-statement "error" field.
const (
	ErrMsgUniqueConstraint     = "UNIQUE constraint failed"
	ErrMsgPrimaryKeyConstraint = "PRIMARY KEY constraint failed"
	ErrMsgNotNullConstraint    = "NOT NULL constraint failed"
	ErrMsgForeignKeyConstraint = "FOREIGN KEY constraint failed"
	ErrMsgCheckConstraint      = "CHECK constraint failed"
	ErrMsgDatabaseLocked       = "database is locked"
	ErrMsgNoSuchTable          = "no such table"
)

var (
	ErrRQLiteInvalidConfig    medaerror.MedaError = medaerror.MedaError{Message: "invalid RQLite configuration"}
	ErrRQLiteConnectionFailed medaerror.MedaError = medaerror.MedaError{Message: "failed to connect to RQLite server"}
)

// RQLiteError wraps gorqlite errors with the operation and table.
type RQLiteError struct {
	Operation string
	Table     string
	Message   string
	Err       error
}

// Error implements the error interface
func (e *RQLiteError) Error() string {
	var parts []string
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("operation=%s", e.Operation))
	}
	if e.Table != "" {
		parts = append(parts, fmt.Sprintf("table=%s", e.Table))
	}
	if len(parts) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s [%s]", e.Message, strings.Join(parts, ", "))
}

// Unwrap exposes orm.ErrUniqueViolation for UNIQUE and PRIMARY KEY failures.
func (e *RQLiteError) Unwrap() []error {
	if containsErrorMessage(e.Err, ErrMsgUniqueConstraint) || containsErrorMessage(e.Err, ErrMsgPrimaryKeyConstraint) {
		return []error{orm.ErrUniqueViolation, e.Err}
	}
	return []error{e.Err}
}

// WrapRQLiteError wraps an error with RQLite-specific context
func WrapRQLiteError(err error, operation, table string) error {
	if err == nil {
		return nil
	}
	return &RQLiteError{
		Operation: operation,
		Table:     table,
		Message:   err.Error(),
		Err:       err,
	}
}

// IsUniqueViolation checks if the error is a UNIQUE constraint violation
func IsUniqueViolation(err error) bool {
	return errors.Is(err, orm.ErrUniqueViolation) || containsErrorMessage(err, ErrMsgUniqueConstraint)
}

// IsConstraintViolation checks if the error is any type of constraint violation
func IsConstraintViolation(err error) bool {
	return IsUniqueViolation(err) ||
		containsErrorMessage(err, ErrMsgPrimaryKeyConstraint) ||
		containsErrorMessage(err, ErrMsgNotNullConstraint) ||
		containsErrorMessage(err, ErrMsgForeignKeyConstraint) ||
		containsErrorMessage(err, ErrMsgCheckConstraint)
}

// IsTableNotFound checks if the error is due to a non-existent table
func IsTableNotFound(err error) bool {
	return containsErrorMessage(err, ErrMsgNoSuchTable)
}

// IsConnectionError checks if the error is related to connection failure
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "no such host") ||
		strings.Contains(errMsg, "i/o timeout")
}

// IsRetryable checks if the error is transient and the operation can be retried
func IsRetryable(err error) bool {
	return containsErrorMessage(err, ErrMsgDatabaseLocked) || IsConnectionError(err)
}

func containsErrorMessage(err error, msg string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), strings.ToLower(msg))
}
