package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/medatechnology/goutil/medaerror"
	orm "github.com/medatechnology/putralib"
)

// PostgreSQL error codes we act on.
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	ErrCodeUniqueViolation     = "23505"
	ErrCodeForeignKeyViolation = "23503"
	ErrCodeNotNullViolation    = "23502"
	ErrCodeCheckViolation      = "23514"

	ErrCodeUndefinedTable  = "42P01"
	ErrCodeUndefinedColumn = "42703"

	ErrCodeConnectionException    = "08000"
	ErrCodeConnectionFailure      = "08006"
	ErrCodeSQLClientCannotConnect = "08001"
	ErrCodeCannotConnectNow       = "57P03"

	ErrCodeDeadlockDetected     = "40P01"
	ErrCodeSerializationFailure = "40001"
)

var (
	ErrPostgresInvalidDSN       medaerror.MedaError = medaerror.MedaError{Message: "invalid PostgreSQL DSN connection string"}
	ErrPostgresConnectionFailed medaerror.MedaError = medaerror.MedaError{Message: "failed to connect to PostgreSQL database"}
	ErrPostgresInvalidConfig    medaerror.MedaError = medaerror.MedaError{Message: "invalid PostgreSQL configuration"}
)

// PostgreSQLError wraps PostgreSQL-specific errors with additional context
type PostgreSQLError struct {
	Operation string // INSERT, SELECT, UPDATE, DELETE, EXEC
	Table     string
	Code      string
	Message   string
	Detail    string
	Err       error
}

// Error implements the error interface
func (e *PostgreSQLError) Error() string {
	var parts []string
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("operation=%s", e.Operation))
	}
	if e.Table != "" {
		parts = append(parts, fmt.Sprintf("table=%s", e.Table))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	msg := e.Message
	if len(parts) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(parts, ", "))
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s - Detail: %s", msg, e.Detail)
	}
	return msg
}

// Unwrap exposes both the driver error and, for unique violations,
// orm.ErrUniqueViolation so services can match it with errors.Is.
func (e *PostgreSQLError) Unwrap() []error {
	if e.Code == ErrCodeUniqueViolation {
		return []error{orm.ErrUniqueViolation, e.Err}
	}
	return []error{e.Err}
}

// WrapPostgreSQLError wraps a driver error with the operation and table.
func WrapPostgreSQLError(err error, operation, table string) error {
	if err == nil {
		return nil
	}

	pgErr := &PostgreSQLError{
		Operation: operation,
		Table:     table,
		Message:   err.Error(),
		Err:       err,
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		pgErr.Code = string(pqErr.Code)
		pgErr.Message = pqErr.Message
		pgErr.Detail = pqErr.Detail
	}
	return pgErr
}

// IsUniqueViolation checks if the error is a unique constraint violation
func IsUniqueViolation(err error) bool {
	return hasPostgreSQLErrorCode(err, ErrCodeUniqueViolation)
}

// IsConstraintViolation checks if the error is any integrity constraint violation
func IsConstraintViolation(err error) bool {
	return IsUniqueViolation(err) ||
		hasPostgreSQLErrorCode(err, ErrCodeForeignKeyViolation) ||
		hasPostgreSQLErrorCode(err, ErrCodeNotNullViolation) ||
		hasPostgreSQLErrorCode(err, ErrCodeCheckViolation)
}

// IsUndefinedTable reports a missing table, typically before migrate has run.
func IsUndefinedTable(err error) bool {
	return hasPostgreSQLErrorCode(err, ErrCodeUndefinedTable)
}

// IsConnectionError checks if the error is related to database connection
func IsConnectionError(err error) bool {
	return hasPostgreSQLErrorCode(err, ErrCodeConnectionException) ||
		hasPostgreSQLErrorCode(err, ErrCodeConnectionFailure) ||
		hasPostgreSQLErrorCode(err, ErrCodeSQLClientCannotConnect) ||
		hasPostgreSQLErrorCode(err, ErrCodeCannotConnectNow)
}

// IsRetryable checks if the error is transient and the operation can be retried
func IsRetryable(err error) bool {
	return hasPostgreSQLErrorCode(err, ErrCodeDeadlockDetected) ||
		hasPostgreSQLErrorCode(err, ErrCodeSerializationFailure) ||
		IsConnectionError(err)
}

func hasPostgreSQLErrorCode(err error, code string) bool {
	return GetPostgreSQLErrorCode(err) == code && code != ""
}

// GetPostgreSQLErrorCode extracts the PostgreSQL error code from an error
func GetPostgreSQLErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var pgErr *PostgreSQLError
	if errors.As(err, &pgErr) && pgErr.Code != "" {
		return pgErr.Code
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}
