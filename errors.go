package orm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorContext provides additional context for errors
type ErrorContext struct {
	Operation string                 // The operation that failed (e.g., "SELECT", "INSERT")
	Table     string                 // The table involved (if applicable)
	Query     string                 // The SQL query or request path (if applicable)
	Fields    map[string]interface{} // Additional context fields
}

// ORMError wraps an error with additional context
type ORMError struct {
	Err     error
	Context ErrorContext
}

// Error implements the error interface
func (e *ORMError) Error() string {
	msg := e.Err.Error()

	var parts []string
	if e.Context.Operation != "" {
		parts = append(parts, fmt.Sprintf("operation=%s", e.Context.Operation))
	}
	if e.Context.Table != "" {
		parts = append(parts, fmt.Sprintf("table=%s", e.Context.Table))
	}

	if len(parts) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(parts, ", "))
	}

	return msg
}

// Unwrap returns the underlying error
func (e *ORMError) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with context information
func WrapError(err error, operation, table string) error {
	if err == nil {
		return nil
	}

	return &ORMError{
		Err: err,
		Context: ErrorContext{
			Operation: operation,
			Table:     table,
		},
	}
}

// WrapErrorWithQuery wraps an error with context including the SQL query
func WrapErrorWithQuery(err error, operation, table, query string) error {
	if err == nil {
		return nil
	}

	return &ORMError{
		Err: err,
		Context: ErrorContext{
			Operation: operation,
			Table:     table,
			Query:     query,
		},
	}
}

// IsORMError checks if an error is (or wraps) an ORMError
func IsORMError(err error) bool {
	var ormErr *ORMError
	return errors.As(err, &ormErr)
}

// GetErrorContext extracts the error context if the error is an ORMError
func GetErrorContext(err error) (ErrorContext, bool) {
	var ormErr *ORMError
	if errors.As(err, &ormErr) {
		return ormErr.Context, true
	}
	return ErrorContext{}, false
}

// Common error wrapping helpers for specific operations

// WrapSelectError wraps a SELECT operation error
func WrapSelectError(err error, table string) error {
	return WrapError(err, "SELECT", table)
}

// WrapInsertError wraps an INSERT operation error
func WrapInsertError(err error, table string) error {
	return WrapError(err, "INSERT", table)
}

// WrapUpdateError wraps an UPDATE operation error
func WrapUpdateError(err error, table string) error {
	return WrapError(err, "UPDATE", table)
}

// WrapDeleteError wraps a DELETE operation error
func WrapDeleteError(err error, table string) error {
	return WrapError(err, "DELETE", table)
}

// WrapConnectionError wraps a connection-related error
func WrapConnectionError(err error) error {
	return WrapError(err, "CONNECT", "")
}

// FormatError formats an error for logging with all available context
func FormatError(err error) string {
	if err == nil {
		return "no error"
	}

	var ormErr *ORMError
	if errors.As(err, &ormErr) {
		var parts []string
		parts = append(parts, fmt.Sprintf("Error: %s", ormErr.Err.Error()))

		if ormErr.Context.Operation != "" {
			parts = append(parts, fmt.Sprintf("Operation: %s", ormErr.Context.Operation))
		}
		if ormErr.Context.Table != "" {
			parts = append(parts, fmt.Sprintf("Table: %s", ormErr.Context.Table))
		}
		if ormErr.Context.Query != "" {
			parts = append(parts, fmt.Sprintf("Query: %s", ormErr.Context.Query))
		}
		if len(ormErr.Context.Fields) > 0 {
			parts = append(parts, fmt.Sprintf("Fields: %v", ormErr.Context.Fields))
		}

		return strings.Join(parts, " | ")
	}

	return err.Error()
}

// LogErrorWithContext logs an error with the given logger, adding the
// ORMError context (operation, table, query) when present.
func LogErrorWithContext(logger Logger, err error, fields ...Field) {
	if err == nil {
		return
	}
	if logger == nil {
		logger = defaultLogger
	}

	logFields := make([]Field, 0, len(fields)+4)
	logFields = append(logFields, fields...)

	if ctx, ok := GetErrorContext(err); ok {
		if ctx.Operation != "" {
			logFields = append(logFields, String("operation", ctx.Operation))
		}
		if ctx.Table != "" {
			logFields = append(logFields, String("table", ctx.Table))
		}
		if ctx.Query != "" {
			logFields = append(logFields, String("query", ctx.Query))
		}
	}

	logFields = append(logFields, Error(err))

	logger.Error(err.Error(), logFields...)
}
