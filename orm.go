// Package orm is the store contract used by every PutraLib component.
//
// A backend (memory, postgres, gorqlite, supabase) exposes rows as DBRecord
// maps and accepts filters as a Condition tree, so the borrow lifecycle never
// sees SQL or HTTP. Writes are always scoped by a Condition: an UPDATE or
// DELETE without one is refused with ErrMissingCondition.
package orm

import "context"

type Database interface {
	// Reads. SelectOne returns ErrSQLNoRows when nothing matches,
	// SelectMany returns an empty slice instead.
	SelectOneWithCondition(context.Context, string, *Condition) (DBRecord, error)
	SelectManyWithCondition(context.Context, string, *Condition) (DBRecords, error)

	// InsertOneDBRecord returns the row as stored, including columns
	// filled in by the backend (defaults, generated ids).
	InsertOneDBRecord(context.Context, DBRecord) (DBRecord, error)
	InsertManyDBRecordsSameTable(context.Context, DBRecords) ([]BasicSQLResult, error)

	// UpdateWithCondition applies patch to every row matching the condition.
	// RowsAffected is what compare-and-swap callers check.
	UpdateWithCondition(context.Context, string, map[string]interface{}, *Condition) BasicSQLResult
	DeleteWithCondition(context.Context, string, *Condition) BasicSQLResult

	// Raw statements, used for schema setup only
	ExecManySQL(context.Context, []string) ([]BasicSQLResult, error)

	// Status and Health check
	Status(context.Context) (NodeStatusStruct, error)
	IsConnected() bool
	Close() error
}
