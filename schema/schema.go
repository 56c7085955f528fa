// Package schema holds the table names and DDL shared by every backend.
package schema

import (
	"context"
	"embed"
	"fmt"
	"strings"

	orm "github.com/medatechnology/putralib"
)

const (
	TableBooks          = "books"
	TableBorrowRequests = "borrow_requests"
	TableProfiles       = "profiles"
	TableFavorites      = "favorites"
	TableRatings        = "ratings"
	TableAccounts       = "accounts"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

//go:embed sql/*.sql
var files embed.FS

// DDL returns the schema statements for a dialect, one per element.
func DDL(d Dialect) ([]string, error) {
	var name string
	switch d {
	case DialectPostgres:
		name = "sql/postgres.sql"
	case DialectSQLite:
		name = "sql/sqlite.sql"
	default:
		return nil, fmt.Errorf("%w: dialect %q", orm.ErrNotSupported, d)
	}
	raw, err := files.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return orm.ConvertSQLCommands(strings.Split(string(raw), "\n")), nil
}

// Apply creates the tables. Statements are idempotent.
func Apply(ctx context.Context, db orm.Database, d Dialect) error {
	statements, err := DDL(d)
	if err != nil {
		return err
	}
	results, err := db.ExecManySQL(ctx, statements)
	if err != nil {
		return fmt.Errorf("apply %s schema: %w", d, err)
	}
	if _, err := orm.TotalRowsAffected(results); err != nil {
		return fmt.Errorf("apply %s schema: %w", d, err)
	}
	return nil
}

// UniqueKeys mirrors the UNIQUE constraints of the DDL, for stores that
// enforce them in Go.
func UniqueKeys() map[string][][]string {
	return map[string][][]string{
		TableAccounts:  {{"email"}},
		TableFavorites: {{"user_id", "book_id"}},
		TableRatings:   {{"user_id", "book_id"}},
	}
}
