package schema

import (
	"context"
	"errors"
	"strings"
	"testing"

	orm "github.com/medatechnology/putralib"
	"github.com/medatechnology/putralib/memory"
)

func TestDDL(t *testing.T) {
	for _, d := range []Dialect{DialectPostgres, DialectSQLite} {
		statements, err := DDL(d)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", d, err)
		}
		if len(statements) != 8 {
			t.Errorf("%s: Expected 8 statements, got %d", d, len(statements))
		}
		for _, table := range []string{TableProfiles, TableAccounts, TableBooks, TableBorrowRequests, TableFavorites, TableRatings} {
			found := false
			for _, s := range statements {
				if strings.HasPrefix(s, "CREATE TABLE IF NOT EXISTS "+table+" (") {
					found = true
				}
			}
			if !found {
				t.Errorf("%s: Expected table %s in DDL", d, table)
			}
		}
		for _, s := range statements {
			if strings.Contains(s, "--") || strings.HasSuffix(s, ";") {
				t.Errorf("%s: Expected clean statement, got %q", d, s)
			}
		}
	}

	sqlite, _ := DDL(DialectSQLite)
	if strings.Contains(strings.Join(sqlite, " "), "TIMESTAMPTZ") {
		t.Errorf("Expected no postgres types in sqlite DDL")
	}
}

func TestDDLUnknownDialect(t *testing.T) {
	if _, err := DDL("mysql"); !errors.Is(err, orm.ErrNotSupported) {
		t.Errorf("Expected ErrNotSupported, got %v", err)
	}
}

func TestApply(t *testing.T) {
	if err := Apply(context.Background(), memory.New(), DialectSQLite); err != nil {
		t.Errorf("Expected apply to succeed, got %v", err)
	}
}

func TestUniqueKeysMatchDDL(t *testing.T) {
	statements, _ := DDL(DialectPostgres)
	all := strings.Join(strings.Fields(strings.Join(statements, " ")), " ")
	for table, sets := range UniqueKeys() {
		for _, cols := range sets {
			if len(cols) == 1 {
				if !strings.Contains(all, cols[0]+" TEXT NOT NULL UNIQUE") {
					t.Errorf("Expected %s.%s to be unique in DDL", table, cols[0])
				}
				continue
			}
			if !strings.Contains(all, "UNIQUE ("+strings.Join(cols, ", ")+")") {
				t.Errorf("Expected UNIQUE (%s) on %s", strings.Join(cols, ", "), table)
			}
		}
	}
}
