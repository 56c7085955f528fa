package orm

import (
	"errors"
	"strings"
	"testing"
)

func TestFormatError(t *testing.T) {
	if got := FormatError(nil); got != "no error" {
		t.Errorf("Expected \"no error\", got %q", got)
	}
	if got := FormatError(errors.New("boom")); got != "boom" {
		t.Errorf("Expected plain message, got %q", got)
	}

	err := WrapErrorWithQuery(ErrSQLNoRows, "SELECT", "books", "SELECT * FROM books WHERE (id = ?)")
	got := FormatError(err)
	for _, want := range []string{"Operation: SELECT", "Table: books", "Query: SELECT * FROM books"} {
		if !strings.Contains(got, want) {
			t.Errorf("Expected %q in %q", want, got)
		}
	}
	if !errors.Is(err, ErrSQLNoRows) {
		t.Errorf("Expected wrapped error to match ErrSQLNoRows")
	}
}
