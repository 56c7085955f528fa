package orm

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	tableNamePattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
)

// ValidateTableName rejects anything that is not a plain table name.
// Table and column names are interpolated into SQL, values never are.
func ValidateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("%w: table %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// ValidateIdentifier accepts "column" or "table.column".
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// ParseOrderBy splits "field", "field ASC" or "field DESC".
func ParseOrderBy(entry string) (field string, desc bool, err error) {
	parts := strings.Fields(entry)
	switch len(parts) {
	case 1:
	case 2:
		switch strings.ToUpper(parts[1]) {
		case "ASC":
		case "DESC":
			desc = true
		default:
			return "", false, fmt.Errorf("%w: order %q", ErrInvalidIdentifier, entry)
		}
	default:
		return "", false, fmt.Errorf("%w: order %q", ErrInvalidIdentifier, entry)
	}
	if err := ValidateIdentifier(parts[0]); err != nil {
		return "", false, err
	}
	return parts[0], desc, nil
}
