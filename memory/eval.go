package memory

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	orm "github.com/medatechnology/putralib"
)

// matches evaluates a condition tree against a stored row.
func matches(row map[string]interface{}, c *orm.Condition) (bool, error) {
	if c == nil {
		return true, nil
	}
	if c.Field != "" {
		if err := orm.ValidateIdentifier(c.Field); err != nil {
			return false, err
		}
		return matchField(row[unqualified(c.Field)], c)
	}

	logic, err := c.NormalizedLogic()
	if err != nil {
		return false, err
	}
	evaluated := false
	for i := range c.Nested {
		if c.Nested[i].IsEmpty() {
			continue
		}
		evaluated = true
		ok, err := matches(row, &c.Nested[i])
		if err != nil {
			return false, err
		}
		if logic == "OR" && ok {
			return true, nil
		}
		if logic == "AND" && !ok {
			return false, nil
		}
	}
	if logic == "OR" && evaluated {
		return false, nil
	}
	return true, nil
}

func matchField(value interface{}, c *orm.Condition) (bool, error) {
	op := c.NormalizedOperator()
	switch op {
	case orm.OpIsNull:
		return value == nil, nil
	case orm.OpIsNotNull:
		return value != nil, nil
	case orm.OpIn, "NOT IN":
		found := false
		for _, v := range orm.ValuesOf(c.Value) {
			if equalValues(value, v) {
				found = true
				break
			}
		}
		return found == (op == orm.OpIn), nil
	case orm.OpLike, orm.OpILike:
		pattern, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("%w: %s needs a string pattern", orm.ErrInvalidOperator, op)
		}
		if value == nil {
			return false, nil
		}
		re, err := likeRegexp(pattern, op == orm.OpILike)
		if err != nil {
			return false, err
		}
		return re.MatchString(fmt.Sprintf("%v", value)), nil
	}

	// SQL comparison with NULL is never true
	if value == nil {
		return false, nil
	}
	switch op {
	case orm.OpEqual:
		return equalValues(value, c.Value), nil
	case orm.OpNotEqual:
		return !equalValues(value, c.Value), nil
	case orm.OpLess, orm.OpLessEqual, orm.OpGreater, orm.OpGreaterEqual:
		cmp, ok := compareValues(value, c.Value)
		if !ok {
			return false, nil
		}
		switch op {
		case orm.OpLess:
			return cmp < 0, nil
		case orm.OpLessEqual:
			return cmp <= 0, nil
		case orm.OpGreater:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	}
	return false, fmt.Errorf("%w: %s", orm.ErrInvalidOperator, c.Operator)
}

func equalValues(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	cmp, ok := compareValues(a, b)
	return ok && cmp == 0
}

// compareValues orders numbers numerically, times chronologically, booleans
// false before true and everything else by its string form.
func compareValues(a, b interface{}) (int, bool) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Compare(tb), true
		}
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case ba == bb:
			return 0, true
		case !ba:
			return -1, true
		}
		return 1, true
	}
	return strings.Compare(toString(a), toString(b)), true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case time.Time:
		return s.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%v", v)
}

// likeRegexp converts a SQL LIKE pattern (% and _, \ escapes the next
// character) into an anchored regexp.
func likeRegexp(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	var b strings.Builder
	if caseInsensitive {
		b.WriteString("(?is)")
	} else {
		b.WriteString("(?s)")
	}
	b.WriteString("^")
	escaped := false
	for _, r := range pattern {
		if escaped {
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// unqualified strips a "table." prefix; rows are keyed by bare column names.
func unqualified(field string) string {
	if i := strings.LastIndex(field, "."); i >= 0 {
		return field[i+1:]
	}
	return field
}
