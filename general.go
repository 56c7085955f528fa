package orm

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/medatechnology/goutil/medaerror"
)

const (
	DEFAULT_PAGINATION_LIMIT     = 50
	DEFAULT_MAX_MULTIPLE_INSERTS = 100 // Maximum number of rows to insert in a single SQL statement
)

// Operators understood by every backend.
const (
	OpEqual        = "="
	OpNotEqual     = "!="
	OpLess         = "<"
	OpLessEqual    = "<="
	OpGreater      = ">"
	OpGreaterEqual = ">="
	OpLike         = "LIKE"
	OpILike        = "ILIKE"
	OpIn           = "IN"
	OpIsNull       = "IS NULL"
	OpIsNotNull    = "IS NOT NULL"
)

var (
	// Some global vars are needed so we can change this on the fly later on.
	ErrSQLNoRows         medaerror.MedaError = medaerror.MedaError{Message: "select returns no rows"}
	ErrSQLMoreThanOneRow medaerror.MedaError = medaerror.MedaError{Message: "select returns more than 1 rows"}
	ErrUniqueViolation   medaerror.MedaError = medaerror.MedaError{Message: "unique constraint violation"}
	ErrMissingCondition  medaerror.MedaError = medaerror.MedaError{Message: "update and delete require a condition"}
	ErrEmptyPatch        medaerror.MedaError = medaerror.MedaError{Message: "update requires at least one column"}
	ErrInvalidIdentifier medaerror.MedaError = medaerror.MedaError{Message: "invalid SQL identifier"}
	ErrInvalidOperator   medaerror.MedaError = medaerror.MedaError{Message: "unsupported condition operator"}
	ErrNotSupported      medaerror.MedaError = medaerror.MedaError{Message: "operation not supported by this database"}
	MAX_MULTIPLE_INSERTS int                 = DEFAULT_MAX_MULTIPLE_INSERTS
)

// mostly used for rawSQL execution, this is the return, empty if it's not applicable
// This is not for query where we return usually DBRecord or DBRecords / []DBRecord
type BasicSQLResult struct {
	Error        error
	Timing       float64
	RowsAffected int
	LastInsertID int
}

type ParametereizedSQL struct {
	Query  string        `json:"query"`
	Values []interface{} `json:"values,omitempty"`
}

// Join describes a lookup into another table whose columns are flattened
// into the result row as Prefix+column. With Table "books", On "book_id" and
// Columns ["title"], every row gets a "books_title" key (or Prefix+"title").
type Join struct {
	Table      string   `json:"table"`
	On         string   `json:"on"`                   // column on the base table
	References string   `json:"references,omitempty"` // column on the joined table, default "id"
	Columns    []string `json:"columns"`
	Prefix     string   `json:"prefix,omitempty"` // default Table + "_"
}

// KeyFor returns the key under which a joined column appears in the row.
func (j Join) KeyFor(column string) string {
	if j.Prefix != "" {
		return j.Prefix + column
	}
	return j.Table + "_" + column
}

// ReferencedColumn returns the joined table's key column.
func (j Join) ReferencedColumn() string {
	if j.References == "" {
		return "id"
	}
	return j.References
}

// Condition struct for query filtering with JSON and DB tags
// This struct is used to define conditions for filtering data in queries.
// It supports various operations like AND, OR, and nested conditions.
// Sample usage:
//
//	// Simple condition
//	condition := Condition{Field: "status", Operator: "=", Value: "pending"}
//	// Output: WHERE status = ?
//
//	// Nested condition with OR logic
//	condition := Condition{
//	  Logic: "OR",
//	  Nested: []Condition{
//	    Condition{Field: "title", Operator: "ILIKE", Value: "%go%"},
//	    Condition{Field: "author", Operator: "ILIKE", Value: "%go%"},
//	  },
//	}
//	// Output: WHERE (title ILIKE ? ESCAPE '\') OR (author ILIKE ? ESCAPE '\')
//
// A nil Value with "=" or "!=" renders as IS NULL / IS NOT NULL.
type Condition struct {
	Field    string      `json:"field,omitempty"        db:"field"`
	Operator string      `json:"operator,omitempty"     db:"operator"`
	Value    interface{} `json:"value,omitempty"        db:"value"`
	Logic    string      `json:"logic,omitempty"        db:"logic"`    // "AND" or "OR"
	Nested   []Condition `json:"nested,omitempty"       db:"nested"`   // For nested conditions
	Columns  []string    `json:"columns,omitempty"      db:"columns"`  // Projection, empty means all
	Joins    []Join      `json:"joins,omitempty"        db:"joins"`    // Joined lookups
	OrderBy  []string    `json:"order_by,omitempty"     db:"order_by"` // "field" or "field DESC"
	GroupBy  []string    `json:"group_by,omitempty"     db:"group_by"` // Fields to group by
	Limit    int         `json:"limit,omitempty"        db:"limit"`    // Limit for pagination
	Offset   int         `json:"offset,omitempty"       db:"offset"`   // Offset for pagination
}

// Eq, Neq, Lt, ... build single-field conditions.
func Eq(field string, value interface{}) Condition {
	return Condition{Field: field, Operator: OpEqual, Value: value}
}

func Neq(field string, value interface{}) Condition {
	return Condition{Field: field, Operator: OpNotEqual, Value: value}
}

func Lt(field string, value interface{}) Condition {
	return Condition{Field: field, Operator: OpLess, Value: value}
}

func Lte(field string, value interface{}) Condition {
	return Condition{Field: field, Operator: OpLessEqual, Value: value}
}

func Gt(field string, value interface{}) Condition {
	return Condition{Field: field, Operator: OpGreater, Value: value}
}

func Gte(field string, value interface{}) Condition {
	return Condition{Field: field, Operator: OpGreaterEqual, Value: value}
}

func ILike(field, pattern string) Condition {
	return Condition{Field: field, Operator: OpILike, Value: pattern}
}

// EscapeLike backslash-escapes %, _ and \ so s matches literally inside a
// LIKE pattern. Every backend treats \ as the LIKE escape character.
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func In(field string, values ...interface{}) Condition {
	return Condition{Field: field, Operator: OpIn, Value: values}
}

func IsNull(field string) Condition {
	return Condition{Field: field, Operator: OpIsNull}
}

// Where groups conditions with AND and returns a condition ready to be
// decorated with ordering, joins or paging.
func Where(conditions ...Condition) *Condition {
	return &Condition{Logic: "AND", Nested: conditions}
}

// AnyOf groups conditions with OR, for nesting inside Where.
func AnyOf(conditions ...Condition) Condition {
	return Condition{Logic: "OR", Nested: conditions}
}

// Select sets the projected columns.
func (c *Condition) Select(columns ...string) *Condition {
	c.Columns = columns
	return c
}

// Join adds a joined lookup.
func (c *Condition) Join(j Join) *Condition {
	c.Joins = append(c.Joins, j)
	return c
}

// Order appends ORDER BY entries such as "title" or "created_at DESC".
func (c *Condition) Order(fields ...string) *Condition {
	c.OrderBy = append(c.OrderBy, fields...)
	return c
}

// Page sets LIMIT and OFFSET.
func (c *Condition) Page(limit, offset int) *Condition {
	c.Limit = limit
	c.Offset = offset
	return c
}

// IsEmpty reports whether the condition filters nothing.
func (c *Condition) IsEmpty() bool {
	if c == nil {
		return true
	}
	if c.Field != "" {
		return false
	}
	for i := range c.Nested {
		if !c.Nested[i].IsEmpty() {
			return false
		}
	}
	return true
}

// NormalizedOperator returns the upper-cased operator, mapping a nil value
// compared with = or != to IS NULL / IS NOT NULL.
func (c *Condition) NormalizedOperator() string {
	op := strings.ToUpper(strings.TrimSpace(c.Operator))
	if op == "" {
		op = OpEqual
	}
	if op == "<>" {
		op = OpNotEqual
	}
	if c.Value == nil {
		switch op {
		case OpEqual:
			return OpIsNull
		case OpNotEqual:
			return OpIsNotNull
		}
	}
	return op
}

// NormalizedLogic returns "AND" or "OR".
func (c *Condition) NormalizedLogic() (string, error) {
	logic := strings.ToUpper(strings.TrimSpace(c.Logic))
	switch logic {
	case "", "AND":
		return "AND", nil
	case "OR":
		return "OR", nil
	}
	return "", fmt.Errorf("%w: logic %q", ErrInvalidOperator, c.Logic)
}

// ToWhereString converts a Condition struct into a WHERE clause string and parameter values.
// It handles nested conditions recursively and supports both AND/OR logic.
// Placeholders are always "?"; backends rebind them to their own style.
func (c *Condition) ToWhereString() (string, []interface{}, error) {
	return c.buildWhere(func(f string) string { return f })
}

func (c *Condition) buildWhere(qualify func(string) string) (string, []interface{}, error) {
	if c.Field != "" {
		if err := ValidateIdentifier(c.Field); err != nil {
			return "", nil, err
		}
		field := qualify(c.Field)
		op := c.NormalizedOperator()
		switch op {
		case OpIsNull, OpIsNotNull:
			return field + " " + op, nil, nil
		case OpIn, "NOT IN":
			values := ValuesOf(c.Value)
			if len(values) == 0 {
				if op == OpIn {
					return "1 = 0", nil, nil
				}
				return "1 = 1", nil, nil
			}
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
			return fmt.Sprintf("%s %s (%s)", field, op, placeholders), values, nil
		case OpLike, OpILike:
			return fmt.Sprintf(`%s %s ? ESCAPE '\'`, field, op), []interface{}{c.Value}, nil
		case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
			return fmt.Sprintf("%s %s ?", field, op), []interface{}{c.Value}, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrInvalidOperator, c.Operator)
	}

	logic, err := c.NormalizedLogic()
	if err != nil {
		return "", nil, err
	}
	var clauses []string
	var args []interface{}
	for i := range c.Nested {
		sub, subArgs, err := c.Nested[i].buildWhere(qualify)
		if err != nil {
			return "", nil, err
		}
		if sub == "" {
			continue
		}
		clauses = append(clauses, fmt.Sprintf("(%s)", sub))
		args = append(args, subArgs...)
	}
	return strings.Join(clauses, " "+logic+" "), args, nil
}

// ToSelectString generates a complete SELECT SQL query string with JOIN, WHERE, GROUP BY,
// ORDER BY and LIMIT/OFFSET clauses based on the Condition struct.
// Usage:
//
//	query, values, err := condition.ToSelectString("borrow_requests")
//
// With joins, unqualified fields are qualified with tableName.
func (c *Condition) ToSelectString(tableName string) (string, []interface{}, error) {
	if err := ValidateTableName(tableName); err != nil {
		return "", nil, err
	}
	qualify := func(f string) string { return f }
	if len(c.Joins) > 0 {
		qualify = func(f string) string {
			if strings.Contains(f, ".") {
				return f
			}
			return tableName + "." + f
		}
	}

	columns := make([]string, 0, len(c.Columns)+1)
	if len(c.Columns) == 0 {
		if len(c.Joins) > 0 {
			columns = append(columns, tableName+".*")
		} else {
			columns = append(columns, "*")
		}
	}
	for _, col := range c.Columns {
		if err := ValidateIdentifier(col); err != nil {
			return "", nil, err
		}
		columns = append(columns, qualify(col))
	}

	joinClauses := make([]string, 0, len(c.Joins))
	for _, j := range c.Joins {
		if err := j.validate(); err != nil {
			return "", nil, err
		}
		for _, col := range j.Columns {
			columns = append(columns, fmt.Sprintf("%s.%s AS %s", j.Table, col, j.KeyFor(col)))
		}
		joinClauses = append(joinClauses, fmt.Sprintf("LEFT JOIN %s ON %s.%s = %s.%s",
			j.Table, j.Table, j.ReferencedColumn(), tableName, j.On))
	}

	whereClause, values, err := c.buildWhere(qualify)
	if err != nil {
		return "", nil, err
	}

	parts := []string{"SELECT " + strings.Join(columns, ", "), "FROM " + tableName}
	parts = append(parts, joinClauses...)
	if strings.TrimSpace(whereClause) != "" {
		parts = append(parts, "WHERE "+whereClause)
	}

	if len(c.GroupBy) > 0 {
		groups := make([]string, 0, len(c.GroupBy))
		for _, g := range c.GroupBy {
			if err := ValidateIdentifier(g); err != nil {
				return "", nil, err
			}
			groups = append(groups, qualify(g))
		}
		parts = append(parts, "GROUP BY "+strings.Join(groups, ", "))
	}

	if len(c.OrderBy) > 0 {
		orders := make([]string, 0, len(c.OrderBy))
		for _, o := range c.OrderBy {
			field, desc, err := ParseOrderBy(o)
			if err != nil {
				return "", nil, err
			}
			entry := qualify(field)
			if desc {
				entry += " DESC"
			}
			orders = append(orders, entry)
		}
		parts = append(parts, "ORDER BY "+strings.Join(orders, ", "))
	}

	// if offset has value but limit is not, then use default limit
	limit := c.Limit
	if c.Offset > 0 && limit < 1 {
		limit = DEFAULT_PAGINATION_LIMIT
	}
	if limit > 0 {
		parts = append(parts, fmt.Sprintf("LIMIT %d", limit))
		if c.Offset > 0 {
			parts = append(parts, fmt.Sprintf("OFFSET %d", c.Offset))
		}
	}
	return strings.Join(parts, " "), values, nil
}

// ToUpdateString renders "UPDATE table SET ... WHERE ..." with the patch
// columns in sorted order. An empty condition is refused.
func (c *Condition) ToUpdateString(tableName string, patch map[string]interface{}) (string, []interface{}, error) {
	if err := ValidateTableName(tableName); err != nil {
		return "", nil, err
	}
	if c.IsEmpty() {
		return "", nil, ErrMissingCondition
	}
	if len(patch) == 0 {
		return "", nil, ErrEmptyPatch
	}
	keys := SortedKeys(patch)
	sets := make([]string, 0, len(keys))
	values := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		if err := ValidateIdentifier(k); err != nil {
			return "", nil, err
		}
		sets = append(sets, k+" = ?")
		values = append(values, patch[k])
	}
	whereClause, whereValues, err := c.ToWhereString()
	if err != nil {
		return "", nil, err
	}
	values = append(values, whereValues...)
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s", tableName, strings.Join(sets, ", "), whereClause), values, nil
}

// ToDeleteString renders "DELETE FROM table WHERE ...". An empty condition is refused.
func (c *Condition) ToDeleteString(tableName string) (string, []interface{}, error) {
	if err := ValidateTableName(tableName); err != nil {
		return "", nil, err
	}
	if c.IsEmpty() {
		return "", nil, ErrMissingCondition
	}
	whereClause, values, err := c.ToWhereString()
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", tableName, whereClause), values, nil
}

func (j Join) validate() error {
	if err := ValidateTableName(j.Table); err != nil {
		return err
	}
	if err := ValidateIdentifier(j.On); err != nil {
		return err
	}
	if err := ValidateIdentifier(j.ReferencedColumn()); err != nil {
		return err
	}
	for _, col := range j.Columns {
		if err := ValidateIdentifier(col); err != nil {
			return err
		}
	}
	return ValidateIdentifier(j.KeyFor("x"))
}

// ValuesOf flattens an IN operand ([]interface{}, []string, []int, ...) into
// a []interface{}. A scalar becomes a one element slice.
func ValuesOf(v interface{}) []interface{} {
	if v == nil {
		return nil
	}
	if vals, ok := v.([]interface{}); ok {
		return vals
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []interface{}{v}
	}
	out := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// SortedKeys returns the map keys in lexical order, so generated SQL is stable.
func SortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
