package supabase

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	orm "github.com/medatechnology/putralib"
)

// PostgREST operator names keyed by orm operator.
var postgrestOperators = map[string]string{
	orm.OpEqual:        "eq",
	orm.OpNotEqual:     "neq",
	orm.OpLess:         "lt",
	orm.OpLessEqual:    "lte",
	orm.OpGreater:      "gt",
	orm.OpGreaterEqual: "gte",
	orm.OpLike:         "like",
	orm.OpILike:        "ilike",
}

// BuildQuery renders a condition as PostgREST query parameters:
// select (with embedded joins), filters, order, limit and offset.
//
//	Where(AnyOf(ILike("title", "%go%"), ILike("author", "%go%")), Eq("genre", "Tech")).Order("title")
//	// select=*&or=(title.ilike.*go*,author.ilike.*go*)&genre=eq.Tech&order=title.asc
func BuildQuery(tableName string, c *orm.Condition) (url.Values, error) {
	if err := orm.ValidateTableName(tableName); err != nil {
		return nil, err
	}
	if c == nil {
		c = &orm.Condition{}
	}
	if len(c.GroupBy) > 0 {
		return nil, fmt.Errorf("%w: GROUP BY over PostgREST", orm.ErrNotSupported)
	}
	q := url.Values{}

	sel, err := selectParam(tableName, c)
	if err != nil {
		return nil, err
	}
	q.Set("select", sel)

	if err := addFilters(q, tableName, c); err != nil {
		return nil, err
	}

	if len(c.OrderBy) > 0 {
		orders := make([]string, 0, len(c.OrderBy))
		for _, o := range c.OrderBy {
			field, desc, err := orm.ParseOrderBy(o)
			if err != nil {
				return nil, err
			}
			field, err = baseColumn(tableName, field)
			if err != nil {
				return nil, err
			}
			if desc {
				orders = append(orders, field+".desc")
			} else {
				orders = append(orders, field+".asc")
			}
		}
		q.Set("order", strings.Join(orders, ","))
	}

	limit := c.Limit
	if c.Offset > 0 && limit < 1 {
		limit = orm.DEFAULT_PAGINATION_LIMIT
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
		if c.Offset > 0 {
			q.Set("offset", strconv.Itoa(c.Offset))
		}
	}
	return q, nil
}

// BuildFilters renders only the filters, for PATCH and DELETE.
func BuildFilters(tableName string, c *orm.Condition) (url.Values, error) {
	if err := orm.ValidateTableName(tableName); err != nil {
		return nil, err
	}
	if c.IsEmpty() {
		return nil, orm.ErrMissingCondition
	}
	q := url.Values{}
	if err := addFilters(q, tableName, c); err != nil {
		return nil, err
	}
	return q, nil
}

// Joins are embedded as alias:table!fk_column(columns) and flattened
// back into the row by flattenJoins.
func selectParam(tableName string, c *orm.Condition) (string, error) {
	parts := make([]string, 0, len(c.Columns)+len(c.Joins))
	for _, col := range c.Columns {
		col, err := baseColumn(tableName, col)
		if err != nil {
			return "", err
		}
		parts = append(parts, col)
	}
	if len(parts) == 0 {
		parts = append(parts, "*")
	}
	for i, j := range c.Joins {
		if err := orm.ValidateTableName(j.Table); err != nil {
			return "", err
		}
		if err := orm.ValidateIdentifier(j.On); err != nil {
			return "", err
		}
		cols := make([]string, 0, len(j.Columns))
		for _, col := range j.Columns {
			if err := orm.ValidateIdentifier(col); err != nil {
				return "", err
			}
			cols = append(cols, col)
		}
		if len(cols) == 0 {
			cols = append(cols, "*")
		}
		parts = append(parts, fmt.Sprintf("%s:%s!%s(%s)", joinAlias(i), j.Table, j.On, strings.Join(cols, ",")))
	}
	return strings.Join(parts, ","), nil
}

func joinAlias(i int) string {
	return fmt.Sprintf("_join%d", i)
}

// flattenJoins replaces each embedded object with Prefix+column keys.
// A missing reference leaves the columns nil, like a LEFT JOIN.
func flattenJoins(row map[string]interface{}, joins []orm.Join) {
	for i, j := range joins {
		alias := joinAlias(i)
		embedded, _ := row[alias].(map[string]interface{})
		delete(row, alias)
		for _, col := range j.Columns {
			var v interface{}
			if embedded != nil {
				v = embedded[col]
			}
			row[j.KeyFor(col)] = v
		}
	}
}

// Top level AND leaves become col=op.value parameters; groups become
// or=(...) / and=(...) logic trees.
func addFilters(q url.Values, tableName string, c *orm.Condition) error {
	if c.IsEmpty() {
		return nil
	}
	if c.Field != "" {
		field, value, err := renderLeaf(tableName, c, false)
		if err != nil {
			return err
		}
		q.Add(field, value)
		return nil
	}
	logic, err := c.NormalizedLogic()
	if err != nil {
		return err
	}
	if logic == "OR" {
		tree, err := renderGroup(tableName, c)
		if err != nil {
			return err
		}
		q.Add("or", "("+tree+")")
		return nil
	}
	for i := range c.Nested {
		if c.Nested[i].IsEmpty() {
			continue
		}
		if err := addFilters(q, tableName, &c.Nested[i]); err != nil {
			return err
		}
	}
	return nil
}

// renderGroup renders the children of a group as a comma separated list
// of field.op.value and and(...)/or(...) items.
func renderGroup(tableName string, c *orm.Condition) (string, error) {
	items := make([]string, 0, len(c.Nested))
	for i := range c.Nested {
		n := &c.Nested[i]
		if n.IsEmpty() {
			continue
		}
		if n.Field != "" {
			field, value, err := renderLeaf(tableName, n, true)
			if err != nil {
				return "", err
			}
			items = append(items, field+"."+value)
			continue
		}
		logic, err := n.NormalizedLogic()
		if err != nil {
			return "", err
		}
		inner, err := renderGroup(tableName, n)
		if err != nil {
			return "", err
		}
		items = append(items, strings.ToLower(logic)+"("+inner+")")
	}
	return strings.Join(items, ","), nil
}

func renderLeaf(tableName string, c *orm.Condition, inTree bool) (string, string, error) {
	if err := orm.ValidateIdentifier(c.Field); err != nil {
		return "", "", err
	}
	field, err := baseColumn(tableName, c.Field)
	if err != nil {
		return "", "", err
	}
	op := c.NormalizedOperator()
	switch op {
	case orm.OpIsNull:
		return field, "is.null", nil
	case orm.OpIsNotNull:
		return field, "not.is.null", nil
	case orm.OpIn, "NOT IN":
		values := orm.ValuesOf(c.Value)
		quoted := make([]string, 0, len(values))
		for _, v := range values {
			quoted = append(quoted, quoteValue(formatValue(v)))
		}
		list := "in.(" + strings.Join(quoted, ",") + ")"
		if op != orm.OpIn {
			list = "not." + list
		}
		return field, list, nil
	}
	name, ok := postgrestOperators[op]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", orm.ErrInvalidOperator, c.Operator)
	}
	value := formatValue(c.Value)
	if op == orm.OpLike || op == orm.OpILike {
		value = strings.ReplaceAll(value, "%", "*")
	}
	if inTree {
		value = quoteValue(value)
	}
	return field, name + "." + value, nil
}

// baseColumn strips a "table." qualifier naming the base table. Filtering
// on joined tables is not expressed through PostgREST here.
func baseColumn(tableName, field string) (string, error) {
	if err := orm.ValidateIdentifier(field); err != nil {
		return "", err
	}
	table, col, found := strings.Cut(field, ".")
	if !found {
		return field, nil
	}
	if table != tableName {
		return "", fmt.Errorf("%w: filter on joined column %s", orm.ErrNotSupported, field)
	}
	return col, nil
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Values inside in.(...) and logic trees need double quotes when they
// contain PostgREST reserved characters.
func quoteValue(s string) string {
	if !strings.ContainsAny(s, ",.:()\" \\") {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
