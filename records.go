package orm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/medatechnology/goutil/object"
)

// DateLayout is the civil date encoding used for date columns.
const DateLayout = "2006-01-02"

// Make sure other table struct that you use implement this method
type TableStruct interface {
	TableName() string
}

type DBRecord struct {
	TableName string
	Data      map[string]interface{}
}

type DBRecords []DBRecord

// NewDBRecord is a shorthand for DBRecord{TableName: table, Data: data}.
func NewDBRecord(table string, data map[string]interface{}) DBRecord {
	return DBRecord{TableName: table, Data: data}
}

// Append adds a new DBRecord to the DBRecords slice.
func (d *DBRecords) Append(rec DBRecord) {
	*d = append(*d, rec)
}

// Clone returns a record with a copied Data map.
func (d DBRecord) Clone() DBRecord {
	data := make(map[string]interface{}, len(d.Data))
	for k, v := range d.Data {
		data[k] = v
	}
	return DBRecord{TableName: d.TableName, Data: data}
}

// IsNull reports whether key is absent or nil.
func (d DBRecord) IsNull(key string) bool {
	v, ok := d.Data[key]
	return !ok || v == nil
}

// String returns the column as a string; nil becomes "".
func (d DBRecord) String(key string) string {
	switch v := d.Data[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Int returns the column as an int. JSON backends hand numbers over as
// float64 or json.Number, SQL drivers as int64.
func (d DBRecord) Int(key string) int {
	switch v := d.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case int32:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(v))
		return n
	case []byte:
		n, _ := strconv.Atoi(strings.TrimSpace(string(v)))
		return n
	}
	return 0
}

// Float returns the column as a float64.
func (d DBRecord) Float(key string) float64 {
	switch v := d.Data[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f
	case []byte:
		f, _ := strconv.ParseFloat(strings.TrimSpace(string(v)), 64)
		return f
	}
	return 0
}

// Bool returns the column as a bool. SQLite stores booleans as 0/1.
func (d DBRecord) Bool(key string) bool {
	switch v := d.Data[key].(type) {
	case bool:
		return v
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case json.Number:
		return v.String() != "0"
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	case []byte:
		b, _ := strconv.ParseBool(strings.TrimSpace(string(v)))
		return b
	}
	return false
}

// Date returns a date column as "YYYY-MM-DD", or "" when null.
func (d DBRecord) Date(key string) string {
	switch v := d.Data[key].(type) {
	case time.Time:
		return v.Format(DateLayout)
	case nil:
		return ""
	default:
		s := d.String(key)
		if len(s) >= len(DateLayout) {
			return s[:len(DateLayout)]
		}
		return s
	}
}

// Time returns a timestamp column; unparseable values give the zero time.
func (d DBRecord) Time(key string) time.Time {
	switch v := d.Data[key].(type) {
	case time.Time:
		return v
	case nil:
		return time.Time{}
	default:
		s := d.String(key)
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999Z07:00", "2006-01-02 15:04:05", DateLayout} {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// ToInsertSQLParameterized converts a single DBRecord to a parameterized INSERT SQL statement.
// Columns are emitted in sorted order.
// Usage:
//
//	sql, values := record.ToInsertSQLParameterized()
//
// Returns:
//   - string: Parameterized INSERT query (e.g., "INSERT INTO table (col1, col2) VALUES (?, ?)")
//   - []interface{}: Slice of values for the parameters
func (d *DBRecord) ToInsertSQLParameterized() (string, []interface{}) {
	columns := SortedKeys(d.Data)
	placeholders := make([]string, 0, len(columns))
	values := make([]interface{}, 0, len(columns))

	for _, key := range columns {
		placeholders = append(placeholders, "?")
		values = append(values, d.Data[key])
	}

	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		d.TableName,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)
	return sql, values
}

// Validate checks the table name and every column name.
func (d *DBRecord) Validate() error {
	if err := ValidateTableName(d.TableName); err != nil {
		return err
	}
	if len(d.Data) == 0 {
		return fmt.Errorf("%w: empty record for %s", ErrEmptyPatch, d.TableName)
	}
	for k := range d.Data {
		if err := ValidateIdentifier(k); err != nil {
			return err
		}
	}
	return nil
}

// BULK inserts. This is always for same table only, not for different tables!
//
// ToInsertSQLParameterized converts multiple DBRecords to a slice of parameterized INSERT statements.
// It automatically batches inserts according to MAX_MULTIPLE_INSERTS limit.
// Usage:
//
//	statements := records.ToInsertSQLParameterized()
//
// Returns: Slice of ParametereizedSQL containing batched INSERT statements and their values
func (records DBRecords) ToInsertSQLParameterized() []ParametereizedSQL {
	if len(records) == 0 {
		return nil
	}

	// Security: Nil check to prevent panic
	if records[0].Data == nil {
		return nil
	}

	// All records should have the same structure, use the first one as template
	tableName := records[0].TableName
	columns := SortedKeys(records[0].Data)
	numFields := len(columns)
	if numFields == 0 {
		return nil // No fields to insert
	}

	numStatements := (len(records) + MAX_MULTIPLE_INSERTS - 1) / MAX_MULTIPLE_INSERTS
	paramStatements := make([]ParametereizedSQL, 0, numStatements)
	columnsSQL := fmt.Sprintf("(%s)", strings.Join(columns, ", "))
	rowPlaceholders := fmt.Sprintf("(%s)", strings.TrimSuffix(strings.Repeat("?, ", numFields), ", "))

	for i := 0; i < len(records); i += MAX_MULTIPLE_INSERTS {
		end := i + MAX_MULTIPLE_INSERTS
		if end > len(records) {
			end = len(records)
		}

		currentBatch := records[i:end]
		placeholderGroups := make([]string, 0, len(currentBatch))
		values := make([]interface{}, 0, len(currentBatch)*numFields)

		for _, record := range currentBatch {
			placeholderGroups = append(placeholderGroups, rowPlaceholders)
			// Add values in the correct order (matching column order)
			for _, col := range columns {
				values = append(values, record.Data[col])
			}
		}

		paramStatements = append(paramStatements, ParametereizedSQL{
			Query: fmt.Sprintf(
				"INSERT INTO %s %s VALUES %s",
				tableName,
				columnsSQL,
				strings.Join(placeholderGroups, ", "),
			),
			Values: values,
		})
	}

	return paramStatements
}

// TableStructToDBRecord maps a struct with db tags onto a DBRecord.
func TableStructToDBRecord(obj TableStruct) (DBRecord, error) {
	if obj == nil {
		return DBRecord{}, fmt.Errorf("%w: nil table struct", ErrEmptyPatch)
	}
	data := object.StructToMap(obj)
	if len(data) == 0 {
		return DBRecord{}, fmt.Errorf("%w: %s", ErrEmptyPatch, obj.TableName())
	}
	return DBRecord{
		TableName: obj.TableName(),
		Data:      data,
	}, nil
}
