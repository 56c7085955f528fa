package postgres

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	orm "github.com/medatechnology/putralib"
)

// scanRowsToDBRecords drains rows into DBRecords using sqlx MapScan.
func scanRowsToDBRecords(rows *sqlx.Rows, tableName string) (orm.DBRecords, error) {
	records := orm.DBRecords{}
	for rows.Next() {
		data := make(map[string]interface{})
		if err := rows.MapScan(data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for k, v := range data {
			data[k] = convertPostgreSQLValue(v)
		}
		records = append(records, orm.DBRecord{TableName: tableName, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

// convertPostgreSQLValue turns driver byte slices (text, uuid, numeric)
// into strings; everything else lib/pq already decodes.
func convertPostgreSQLValue(value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return string(v)
	default:
		return v
	}
}
