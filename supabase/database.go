package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	orm "github.com/medatechnology/putralib"
)

// DB is an orm.Database over PostgREST. Schema changes go through the
// Supabase SQL editor or migrations, so ExecManySQL is not supported.
type DB struct {
	client  *Client
	started time.Time
}

var _ orm.Database = (*DB)(nil)

func NewDatabase(cfg Config) (*DB, error) {
	client, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client), nil
}

func NewWithClient(client *Client) *DB {
	return &DB{client: client, started: time.Now()}
}

func (db *DB) Client() *Client { return db.client }

func (db *DB) IsConnected() bool {
	return db.client != nil
}

func (db *DB) Close() error {
	db.client.httpClient.CloseIdleConnections()
	return nil
}

// Status checks that the REST endpoint answers.
func (db *DB) Status(ctx context.Context) (orm.NodeStatusStruct, error) {
	status := orm.NodeStatusStruct{
		StatusStruct: orm.StatusStruct{
			URL:        db.client.baseURL,
			DBMS:       "supabase",
			DBMSDriver: "postgrest",
			StartTime:  db.started,
			Uptime:     time.Since(db.started),
			IsLeader:   true,
			Nodes:      1,
		},
	}
	if _, err := db.client.do(ctx, request{method: http.MethodGet, path: "/rest/v1/"}); err != nil {
		return status, orm.WrapConnectionError(err)
	}
	return status, nil
}

func (db *DB) SelectOneWithCondition(ctx context.Context, tableName string, condition *orm.Condition) (orm.DBRecord, error) {
	var c orm.Condition
	if condition != nil {
		c = *condition
	}
	c.Limit = 1
	records, err := db.SelectManyWithCondition(ctx, tableName, &c)
	if err != nil {
		return orm.DBRecord{}, err
	}
	if len(records) == 0 {
		return orm.DBRecord{}, orm.ErrSQLNoRows
	}
	return records[0], nil
}

func (db *DB) SelectManyWithCondition(ctx context.Context, tableName string, condition *orm.Condition) (orm.DBRecords, error) {
	if condition == nil {
		condition = &orm.Condition{}
	}
	q, err := BuildQuery(tableName, condition)
	if err != nil {
		return nil, orm.WrapSelectError(err, tableName)
	}
	path := "/rest/v1/" + tableName
	resp, err := db.client.do(ctx, request{method: http.MethodGet, path: path, query: q})
	if err != nil {
		return nil, db.wrap(err, "SELECT", tableName, path, q)
	}
	records, err := decodeRows(resp.Body, tableName)
	if err != nil {
		return nil, orm.WrapSelectError(err, tableName)
	}
	for i := range records {
		flattenJoins(records[i].Data, condition.Joins)
	}
	db.client.logger.Debug("select", orm.String("table", tableName), orm.Int("rows", len(records)))
	return records, nil
}

// InsertOneDBRecord posts one row and returns the representation.
func (db *DB) InsertOneDBRecord(ctx context.Context, record orm.DBRecord) (orm.DBRecord, error) {
	if err := record.Validate(); err != nil {
		return orm.DBRecord{}, orm.WrapInsertError(err, record.TableName)
	}
	path := "/rest/v1/" + record.TableName
	resp, err := db.client.do(ctx, request{
		method:  http.MethodPost,
		path:    path,
		body:    record.Data,
		headers: map[string]string{"Prefer": "return=representation"},
	})
	if err != nil {
		return orm.DBRecord{}, db.wrap(err, "INSERT", record.TableName, path, nil)
	}
	records, err := decodeRows(resp.Body, record.TableName)
	if err != nil {
		return orm.DBRecord{}, orm.WrapInsertError(err, record.TableName)
	}
	if len(records) == 0 {
		return orm.DBRecord{}, orm.WrapInsertError(orm.ErrSQLNoRows, record.TableName)
	}
	return records[0], nil
}

// InsertManyDBRecordsSameTable posts rows in batches of orm.MAX_MULTIPLE_INSERTS.
func (db *DB) InsertManyDBRecordsSameTable(ctx context.Context, records orm.DBRecords) ([]orm.BasicSQLResult, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("records empty, nothing to insert")
	}
	tableName := records[0].TableName
	for i := range records {
		if records[i].TableName != tableName {
			return nil, fmt.Errorf("all records must be from the same table, record %d has table '%s' but expected '%s'",
				i, records[i].TableName, tableName)
		}
		if err := records[i].Validate(); err != nil {
			return nil, orm.WrapInsertError(err, tableName)
		}
	}
	path := "/rest/v1/" + tableName
	var results []orm.BasicSQLResult
	for start := 0; start < len(records); start += orm.MAX_MULTIPLE_INSERTS {
		end := start + orm.MAX_MULTIPLE_INSERTS
		if end > len(records) {
			end = len(records)
		}
		batch := make([]map[string]interface{}, 0, end-start)
		for _, r := range records[start:end] {
			batch = append(batch, r.Data)
		}
		begin := time.Now()
		resp, err := db.client.do(ctx, request{
			method:  http.MethodPost,
			path:    path,
			body:    batch,
			headers: map[string]string{"Prefer": "return=representation,missing=default"},
		})
		if err != nil {
			err = db.wrap(err, "INSERT", tableName, path, nil)
			results = append(results, orm.BasicSQLResult{Error: err})
			return results, err
		}
		rows, err := decodeRows(resp.Body, tableName)
		if err != nil {
			return results, orm.WrapInsertError(err, tableName)
		}
		results = append(results, orm.BasicSQLResult{
			RowsAffected: len(rows),
			Timing:       time.Since(begin).Seconds(),
		})
	}
	return results, nil
}

// UpdateWithCondition sends PATCH with the condition as filters. The
// returned representation gives the affected row count.
func (db *DB) UpdateWithCondition(ctx context.Context, tableName string, patch map[string]interface{}, condition *orm.Condition) orm.BasicSQLResult {
	if len(patch) == 0 {
		return orm.BasicSQLResult{Error: orm.WrapUpdateError(orm.ErrEmptyPatch, tableName)}
	}
	for k := range patch {
		if err := orm.ValidateIdentifier(k); err != nil {
			return orm.BasicSQLResult{Error: orm.WrapUpdateError(err, tableName)}
		}
	}
	return db.write(ctx, http.MethodPatch, "UPDATE", tableName, patch, condition)
}

func (db *DB) DeleteWithCondition(ctx context.Context, tableName string, condition *orm.Condition) orm.BasicSQLResult {
	return db.write(ctx, http.MethodDelete, "DELETE", tableName, nil, condition)
}

func (db *DB) ExecManySQL(ctx context.Context, sql []string) ([]orm.BasicSQLResult, error) {
	return nil, fmt.Errorf("%w: raw SQL over PostgREST", orm.ErrNotSupported)
}

func (db *DB) write(ctx context.Context, method, operation, tableName string, body interface{}, condition *orm.Condition) orm.BasicSQLResult {
	q, err := BuildFilters(tableName, condition)
	if err != nil {
		return orm.BasicSQLResult{Error: orm.WrapError(err, operation, tableName)}
	}
	path := "/rest/v1/" + tableName
	begin := time.Now()
	resp, err := db.client.do(ctx, request{
		method:  method,
		path:    path,
		query:   q,
		body:    body,
		headers: map[string]string{"Prefer": "return=representation"},
	})
	if err != nil {
		return orm.BasicSQLResult{Error: db.wrap(err, operation, tableName, path, q)}
	}
	rows, err := decodeRows(resp.Body, tableName)
	if err != nil {
		return orm.BasicSQLResult{Error: orm.WrapError(err, operation, tableName)}
	}
	return orm.BasicSQLResult{
		RowsAffected: len(rows),
		Timing:       time.Since(begin).Seconds(),
	}
}

func (db *DB) wrap(err error, operation, tableName, path string, q url.Values) error {
	query := path
	if len(q) > 0 {
		query += "?" + q.Encode()
	}
	wrapped := orm.WrapErrorWithQuery(err, operation, tableName, query)
	orm.LogErrorWithContext(db.client.logger, wrapped)
	return wrapped
}

// decodeRows accepts an array or a single object. Numbers stay
// json.Number so ids and counts keep their precision.
func decodeRows(body []byte, tableName string) (orm.DBRecords, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return orm.DBRecords{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var rows []map[string]interface{}
	if body[0] == '{' {
		var row map[string]interface{}
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		rows = append(rows, row)
	} else if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	records := make(orm.DBRecords, 0, len(rows))
	for _, row := range rows {
		records = append(records, orm.NewDBRecord(tableName, row))
	}
	return records, nil
}
