// Package memory provides a thread-safe in-memory orm.Database. It evaluates
// conditions, joins and ordering in Go and enforces configured unique keys,
// so services can be exercised without a database server.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	orm "github.com/medatechnology/putralib"
)

// Option configures a Store.
type Option func(*Store)

// WithUniqueKeys registers unique column sets per table, for example
// {"favorites": {{"user_id", "book_id"}}}.
func WithUniqueKeys(keys map[string][][]string) Option {
	return func(s *Store) {
		for table, sets := range keys {
			s.unique[table] = append(s.unique[table], sets...)
		}
	}
}

// WithClock replaces time.Now for created_at defaults.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store keeps every table as an ordered slice of rows.
type Store struct {
	mu      sync.RWMutex
	tables  map[string][]map[string]interface{}
	unique  map[string][][]string
	now     func() time.Time
	started time.Time
}

var _ orm.Database = (*Store)(nil)

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		tables: make(map[string][]map[string]interface{}),
		unique: make(map[string][][]string),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()
	return s
}

// SelectOneWithCondition returns the first matching row or orm.ErrSQLNoRows.
func (s *Store) SelectOneWithCondition(ctx context.Context, tableName string, condition *orm.Condition) (orm.DBRecord, error) {
	var c orm.Condition
	if condition != nil {
		c = *condition
	}
	c.Limit = 1
	records, err := s.SelectManyWithCondition(ctx, tableName, &c)
	if err != nil {
		return orm.DBRecord{}, err
	}
	if len(records) == 0 {
		return orm.DBRecord{}, orm.ErrSQLNoRows
	}
	return records[0], nil
}

// SelectManyWithCondition filters, joins, orders and pages the table.
func (s *Store) SelectManyWithCondition(ctx context.Context, tableName string, condition *orm.Condition) (orm.DBRecords, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := orm.ValidateTableName(tableName); err != nil {
		return nil, orm.WrapSelectError(err, tableName)
	}
	if condition == nil {
		condition = &orm.Condition{}
	}
	if len(condition.GroupBy) > 0 {
		return nil, orm.WrapSelectError(fmt.Errorf("%w: GROUP BY", orm.ErrNotSupported), tableName)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []map[string]interface{}
	for _, row := range s.tables[tableName] {
		ok, err := matches(row, condition)
		if err != nil {
			return nil, orm.WrapSelectError(err, tableName)
		}
		if !ok {
			continue
		}
		out := copyRow(row)
		for _, j := range condition.Joins {
			s.applyJoinLocked(out, j)
		}
		rows = append(rows, out)
	}

	if err := sortRows(rows, condition.OrderBy); err != nil {
		return nil, orm.WrapSelectError(err, tableName)
	}
	rows = page(rows, condition.Limit, condition.Offset)

	records := make(orm.DBRecords, 0, len(rows))
	for _, row := range rows {
		records = append(records, orm.DBRecord{TableName: tableName, Data: project(row, condition)})
	}
	return records, nil
}

// InsertOneDBRecord stores a copy of the record. Missing id and created_at
// columns are filled in.
func (s *Store) InsertOneDBRecord(ctx context.Context, record orm.DBRecord) (orm.DBRecord, error) {
	if err := ctx.Err(); err != nil {
		return orm.DBRecord{}, err
	}
	if err := record.Validate(); err != nil {
		return orm.DBRecord{}, orm.WrapInsertError(err, record.TableName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := copyRow(record.Data)
	if _, ok := row["id"]; !ok {
		row["id"] = uuid.NewString()
	}
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = s.now().UTC()
	}
	if err := s.checkUniqueLocked(record.TableName, row, -1); err != nil {
		return orm.DBRecord{}, orm.WrapInsertError(err, record.TableName)
	}
	s.tables[record.TableName] = append(s.tables[record.TableName], row)
	return orm.DBRecord{TableName: record.TableName, Data: copyRow(row)}, nil
}

// InsertManyDBRecordsSameTable inserts the records one by one and stops at the first failure.
func (s *Store) InsertManyDBRecordsSameTable(ctx context.Context, records orm.DBRecords) ([]orm.BasicSQLResult, error) {
	results := make([]orm.BasicSQLResult, 0, len(records))
	for i, record := range records {
		if record.TableName != records[0].TableName {
			return results, fmt.Errorf("all records must be from the same table, record %d has table '%s' but expected '%s'",
				i, record.TableName, records[0].TableName)
		}
		if _, err := s.InsertOneDBRecord(ctx, record); err != nil {
			results = append(results, orm.BasicSQLResult{Error: err})
			return results, err
		}
		results = append(results, orm.BasicSQLResult{RowsAffected: 1})
	}
	return results, nil
}

// UpdateWithCondition patches every matching row. Unique keys are checked
// against the patched rows before anything is written.
func (s *Store) UpdateWithCondition(ctx context.Context, tableName string, patch map[string]interface{}, condition *orm.Condition) orm.BasicSQLResult {
	if err := ctx.Err(); err != nil {
		return orm.BasicSQLResult{Error: err}
	}
	// rendering validates table, columns and condition the same way SQL backends do
	if _, _, err := condition.ToUpdateString(tableName, patch); err != nil {
		return orm.BasicSQLResult{Error: orm.WrapUpdateError(err, tableName)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.tables[tableName]
	var hits []int
	for i, row := range rows {
		ok, err := matches(row, condition)
		if err != nil {
			return orm.BasicSQLResult{Error: orm.WrapUpdateError(err, tableName)}
		}
		if ok {
			hits = append(hits, i)
		}
	}

	patched := make(map[int]map[string]interface{}, len(hits))
	for _, i := range hits {
		row := copyRow(rows[i])
		for k, v := range patch {
			row[k] = v
		}
		if err := s.checkUniqueLocked(tableName, row, i); err != nil {
			return orm.BasicSQLResult{Error: orm.WrapUpdateError(err, tableName)}
		}
		patched[i] = row
	}
	for i, row := range patched {
		rows[i] = row
	}
	return orm.BasicSQLResult{RowsAffected: len(hits)}
}

// DeleteWithCondition removes every matching row.
func (s *Store) DeleteWithCondition(ctx context.Context, tableName string, condition *orm.Condition) orm.BasicSQLResult {
	if err := ctx.Err(); err != nil {
		return orm.BasicSQLResult{Error: err}
	}
	if _, _, err := condition.ToDeleteString(tableName); err != nil {
		return orm.BasicSQLResult{Error: orm.WrapDeleteError(err, tableName)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.tables[tableName]
	kept := rows[:0]
	deleted := 0
	for _, row := range rows {
		ok, err := matches(row, condition)
		if err != nil {
			return orm.BasicSQLResult{Error: orm.WrapDeleteError(err, tableName)}
		}
		if ok {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	s.tables[tableName] = kept
	return orm.BasicSQLResult{RowsAffected: deleted}
}

// ExecManySQL accepts schema statements and ignores them; tables come into
// existence on first insert.
func (s *Store) ExecManySQL(ctx context.Context, sqls []string) ([]orm.BasicSQLResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return make([]orm.BasicSQLResult, len(sqls)), nil
}

// Status reports row counts as the node id.
func (s *Store) Status(ctx context.Context) (orm.NodeStatusStruct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make([]string, 0, len(s.tables))
	for _, name := range sortedTables(s.tables) {
		counts = append(counts, fmt.Sprintf("%s=%d", name, len(s.tables[name])))
	}
	return orm.NodeStatusStruct{
		StatusStruct: orm.StatusStruct{
			DBMS:       "memory",
			DBMSDriver: "memory",
			StartTime:  s.started,
			Uptime:     s.now().Sub(s.started),
			NodeID:     strings.Join(counts, " "),
			IsLeader:   true,
			Nodes:      1,
		},
	}, nil
}

func (s *Store) IsConnected() bool { return true }

func (s *Store) Close() error { return nil }

func (s *Store) applyJoinLocked(row map[string]interface{}, j orm.Join) {
	var match map[string]interface{}
	for _, other := range s.tables[j.Table] {
		if equalValues(other[j.ReferencedColumn()], row[j.On]) {
			match = other
			break
		}
	}
	for _, col := range j.Columns {
		if match == nil {
			row[j.KeyFor(col)] = nil
			continue
		}
		row[j.KeyFor(col)] = match[col]
	}
}

// checkUniqueLocked compares row against every other row of the table;
// skip is the index of the row being updated (-1 on insert).
func (s *Store) checkUniqueLocked(table string, row map[string]interface{}, skip int) error {
	sets := append([][]string{{"id"}}, s.unique[table]...)
	for i, other := range s.tables[table] {
		if i == skip {
			continue
		}
		for _, cols := range sets {
			same := true
			for _, col := range cols {
				if !equalValues(row[col], other[col]) || row[col] == nil {
					same = false
					break
				}
			}
			if same {
				return fmt.Errorf("%w: %s(%s)", orm.ErrUniqueViolation, table, strings.Join(cols, ", "))
			}
		}
	}
	return nil
}

func project(row map[string]interface{}, c *orm.Condition) map[string]interface{} {
	if len(c.Columns) == 0 {
		return row
	}
	out := make(map[string]interface{}, len(c.Columns))
	for _, col := range c.Columns {
		out[col] = row[col]
	}
	for _, j := range c.Joins {
		for _, col := range j.Columns {
			out[j.KeyFor(col)] = row[j.KeyFor(col)]
		}
	}
	return out
}

func page(rows []map[string]interface{}, limit, offset int) []map[string]interface{} {
	if offset > 0 && limit < 1 {
		limit = orm.DEFAULT_PAGINATION_LIMIT
	}
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

func sortRows(rows []map[string]interface{}, orderBy []string) error {
	type key struct {
		field string
		desc  bool
	}
	keys := make([]key, 0, len(orderBy))
	for _, o := range orderBy {
		field, desc, err := orm.ParseOrderBy(o)
		if err != nil {
			return err
		}
		keys = append(keys, key{field: field, desc: desc})
	}
	if len(keys) == 0 {
		return nil
	}
	sort.SliceStable(rows, func(a, b int) bool {
		for _, k := range keys {
			va, vb := rows[a][unqualified(k.field)], rows[b][unqualified(k.field)]
			// NULLs sort last ascending and first descending, as in PostgreSQL
			if va == nil || vb == nil {
				if va == nil && vb == nil {
					continue
				}
				return (va == nil) == k.desc
			}
			cmp, _ := compareValues(va, vb)
			if cmp == 0 {
				continue
			}
			if k.desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return nil
}

func copyRow(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedTables(tables map[string][]map[string]interface{}) []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
