// Package postgres provides a PostgreSQL implementation for the orm.Database interface.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	orm "github.com/medatechnology/putralib"
)

// DB implements orm.Database for PostgreSQL through sqlx.
type DB struct {
	db     *sqlx.DB
	config Config
	logger orm.Logger
}

var _ orm.Database = (*DB)(nil)

// NewDatabase opens a pool, applies the pool settings and pings the server.
func NewDatabase(ctx context.Context, config Config, logger orm.Logger) (*DB, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	connStr, err := config.ToSimpleDSN()
	if err != nil {
		return nil, fmt.Errorf("failed to build DSN: %w", err)
	}

	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPostgresConnectionFailed, WrapPostgreSQLError(err, "CONNECT", ""))
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrPostgresConnectionFailed, WrapPostgreSQLError(err, "PING", ""))
	}

	return NewWithDB(db.DB, config, logger), nil
}

// NewWithDB wraps an already opened *sql.DB, for example one from sqlmock.
func NewWithDB(db *sql.DB, config Config, logger orm.Logger) *DB {
	if logger == nil {
		logger = orm.GetDefaultLogger()
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultQueryTimeout
	}
	return &DB{
		db:     sqlx.NewDb(db, "postgres"),
		config: config,
		logger: logger.With(orm.String("dbms", "postgresql")),
	}
}

// Close closes the database connection.
func (pdb *DB) Close() error {
	return pdb.db.Close()
}

// IsConnected checks if the database connection is active.
func (pdb *DB) IsConnected() bool {
	if pdb.db == nil {
		return false
	}
	return pdb.db.Ping() == nil
}

// SelectOneWithCondition retrieves a single record with conditions.
func (pdb *DB) SelectOneWithCondition(ctx context.Context, tableName string, condition *orm.Condition) (orm.DBRecord, error) {
	var c orm.Condition
	if condition != nil {
		c = *condition
	}
	c.Limit = 1

	records, err := pdb.SelectManyWithCondition(ctx, tableName, &c)
	if err != nil {
		return orm.DBRecord{}, err
	}
	if len(records) == 0 {
		return orm.DBRecord{}, orm.ErrSQLNoRows
	}
	return records[0], nil
}

// SelectManyWithCondition retrieves multiple records with conditions.
// An empty result is an empty slice, not an error.
func (pdb *DB) SelectManyWithCondition(ctx context.Context, tableName string, condition *orm.Condition) (orm.DBRecords, error) {
	if condition == nil {
		condition = &orm.Condition{}
	}
	query, params, err := condition.ToSelectString(tableName)
	if err != nil {
		return nil, orm.WrapSelectError(err, tableName)
	}
	query = sqlx.Rebind(sqlx.DOLLAR, query)

	ctx, cancel := pdb.queryContext(ctx)
	defer cancel()

	start := time.Now()
	rows, err := pdb.db.QueryxContext(ctx, query, params...)
	if err != nil {
		err = orm.WrapErrorWithQuery(WrapPostgreSQLError(err, "SELECT", tableName), "SELECT", tableName, query)
		if IsUndefinedTable(err) {
			pdb.logger.Warn("table does not exist, run putralib migrate", orm.String("table", tableName))
		}
		orm.LogErrorWithContext(pdb.logger, err)
		return nil, err
	}
	defer rows.Close()

	records, err := scanRowsToDBRecords(rows, tableName)
	if err != nil {
		return nil, orm.WrapSelectError(err, tableName)
	}
	pdb.logger.Debug("select",
		orm.String("table", tableName),
		orm.Int("rows", len(records)),
		orm.Duration("elapsed", time.Since(start)))
	return records, nil
}

// InsertOneDBRecord inserts the record and returns the stored row, so
// column defaults (created_at, status) come back to the caller.
func (pdb *DB) InsertOneDBRecord(ctx context.Context, record orm.DBRecord) (orm.DBRecord, error) {
	if err := record.Validate(); err != nil {
		return orm.DBRecord{}, orm.WrapInsertError(err, record.TableName)
	}
	query, values := record.ToInsertSQLParameterized()
	query = sqlx.Rebind(sqlx.DOLLAR, query+" RETURNING *")

	ctx, cancel := pdb.queryContext(ctx)
	defer cancel()

	rows, err := pdb.db.QueryxContext(ctx, query, values...)
	if err != nil {
		err = orm.WrapInsertError(WrapPostgreSQLError(err, "INSERT", record.TableName), record.TableName)
		orm.LogErrorWithContext(pdb.logger, err)
		return orm.DBRecord{}, err
	}
	defer rows.Close()

	records, err := scanRowsToDBRecords(rows, record.TableName)
	if err != nil {
		err = orm.WrapInsertError(WrapPostgreSQLError(err, "INSERT", record.TableName), record.TableName)
		orm.LogErrorWithContext(pdb.logger, err)
		return orm.DBRecord{}, err
	}
	if len(records) == 0 {
		return orm.DBRecord{}, orm.WrapInsertError(orm.ErrSQLNoRows, record.TableName)
	}
	return records[0], nil
}

// InsertManyDBRecordsSameTable inserts records in multi-row statements of
// at most orm.MAX_MULTIPLE_INSERTS rows, all inside one transaction.
func (pdb *DB) InsertManyDBRecordsSameTable(ctx context.Context, records orm.DBRecords) ([]orm.BasicSQLResult, error) {
	if len(records) == 0 {
		return nil, nil
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

	statements := records.ToInsertSQLParameterized()
	for i := range statements {
		statements[i].Query = sqlx.Rebind(sqlx.DOLLAR, statements[i].Query)
	}
	return pdb.execInTx(ctx, "INSERT", tableName, statements)
}

// UpdateWithCondition runs UPDATE ... WHERE condition and reports RowsAffected.
func (pdb *DB) UpdateWithCondition(ctx context.Context, tableName string, patch map[string]interface{}, condition *orm.Condition) orm.BasicSQLResult {
	query, values, err := condition.ToUpdateString(tableName, patch)
	if err != nil {
		return orm.BasicSQLResult{Error: orm.WrapUpdateError(err, tableName)}
	}
	return pdb.execOne(ctx, "UPDATE", tableName, sqlx.Rebind(sqlx.DOLLAR, query), values)
}

// DeleteWithCondition runs DELETE ... WHERE condition and reports RowsAffected.
func (pdb *DB) DeleteWithCondition(ctx context.Context, tableName string, condition *orm.Condition) orm.BasicSQLResult {
	query, values, err := condition.ToDeleteString(tableName)
	if err != nil {
		return orm.BasicSQLResult{Error: orm.WrapDeleteError(err, tableName)}
	}
	return pdb.execOne(ctx, "DELETE", tableName, sqlx.Rebind(sqlx.DOLLAR, query), values)
}

// ExecManySQL executes multiple raw SQL statements in one transaction.
func (pdb *DB) ExecManySQL(ctx context.Context, sqls []string) ([]orm.BasicSQLResult, error) {
	statements := make([]orm.ParametereizedSQL, 0, len(sqls))
	for _, s := range sqls {
		statements = append(statements, orm.SQLAndValuesToParameterized(s, nil))
	}
	return pdb.execInTx(ctx, "EXEC", "", statements)
}

// Status retrieves the status of the PostgreSQL database.
func (pdb *DB) Status(ctx context.Context) (orm.NodeStatusStruct, error) {
	var status orm.NodeStatusStruct
	status.DBMS = "postgresql"
	status.DBMSDriver = "lib/pq"
	status.URL = fmt.Sprintf("postgres://%s@%s:%d/%s", pdb.config.User, pdb.config.Host, pdb.config.Port, pdb.config.DBName)
	status.Nodes = 1
	status.IsLeader = true
	status.MaxPool = pdb.config.MaxOpenConns

	ctx, cancel := pdb.queryContext(ctx)
	defer cancel()

	if err := pdb.db.QueryRowxContext(ctx, "SELECT version()").Scan(&status.Version); err != nil {
		return status, fmt.Errorf("failed to get PostgreSQL version: %w", err)
	}

	var started time.Time
	if err := pdb.db.QueryRowxContext(ctx, "SELECT pg_postmaster_start_time()").Scan(&started); err == nil {
		status.StartTime = started
		status.Uptime = time.Since(started)
	}
	var size int64
	if err := pdb.db.QueryRowxContext(ctx, "SELECT pg_database_size(current_database())").Scan(&size); err == nil {
		status.DBSize = size
	}

	status.OpenConns = pdb.db.Stats().OpenConnections
	return status, nil
}

func (pdb *DB) execOne(ctx context.Context, operation, tableName, query string, values []interface{}) orm.BasicSQLResult {
	ctx, cancel := pdb.queryContext(ctx)
	defer cancel()

	start := time.Now()
	result, err := pdb.db.ExecContext(ctx, query, values...)
	if err != nil {
		err = orm.WrapErrorWithQuery(WrapPostgreSQLError(err, operation, tableName), operation, tableName, query)
		orm.LogErrorWithContext(pdb.logger, err)
		return orm.BasicSQLResult{Error: err}
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return orm.BasicSQLResult{Error: orm.WrapError(err, operation, tableName)}
	}
	return orm.BasicSQLResult{
		RowsAffected: int(rowsAffected),
		Timing:       time.Since(start).Seconds(),
	}
}

func (pdb *DB) execInTx(ctx context.Context, operation, tableName string, statements []orm.ParametereizedSQL) ([]orm.BasicSQLResult, error) {
	ctx, cancel := pdb.queryContext(ctx)
	defer cancel()

	tx, err := pdb.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	results := make([]orm.BasicSQLResult, 0, len(statements))
	for _, ps := range statements {
		start := time.Now()
		result, err := tx.ExecContext(ctx, ps.Query, ps.Values...)
		if err != nil {
			err = orm.WrapErrorWithQuery(WrapPostgreSQLError(err, operation, tableName), operation, tableName, ps.Query)
			orm.LogErrorWithContext(pdb.logger, err)
			results = append(results, orm.BasicSQLResult{Error: err})
			return results, err
		}
		rowsAffected, _ := result.RowsAffected()
		results = append(results, orm.BasicSQLResult{
			RowsAffected: int(rowsAffected),
			Timing:       time.Since(start).Seconds(),
		})
	}

	if err := tx.Commit(); err != nil {
		return results, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return results, nil
}

// queryContext applies QueryTimeout when the caller set no deadline.
func (pdb *DB) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, pdb.config.QueryTimeout)
}
