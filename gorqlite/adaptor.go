package gorqlite

import (
	orm "github.com/medatechnology/putralib"
	"github.com/rqlite/gorqlite"
)

// ConditionToParameterized renders a SELECT for SQLite. ILIKE does not
// exist there; LIKE is already case-insensitive for ASCII.
func ConditionToParameterized(tableName string, c *orm.Condition) (gorqlite.ParameterizedStatement, error) {
	sqlite := sqliteCondition(*c)
	query, values, err := sqlite.ToSelectString(tableName)
	if err != nil {
		return gorqlite.ParameterizedStatement{}, err
	}
	return gorqlite.ParameterizedStatement{
		Query:     query,
		Arguments: values,
	}, nil
}

func sqliteCondition(c orm.Condition) orm.Condition {
	if c.NormalizedOperator() == orm.OpILike {
		c.Operator = orm.OpLike
	}
	if len(c.Nested) > 0 {
		nested := make([]orm.Condition, len(c.Nested))
		for i := range c.Nested {
			nested[i] = sqliteCondition(c.Nested[i])
		}
		c.Nested = nested
	}
	return c
}

// convert from 1 ParameterizedSQL to gorqlite.ParameterizedStatement
func FromOneParameterizedSQL(p orm.ParametereizedSQL) gorqlite.ParameterizedStatement {
	return gorqlite.ParameterizedStatement{
		Query:     p.Query,
		Arguments: p.Values,
	}
}

// convert from many ParameterizedSQL to gorqlite.ParameterizedStatement
func FromManyParameterizedSQL(p []orm.ParametereizedSQL) []gorqlite.ParameterizedStatement {
	ps := make([]gorqlite.ParameterizedStatement, 0, len(p))
	for _, one := range p {
		ps = append(ps, FromOneParameterizedSQL(one))
	}
	return ps
}

func WriteResultToBasicSQLResult(res gorqlite.WriteResult) orm.BasicSQLResult {
	return orm.BasicSQLResult{
		Error:        res.Err,
		LastInsertID: int(res.LastInsertID),
		RowsAffected: int(res.RowsAffected),
		Timing:       res.Timing,
	}
}

func WriteResultsToBasicSQLResults(res []gorqlite.WriteResult) []orm.BasicSQLResult {
	ret := make([]orm.BasicSQLResult, 0, len(res))
	for _, one := range res {
		ret = append(ret, WriteResultToBasicSQLResult(one))
	}
	return ret
}

// queryResultToDBRecords drains a gorqlite result. gorqlite needs Next()
// before every Map().
func queryResultToDBRecords(qr gorqlite.QueryResult, tableName string) (orm.DBRecords, error) {
	records := make(orm.DBRecords, 0, qr.NumRows())
	for qr.Next() {
		result, err := qr.Map()
		if err != nil {
			return nil, err
		}
		records = append(records, orm.DBRecord{
			TableName: tableName,
			Data:      result,
		})
	}
	return records, nil
}
