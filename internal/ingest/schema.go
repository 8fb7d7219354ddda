package ingest

import (
	"strconv"

	"github.com/dunamismax/metricflow/internal/domain"
	"github.com/dunamismax/metricflow/internal/store"
)

const (
	sqlBigInt = "BIGINT"
	sqlDouble = "DOUBLE PRECISION"
	sqlText   = "TEXT"
)

// defaultTypes is the narrowest type each staging column may take. Inference
// only widens from here, so a later batch always fits the first batch's table.
var defaultTypes = map[string]string{
	domain.ColumnSessionID:   sqlText,
	domain.ColumnTimestampMS: sqlBigInt,
	domain.ColumnUserName:    sqlText,
	domain.ColumnStartMetric: sqlDouble,
	domain.ColumnEndMetric:   sqlDouble,
}

var typeRank = map[string]int{
	sqlBigInt: 0,
	sqlDouble: 1,
	sqlText:   2,
}

// DefaultColumns is the staging schema used when the source is empty.
func DefaultColumns() []store.Column {
	cols := make([]store.Column, len(domain.RawColumns))
	for i, name := range domain.RawColumns {
		cols[i] = store.Column{Name: name, SQLType: defaultTypes[name]}
	}
	return cols
}

// InferColumns picks a SQL type per column from one batch of string rows,
// never narrower than the column's default type.
func InferColumns(rows [][]string) []store.Column {
	cols := DefaultColumns()
	for i := range cols {
		if t, ok := inferType(rows, i); ok {
			cols[i].SQLType = wider(cols[i].SQLType, t)
		}
	}
	return cols
}

func wider(a, b string) string {
	if typeRank[b] > typeRank[a] {
		return b
	}
	return a
}

func inferType(rows [][]string, col int) (string, bool) {
	seen := false
	isInt, isFloat := true, true
	for _, row := range rows {
		v := row[col]
		if v == "" {
			continue
		}
		seen = true
		if isInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				isInt = false
			}
		}
		if !isInt && isFloat {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				isFloat = false
				break
			}
		}
	}

	switch {
	case !seen:
		return "", false
	case isInt:
		return sqlBigInt, true
	case isFloat:
		return sqlDouble, true
	default:
		return sqlText, true
	}
}
