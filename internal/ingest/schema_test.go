package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInferColumns(t *testing.T) {
	rows := [][]string{
		{"1", "1700000000000", "alice", "1", "x"},
		{"2", "1700000001000", "bob", "2.5", "y"},
		{"3", "", "carol", "", "z"},
	}

	cols := InferColumns(rows)
	got := make([]string, len(cols))
	for i, c := range cols {
		got[i] = c.SQLType
	}
	assert.Equal(t, []string{"TEXT", "BIGINT", "TEXT", "DOUBLE PRECISION", "TEXT"}, got)
}

func TestInferColumnsNeverNarrowsMetrics(t *testing.T) {
	rows := [][]string{{"1", "1000", "7", "5", "12"}}
	assert.Equal(t, DefaultColumns(), InferColumns(rows))
}

func TestInferColumnsFallsBackToDefaults(t *testing.T) {
	rows := [][]string{{"", "", "", "", ""}}
	assert.Equal(t, DefaultColumns(), InferColumns(rows))
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "incoming/a.csv", objectKey("s3://metricflow/incoming/a.csv", "metricflow"))
	assert.Equal(t, "incoming/a.csv", objectKey("s3://incoming/a.csv", "metricflow"))
	assert.Equal(t, "a.csv", objectKey("s3:///a.csv", ""))
}
