package domain

import "time"

// Staging table columns, in source file order.
const (
	ColumnSessionID   = "session_id"
	ColumnTimestampMS = "timestamp_ms"
	ColumnUserName    = "user_name"
	ColumnStartMetric = "start_metric"
	ColumnEndMetric   = "end_metric"
)

// Destination table columns.
const (
	ColumnTotalDuration     = "total_duration"
	ColumnActionCount       = "action_count"
	ColumnFirstTimestampUTC = "first_timestamp_utc"
	ColumnLastTimestampUTC  = "last_timestamp_utc"
)

var RawColumns = []string{
	ColumnSessionID,
	ColumnTimestampMS,
	ColumnUserName,
	ColumnStartMetric,
	ColumnEndMetric,
}

var MetricColumns = []string{
	ColumnUserName,
	ColumnTotalDuration,
	ColumnActionCount,
	ColumnFirstTimestampUTC,
	ColumnLastTimestampUTC,
}

// RawRecord is one parsed line of the source file.
type RawRecord struct {
	SessionID   string
	TimestampMS int64
	UserName    string
	StartMetric float64
	EndMetric   float64
}

type UserMetric struct {
	UserName          string
	TotalDuration     float64
	ActionCount       int64
	FirstTimestampUTC time.Time
	LastTimestampUTC  time.Time
}

// Values returns the metric as a row ordered like MetricColumns.
func (m UserMetric) Values() []any {
	return []any{
		m.UserName,
		m.TotalDuration,
		m.ActionCount,
		m.FirstTimestampUTC,
		m.LastTimestampUTC,
	}
}

// Table is a fully materialized result set handed to publishers.
type Table struct {
	Name    string
	Columns []string
	Rows    [][]any
}

// Cells is rows × columns, header excluded.
func (t Table) Cells() int64 {
	return int64(len(t.Rows)) * int64(len(t.Columns))
}
