package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/metricflow/internal/domain"
	"github.com/lib/pq"
)

// Column is one column of a table created by this package.
type Column struct {
	Name       string
	SQLType    string
	PrimaryKey bool
}

var metricTableColumns = []Column{
	{Name: domain.ColumnUserName, SQLType: "TEXT", PrimaryKey: true},
	{Name: domain.ColumnTotalDuration, SQLType: "DOUBLE PRECISION"},
	{Name: domain.ColumnActionCount, SQLType: "BIGINT"},
	{Name: domain.ColumnFirstTimestampUTC, SQLType: "TIMESTAMP"},
	{Name: domain.ColumnLastTimestampUTC, SQLType: "TIMESTAMP"},
}

func createTableSQL(table string, cols []Column) (string, error) {
	if strings.TrimSpace(table) == "" {
		return "", fmt.Errorf("table name is required")
	}
	if len(cols) == 0 {
		return "", fmt.Errorf("table %s: at least one column is required", table)
	}

	defs := make([]string, 0, len(cols)+1)
	var pks []string
	for _, c := range cols {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.SQLType) == "" {
			return "", fmt.Errorf("table %s: column name and type are required", table)
		}
		defs = append(defs, pq.QuoteIdentifier(c.Name)+" "+c.SQLType)
		if c.PrimaryKey {
			pks = append(pks, pq.QuoteIdentifier(c.Name))
		}
	}
	if len(pks) > 0 {
		defs = append(defs, "PRIMARY KEY ("+strings.Join(pks, ", ")+")")
	}

	return fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", pq.QuoteIdentifier(table), strings.Join(defs, ",\n\t")), nil
}

func columnNames(cols []Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// ReplaceTable drops table, recreates it with cols, and copies rows in, all
// in one transaction.
func (d *DB) ReplaceTable(ctx context.Context, table string, cols []Column, rows [][]any) (int64, error) {
	ddl, err := createTableSQL(table, cols)
	if err != nil {
		return 0, err
	}

	var copied int64
	err = d.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+pq.QuoteIdentifier(table)); err != nil {
			return fmt.Errorf("drop table %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		n, err := copyRows(ctx, tx, table, columnNames(cols), rows)
		if err != nil {
			return err
		}
		copied = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return copied, nil
}

// AppendRows copies rows into an existing table without touching its schema.
func (d *DB) AppendRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	var copied int64
	err := d.InTx(ctx, func(tx *sql.Tx) error {
		n, err := copyRows(ctx, tx, table, columns, rows)
		if err != nil {
			return err
		}
		copied = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return copied, nil
}

func copyRows(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, columns...))
	if err != nil {
		return 0, fmt.Errorf("prepare copy into %s: %w", table, err)
	}
	defer stmt.Close()

	for i, row := range rows {
		if len(row) != len(columns) {
			return 0, fmt.Errorf("copy into %s: row %d has %d values, want %d", table, i, len(row), len(columns))
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, fmt.Errorf("copy into %s: row %d: %w", table, i, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return 0, fmt.Errorf("flush copy into %s: %w", table, err)
	}
	return int64(len(rows)), nil
}

// ReplaceUserMetrics rewrites the destination table with metrics.
func (d *DB) ReplaceUserMetrics(ctx context.Context, table string, metrics []domain.UserMetric) (int64, error) {
	rows := make([][]any, len(metrics))
	for i, m := range metrics {
		rows[i] = []any{
			m.UserName,
			m.TotalDuration,
			m.ActionCount,
			m.FirstTimestampUTC.UTC(),
			m.LastTimestampUTC.UTC(),
		}
	}
	return d.ReplaceTable(ctx, table, metricTableColumns, rows)
}

// ReadRawRecords loads the whole staging table into memory.
func (d *DB) ReadRawRecords(ctx context.Context, table string) ([]domain.RawRecord, error) {
	cols := make([]string, len(domain.RawColumns))
	for i, c := range domain.RawColumns {
		cols[i] = pq.QuoteIdentifier(c)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), pq.QuoteIdentifier(table))

	var out []domain.RawRecord
	err := d.Acquire(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("read %s: %w", table, err)
		}
		defer rows.Close()

		fields := make([]sql.NullString, len(domain.RawColumns))
		dest := make([]any, len(fields))
		for i := range fields {
			dest[i] = &fields[i]
		}

		rowNum := 0
		for rows.Next() {
			rowNum++
			if err := rows.Scan(dest...); err != nil {
				return fmt.Errorf("scan %s row %d: %w", table, rowNum, err)
			}
			values := make([]string, len(fields))
			for i, f := range fields {
				values[i] = f.String
			}
			rec, err := domain.ParseRawRecord(values)
			if err != nil {
				return fmt.Errorf("%s row %d: %w", table, rowNum, err)
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadTable loads every row of table with its column order preserved.
// Byte slices come back as strings and timestamps as UTC.
func (d *DB) ReadTable(ctx context.Context, table string) (domain.Table, error) {
	out := domain.Table{Name: table}
	err := d.Acquire(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, "SELECT * FROM "+pq.QuoteIdentifier(table))
		if err != nil {
			return fmt.Errorf("read %s: %w", table, err)
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return fmt.Errorf("read %s columns: %w", table, err)
		}
		out.Columns = cols

		for rows.Next() {
			values := make([]any, len(cols))
			dest := make([]any, len(cols))
			for i := range values {
				dest[i] = &values[i]
			}
			if err := rows.Scan(dest...); err != nil {
				return fmt.Errorf("scan %s: %w", table, err)
			}
			for i, v := range values {
				switch tv := v.(type) {
				case []byte:
					values[i] = string(tv)
				case time.Time:
					values[i] = tv.UTC()
				}
			}
			out.Rows = append(out.Rows, values)
		}
		return rows.Err()
	})
	if err != nil {
		return domain.Table{}, err
	}
	return out, nil
}

// DropTables removes the named tables if they exist.
func (d *DB) DropTables(ctx context.Context, tables ...string) error {
	for _, table := range tables {
		if strings.TrimSpace(table) == "" {
			continue
		}
		if _, err := d.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+pq.QuoteIdentifier(table)); err != nil {
			return fmt.Errorf("drop table %s: %w", table, err)
		}
	}
	return nil
}
