package publish

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/metricflow/internal/domain"
)

// MaxCells is the hard cell ceiling of a spreadsheet.
const MaxCells int64 = 10_000_000

const cellTimeLayout = "2006-01-02 15:04:05"

// Publisher overwrites its target with table.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, table domain.Table) error
}

// TableReader is implemented by *store.DB.
type TableReader interface {
	ReadTable(ctx context.Context, table string) (domain.Table, error)
}

// CheckCapacity rejects a table whose rows × columns exceeds MaxCells.
// The header row is not counted.
func CheckCapacity(table domain.Table) error {
	if cells := table.Cells(); cells > MaxCells {
		return fmt.Errorf("%w: %s has %d rows × %d columns = %d cells, limit %d",
			domain.ErrCapacityExceeded, table.Name, len(table.Rows), len(table.Columns), cells, MaxCells)
	}
	return nil
}

// ReadTable loads the destination table for publishing.
func ReadTable(ctx context.Context, reader TableReader, table string) (domain.Table, error) {
	if strings.TrimSpace(table) == "" {
		return domain.Table{}, fmt.Errorf("%w: table name is required", domain.ErrConfiguration)
	}
	out, err := reader.ReadTable(ctx, table)
	if err != nil {
		return domain.Table{}, fmt.Errorf("read %s for publish: %w", table, err)
	}
	return out, nil
}

// grid renders the header plus rows as spreadsheet cell values.
func grid(table domain.Table) [][]any {
	out := make([][]any, 0, len(table.Rows)+1)

	header := make([]any, len(table.Columns))
	for i, c := range table.Columns {
		header[i] = c
	}
	out = append(out, header)

	for _, row := range table.Rows {
		cells := make([]any, len(row))
		for i, v := range row {
			cells[i] = cellValue(v)
		}
		out = append(out, cells)
	}
	return out
}

func cellValue(v any) any {
	switch tv := v.(type) {
	case nil:
		return ""
	case time.Time:
		return tv.UTC().Format(cellTimeLayout)
	case []byte:
		return string(tv)
	default:
		return tv
	}
}
