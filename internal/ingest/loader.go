package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/dunamismax/metricflow/internal/domain"
	"github.com/dunamismax/metricflow/internal/store"
	"go.uber.org/zap"
)

// ErrMalformedRecord marks a source line with the wrong field count or a
// timestamp or metric that is not a number.
var ErrMalformedRecord = errors.New("malformed source record")

// TableWriter is implemented by *store.DB.
type TableWriter interface {
	ReplaceTable(ctx context.Context, table string, cols []store.Column, rows [][]any) (int64, error)
	AppendRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
}

type Request struct {
	Path      string
	Table     string
	BatchSize int
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Path) == "" {
		return fmt.Errorf("%w: source path is required", domain.ErrConfiguration)
	}
	if strings.TrimSpace(r.Table) == "" {
		return fmt.Errorf("%w: staging table is required", domain.ErrConfiguration)
	}
	if r.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", domain.ErrConfiguration, r.BatchSize)
	}
	return nil
}

type Loader struct {
	writer  TableWriter
	objects ObjectOpener
	logger  *zap.Logger
}

// NewLoader builds a loader. objects may be nil when only local paths are used.
func NewLoader(writer TableWriter, objects ObjectOpener, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		writer:  writer,
		objects: objects,
		logger:  logger,
	}
}

// Load streams req.Path into req.Table in batches of req.BatchSize rows. The
// first batch replaces the table, later batches append. It returns the total
// number of rows written.
func (l *Loader) Load(ctx context.Context, req Request) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	src, err := openSource(ctx, req.Path, l.objects)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	l.logger.Info("starting ingestion",
		zap.String("source", req.Path),
		zap.String("table", req.Table),
		zap.Int("batch_size", req.BatchSize),
	)

	reader := newRecordReader(src)

	var (
		total   int64
		batchNo int
		columns []string
	)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		batch, err := reader.next(req.BatchSize)
		if err != nil {
			return total, fmt.Errorf("read %s: %w", req.Path, err)
		}
		if len(batch) == 0 {
			break
		}
		batchNo++

		rows := toRows(batch)
		var n int64
		if batchNo == 1 {
			cols := InferColumns(batch)
			columns = columnNames(cols)
			n, err = l.writer.ReplaceTable(ctx, req.Table, cols, rows)
		} else {
			n, err = l.writer.AppendRows(ctx, req.Table, columns, rows)
		}
		if err != nil {
			return total, fmt.Errorf("write batch %d to %s: %w", batchNo, req.Table, err)
		}

		total += n
		l.logger.Info("inserted batch",
			zap.Int("batch", batchNo),
			zap.Int64("rows", n),
			zap.Int64("total_rows", total),
		)

		if len(batch) < req.BatchSize {
			break
		}
	}

	if batchNo == 0 {
		if _, err := l.writer.ReplaceTable(ctx, req.Table, DefaultColumns(), nil); err != nil {
			return 0, fmt.Errorf("reset %s: %w", req.Table, err)
		}
		l.logger.Warn("source is empty, staging table reset", zap.String("table", req.Table))
	}

	l.logger.Info("ingestion complete", zap.String("table", req.Table), zap.Int64("total_rows", total))
	return total, nil
}

type recordReader struct {
	csv *csv.Reader
}

func newRecordReader(r io.Reader) *recordReader {
	cr := csv.NewReader(bufio.NewReaderSize(r, 64*1024))
	cr.FieldsPerRecord = len(domain.RawColumns)
	cr.TrimLeadingSpace = true
	return &recordReader{csv: cr}
}

// next returns up to n trimmed, validated records; an empty slice means end
// of input. Numeric fields are rewritten in canonical form so they load into
// BIGINT and DOUBLE PRECISION columns.
func (r *recordReader) next(n int) ([][]string, error) {
	batch := make([][]string, 0, min(n, 4096))
	for len(batch) < n {
		record, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			return batch, nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedRecord, perr.Line, perr.Err)
			}
			return nil, err
		}
		for i := range record {
			record[i] = strings.TrimSpace(record[i])
		}
		if err := normalize(record); err != nil {
			line, _ := r.csv.FieldPos(0)
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedRecord, line, err)
		}
		batch = append(batch, record)
	}
	return batch, nil
}

func normalize(record []string) error {
	rec, err := domain.ParseRawRecord(record)
	if err != nil {
		return err
	}
	if !finite(rec.StartMetric) || !finite(rec.EndMetric) {
		return errors.New("metrics must be finite numbers")
	}
	record[1] = strconv.FormatInt(rec.TimestampMS, 10)
	record[3] = strconv.FormatFloat(rec.StartMetric, 'g', -1, 64)
	record[4] = strconv.FormatFloat(rec.EndMetric, 'g', -1, 64)
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func toRows(batch [][]string) [][]any {
	rows := make([][]any, len(batch))
	for i, record := range batch {
		row := make([]any, len(record))
		for j, v := range record {
			if v == "" {
				row[j] = nil
				continue
			}
			row[j] = v
		}
		rows[i] = row
	}
	return rows
}

func columnNames(cols []store.Column) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}
