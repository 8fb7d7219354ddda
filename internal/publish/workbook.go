package publish

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/metricflow/internal/domain"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const (
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	snapshotPrefix  = "snapshots"
	snapshotLinkTTL = 24 * time.Hour
)

// Archiver is implemented by *storage.Client.
type Archiver interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

// WorkbookPublisher writes the table to the first sheet of an .xlsx file.
// presigner is optionally implemented by an Archiver that can hand out
// download links.
type presigner interface {
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

type WorkbookPublisher struct {
	path     string
	archiver Archiver
	logger   *zap.Logger
}

// NewWorkbookPublisher builds a publisher for outputPath. When archiver is
// non-nil each published workbook is also uploaded under snapshots/.
func NewWorkbookPublisher(outputPath string, archiver Archiver, logger *zap.Logger) (*WorkbookPublisher, error) {
	if strings.TrimSpace(outputPath) == "" {
		return nil, fmt.Errorf("%w: workbook output path is required", domain.ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkbookPublisher{path: outputPath, archiver: archiver, logger: logger}, nil
}

func (p *WorkbookPublisher) Name() string {
	return "xlsx"
}

func (p *WorkbookPublisher) Publish(ctx context.Context, table domain.Table) error {
	if err := CheckCapacity(table); err != nil {
		return err
	}

	data, err := renderWorkbook(table)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(p.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create workbook dir: %w", err)
		}
	}
	if err := os.WriteFile(p.path, data, 0o644); err != nil {
		return fmt.Errorf("write workbook %s: %w", p.path, err)
	}
	p.logger.Info("published workbook", zap.String("path", p.path), zap.Int("rows", len(table.Rows)))

	if p.archiver != nil {
		key := path.Join(snapshotPrefix, filepath.Base(p.path))
		if err := p.archiver.WriteObject(ctx, key, data, xlsxContentType); err != nil {
			return fmt.Errorf("archive workbook: %w", err)
		}
		p.logger.Info("archived workbook", zap.String("object_key", key))

		if ps, ok := p.archiver.(presigner); ok {
			if link, err := ps.PresignedGetURL(ctx, key, snapshotLinkTTL); err == nil {
				p.logger.Info("workbook snapshot link", zap.String("url", link), zap.Duration("expires_in", snapshotLinkTTL))
			} else {
				p.logger.Warn("presign workbook snapshot", zap.Error(err))
			}
		}
	}
	return nil
}

func renderWorkbook(table domain.Table) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return nil, fmt.Errorf("open sheet writer: %w", err)
	}

	for i, row := range grid(table) {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, fmt.Errorf("cell name for row %d: %w", i+1, err)
		}
		if err := sw.SetRow(cell, row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return nil, fmt.Errorf("flush sheet: %w", err)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("encode workbook: %w", err)
	}
	return buf.Bytes(), nil
}
