package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/metricflow/internal/domain"
	"github.com/dunamismax/metricflow/internal/ratelimit"
	"go.uber.org/zap"
)

var (
	ErrSpreadsheetNotFound = errors.New("spreadsheet not found")
	ErrWorksheetNotFound   = errors.New("worksheet not found")
)

const defaultBlockRows = 10_000

// SheetsClient is the subset of the Sheets and Drive APIs the publisher uses.
type SheetsClient interface {
	FindSpreadsheet(ctx context.Context, name string) (string, error)
	WorksheetTitle(ctx context.Context, spreadsheetID string, index int) (string, error)
	ClearWorksheet(ctx context.Context, spreadsheetID, title string) error
	WriteRange(ctx context.Context, spreadsheetID, a1Range string, values [][]any) error
}

type SheetsOptions struct {
	SpreadsheetName string
	WorksheetIndex  int
	BlockRows       int
	// Limiter, when set, gates each write call against the target
	// spreadsheet's budget.
	Limiter ratelimit.Allower
}

type SheetsPublisher struct {
	client SheetsClient
	opts   SheetsOptions
	logger *zap.Logger
}

func NewSheetsPublisher(client SheetsClient, opts SheetsOptions, logger *zap.Logger) (*SheetsPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("sheets client is required")
	}
	if strings.TrimSpace(opts.SpreadsheetName) == "" {
		return nil, fmt.Errorf("%w: spreadsheet name is required", domain.ErrConfiguration)
	}
	if opts.WorksheetIndex < 0 {
		return nil, fmt.Errorf("%w: worksheet index must not be negative", domain.ErrConfiguration)
	}
	if opts.BlockRows <= 0 {
		opts.BlockRows = defaultBlockRows
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SheetsPublisher{client: client, opts: opts, logger: logger}, nil
}

func (p *SheetsPublisher) Name() string {
	return "sheets"
}

// Publish clears the worksheet and writes header and rows from A1.
func (p *SheetsPublisher) Publish(ctx context.Context, table domain.Table) error {
	if err := CheckCapacity(table); err != nil {
		return err
	}

	id, err := p.client.FindSpreadsheet(ctx, p.opts.SpreadsheetName)
	if err != nil {
		return fmt.Errorf("open spreadsheet %q: %w", p.opts.SpreadsheetName, err)
	}
	title, err := p.client.WorksheetTitle(ctx, id, p.opts.WorksheetIndex)
	if err != nil {
		return fmt.Errorf("open worksheet %d: %w", p.opts.WorksheetIndex, err)
	}

	if err := p.wait(ctx, id); err != nil {
		return err
	}
	if err := p.client.ClearWorksheet(ctx, id, title); err != nil {
		return fmt.Errorf("clear worksheet %q: %w", title, err)
	}

	values := grid(table)
	for start := 0; start < len(values); start += p.opts.BlockRows {
		end := min(start+p.opts.BlockRows, len(values))
		if err := p.wait(ctx, id); err != nil {
			return err
		}
		rng := fmt.Sprintf("%s!A%d", quoteSheetTitle(title), start+1)
		if err := p.client.WriteRange(ctx, id, rng, values[start:end]); err != nil {
			return fmt.Errorf("write %s: %w", rng, err)
		}
		p.logger.Debug("wrote sheet block", zap.String("range", rng), zap.Int("rows", end-start))
	}

	p.logger.Info("published to spreadsheet",
		zap.String("spreadsheet", p.opts.SpreadsheetName),
		zap.String("worksheet", title),
		zap.Int("rows", len(table.Rows)),
		zap.Int("columns", len(table.Columns)),
	)
	return nil
}

func (p *SheetsPublisher) wait(ctx context.Context, spreadsheetID string) error {
	if p.opts.Limiter == nil {
		return nil
	}
	if err := ratelimit.Wait(ctx, p.opts.Limiter, ratelimit.SpreadsheetSubject(spreadsheetID)); err != nil {
		return fmt.Errorf("wait for sheets write slot: %w", err)
	}
	return nil
}

// quoteSheetTitle renders a title for A1 notation.
func quoteSheetTitle(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}
