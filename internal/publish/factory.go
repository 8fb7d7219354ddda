package publish

import (
	"context"
	"fmt"

	"github.com/dunamismax/metricflow/internal/config"
	"github.com/dunamismax/metricflow/internal/domain"
	"github.com/dunamismax/metricflow/internal/ratelimit"
	"go.uber.org/zap"
)

// Deps carries the optional collaborators a configured publisher may use.
type Deps struct {
	Archiver Archiver
	Limiter  ratelimit.Allower
	Logger   *zap.Logger
}

// FromConfig builds the configured publisher. It returns nil for the "none"
// backend.
func FromConfig(ctx context.Context, cfg config.PublishConfig, deps Deps) (Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case config.PublishBackendNone:
		return nil, nil
	case config.PublishBackendSheets:
		client, err := NewGoogleSheets(ctx, cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		return NewSheetsPublisher(client, SheetsOptions{
			SpreadsheetName: cfg.SheetName,
			WorksheetIndex:  cfg.WorksheetIndex,
			BlockRows:       cfg.BlockRows,
			Limiter:         deps.Limiter,
		}, deps.Logger)
	case config.PublishBackendXLSX:
		var archiver Archiver
		if cfg.ArchiveToStorage {
			archiver = deps.Archiver
		}
		return NewWorkbookPublisher(cfg.XLSXPath, archiver, deps.Logger)
	default:
		return nil, fmt.Errorf("%w: unknown publish backend %q", domain.ErrConfiguration, cfg.Backend)
	}
}
