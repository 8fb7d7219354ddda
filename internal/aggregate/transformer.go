package aggregate

import (
	"context"
	"fmt"

	"github.com/dunamismax/metricflow/internal/domain"
	"go.uber.org/zap"
)

// Store is implemented by *store.DB.
type Store interface {
	Ping(ctx context.Context) bool
	ReadRawRecords(ctx context.Context, table string) ([]domain.RawRecord, error)
	ReplaceUserMetrics(ctx context.Context, table string, metrics []domain.UserMetric) (int64, error)
}

type Transformer struct {
	store  Store
	logger *zap.Logger
}

func NewTransformer(store Store, logger *zap.Logger) *Transformer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{store: store, logger: logger}
}

// Run rebuilds finalTable from rawTable and returns the number of distinct
// users written.
func (t *Transformer) Run(ctx context.Context, rawTable, finalTable string) (int, error) {
	if !t.store.Ping(ctx) {
		return 0, fmt.Errorf("%w: liveness check failed before transform", domain.ErrConnectivity)
	}

	records, err := t.store.ReadRawRecords(ctx, rawTable)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", rawTable, err)
	}
	t.logger.Info("loaded staging rows", zap.String("table", rawTable), zap.Int("rows", len(records)))

	metrics := Aggregate(records)

	if _, err := t.store.ReplaceUserMetrics(ctx, finalTable, metrics); err != nil {
		return 0, fmt.Errorf("write %s: %w", finalTable, err)
	}

	t.logger.Info("transformation complete",
		zap.String("table", finalTable),
		zap.Int("unique_users", len(metrics)),
	)
	return len(metrics), nil
}
