package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/metricflow/internal/domain"
)

const runSchemaSQL = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	stage TEXT NOT NULL DEFAULT '',
	source_path TEXT NOT NULL,
	raw_table TEXT NOT NULL,
	final_table TEXT NOT NULL,
	batch_size INTEGER NOT NULL,
	raw_rows BIGINT NOT NULL DEFAULT 0,
	unique_users INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

const runColumns = `id, status, stage, source_path, raw_table, final_table, batch_size,
	raw_rows, unique_users, error, webhook_url, created_at, updated_at`

type PostgresRunStore struct {
	db *sql.DB
}

func NewPostgresRunStore(ctx context.Context, db *DB) (*PostgresRunStore, error) {
	s := &PostgresRunStore{db: db.SQL()}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresRunStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, runSchemaSQL); err != nil {
		return fmt.Errorf("ensure pipeline_runs schema: %w", err)
	}
	return nil
}

func (s *PostgresRunStore) Create(ctx context.Context, run domain.Run) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO pipeline_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID,
		run.Status,
		run.Stage,
		run.SourcePath,
		run.RawTable,
		run.FinalTable,
		run.BatchSize,
		run.RawRows,
		run.UniqueUsers,
		run.Error,
		run.WebhookURL,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PostgresRunStore) Get(ctx context.Context, id string) (domain.Run, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+runColumns+`
		 FROM pipeline_runs
		 WHERE id = $1`,
		id,
	)

	var run domain.Run
	if err := row.Scan(
		&run.ID,
		&run.Status,
		&run.Stage,
		&run.SourcePath,
		&run.RawTable,
		&run.FinalTable,
		&run.BatchSize,
		&run.RawRows,
		&run.UniqueUsers,
		&run.Error,
		&run.WebhookURL,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Run{}, false, nil
		}
		return domain.Run{}, false, fmt.Errorf("query run: %w", err)
	}

	return run, true, nil
}

func (s *PostgresRunStore) UpdateStatus(ctx context.Context, id, status string) (domain.Run, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_runs
		 SET status = $1, updated_at = $2
		 WHERE id = $3`,
		status,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return domain.Run{}, fmt.Errorf("update run status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Run{}, ErrRunNotFound
	}

	run, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Run{}, err
	}
	if !ok {
		return domain.Run{}, ErrRunNotFound
	}
	return run, nil
}

func (s *PostgresRunStore) Save(ctx context.Context, run domain.Run) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_runs
		 SET status = $1, stage = $2, raw_rows = $3, unique_users = $4, error = $5, updated_at = $6
		 WHERE id = $7`,
		run.Status,
		run.Stage,
		run.RawRows,
		run.UniqueUsers,
		run.Error,
		time.Now().UTC(),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}
