package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dunamismax/metricflow/internal/config"
	"github.com/dunamismax/metricflow/internal/domain"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	poolSize     = 5
	poolOverflow = 10
)

// DB is the shared connection handle passed to every stage.
type DB struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open builds a pooled handle. Credentials are checked before the driver is
// touched; no connection is made until first use.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(poolSize + poolOverflow)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	return New(db, logger), nil
}

// New wraps an existing *sql.DB.
func New(db *sql.DB, logger *zap.Logger) *DB {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{db: db, logger: logger}
}

func (d *DB) SQL() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Ping runs a trivial round trip and reports the outcome without returning
// an error. Callers treat false as fatal.
func (d *DB) Ping(ctx context.Context) bool {
	var one int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		d.logger.Error("database connection failed", zap.Error(err))
		return false
	}
	d.logger.Info("database connection successful")
	return true
}

// Acquire checks out one connection, validates it, and hands it to fn. The
// connection goes back to the pool when fn returns.
func (d *DB) Acquire(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquire connection: %v", domain.ErrConnectivity, err)
	}
	defer conn.Close()

	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: validate connection: %v", domain.ErrConnectivity, err)
	}
	return fn(ctx, conn)
}

// InTx runs fn in a transaction on a validated pooled connection.
func (d *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return d.Acquire(ctx, func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}
