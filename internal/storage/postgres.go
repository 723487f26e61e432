package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
    dev_eui     BYTEA PRIMARY KEY,
    dev_addr    BYTEA,
    nwk_s_key   BYTEA,
    gateway_id  TEXT NOT NULL DEFAULT '',
    desired     JSONB NOT NULL DEFAULT '{}'::jsonb,
    reported    JSONB NOT NULL DEFAULT '{}'::jsonb,
    version     BIGINT NOT NULL DEFAULT 1,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_devices_dev_addr ON devices (dev_addr);

CREATE TABLE IF NOT EXISTS join_nonces (
    dev_eui     BYTEA NOT NULL REFERENCES devices (dev_eui) ON DELETE CASCADE,
    dev_nonce   INTEGER NOT NULL,
    gateway_id  TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (dev_eui, dev_nonce)
);

CREATE TABLE IF NOT EXISTS downlink_counters (
    dev_eui     BYTEA PRIMARY KEY REFERENCES devices (dev_eui) ON DELETE CASCADE,
    fcnt_up     BIGINT NOT NULL,
    fcnt_down   BIGINT NOT NULL,
    gateway_id  TEXT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cloud_messages (
    id          UUID PRIMARY KEY,
    dev_eui     BYTEA NOT NULL REFERENCES devices (dev_eui) ON DELETE CASCADE,
    f_port      SMALLINT NOT NULL,
    payload     BYTEA,
    confirmed   BOOLEAN NOT NULL DEFAULT false,
    state       TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_cloud_messages_pending ON cloud_messages (dev_eui, created_at) WHERE state = 'pending';
`

// PostgresOptions tunes the connection pool
type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore implements Store interface for PostgreSQL
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

// NewPostgresStore creates a new PostgreSQL store and applies the schema
func NewPostgresStore(ctx context.Context, dsn string, opts PostgresOptions) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// beginTx starts a new transaction
func (s *PostgresStore) beginTx(ctx context.Context) (*PostgresStore, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: s.db, tx: tx}, nil
}

// withTx runs fn inside a transaction and commits when fn succeeds
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *PostgresStore) error) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	return tx.tx.Commit()
}

// getDB returns tx if in transaction, otherwise db
func (s *PostgresStore) getDB() interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}
