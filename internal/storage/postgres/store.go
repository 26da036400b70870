// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/media-archiver/internal/archive"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	JobsTable       string
	MediaTable      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store persists archive jobs and media files in Postgres.
type Store struct {
	pool  querier
	jobs  string
	media string
}

var _ archive.Store = (*Store)(nil)

// New connects a pool using cfg and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.JobsTable, cfg.MediaTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool querier, jobsTable, mediaTable string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if jobsTable == "" {
		jobsTable = "archive_jobs"
	}
	if mediaTable == "" {
		mediaTable = "media_files"
	}
	for _, table := range []string{jobsTable, mediaTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Store{pool: pool, jobs: jobsTable, media: mediaTable}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	status TEXT NOT NULL,
	page_title TEXT,
	page_url TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	file_path TEXT,
	file_size BIGINT,
	file_hash TEXT,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	error TEXT
)`, s.jobs),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_url_status_created_idx ON %s (url, status, created_at DESC)`, s.jobs, s.jobs),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_created_idx ON %s (created_at DESC)`, s.jobs, s.jobs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	path TEXT NOT NULL UNIQUE,
	url TEXT NOT NULL,
	media_type TEXT NOT NULL,
	title TEXT,
	description TEXT,
	author TEXT,
	file_size BIGINT NOT NULL DEFAULT 0,
	duration DOUBLE PRECISION,
	width INTEGER,
	height INTEGER,
	archived_at TIMESTAMPTZ NOT NULL,
	tags TEXT[] NOT NULL DEFAULT '{}',
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb
)`, s.media),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_archived_idx ON %s (archived_at DESC)`, s.media, s.media),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
