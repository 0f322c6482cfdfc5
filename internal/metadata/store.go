// Package metadata provides the Postgres-backed metadata store client.
//
// Every statement is qualified with the tenant's keyspace (a schema name
// composed from the tenant id), so one shared pool serves all tenants. The
// backend is treated as a wide-column store: every query is a primary-key
// lookup or a bounded scan over a table designed for it, and no method spans
// a multi-statement transaction.
package metadata

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarrysearch/quarry-agent/internal/crawl"
)

var validKeyspace = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and retry policy.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// MaxAttempts is the give-up threshold: once a queue entry has failed
	// this many times it is marked terminal instead of rescheduled.
	MaxAttempts int
	// ClaimBatch is how many due candidates a single claim pass inspects.
	ClaimBatch int
}

// dbPool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements crawl.MetadataStore over Postgres.
type Store struct {
	pool        dbPool
	clock       crawl.Clock
	maxAttempts int
	claimBatch  int
}

// NewPool builds a pgx connection pool from the config. The pool is shared:
// the store and the tenant registry both run over it.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("metadata.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse metadata dsn: %w", err)
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
		return nil, fmt.Errorf("connect metadata store: %w", err)
	}
	return pool, nil
}

// NewStore connects a pool and returns a Store.
func NewStore(ctx context.Context, cfg Config, clock crawl.Clock) (*Store, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newStore(pool, cfg, clock)
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewStoreWithPool(pool dbPool, cfg Config, clock crawl.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newStore(pool, cfg, clock)
}

func newStore(pool dbPool, cfg Config, clock crawl.Clock) (*Store, error) {
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	claimBatch := cfg.ClaimBatch
	if claimBatch <= 0 {
		claimBatch = 5
	}
	return &Store{
		pool:        pool,
		clock:       clock,
		maxAttempts: maxAttempts,
		claimBatch:  claimBatch,
	}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// keyspace validates and returns the scope's namespace identifier. Scopes
// are produced by the tenant resolver, but the store re-checks before
// interpolating into SQL.
func keyspace(scope crawl.Scope) (string, error) {
	if !validKeyspace.MatchString(scope.Keyspace) {
		return "", fmt.Errorf("invalid keyspace %q", scope.Keyspace)
	}
	return scope.Keyspace, nil
}

// EnsureKeyspace creates the tenant's schema and tables if missing. Called
// at startup for the single-tenant namespace and at tenant registration in
// multi-tenant mode.
func (s *Store) EnsureKeyspace(ctx context.Context, scope crawl.Scope) error {
	ks, err := keyspace(scope)
	if err != nil {
		return err
	}
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, ks),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.crawl_queue (
			domain TEXT NOT NULL,
			url_path TEXT NOT NULL,
			url TEXT NOT NULL,
			priority INT NOT NULL,
			scheduled_at TIMESTAMPTZ NOT NULL,
			last_attempt_at TIMESTAMPTZ,
			attempt_count INT NOT NULL DEFAULT 0,
			claim_token TEXT,
			claim_expires_at TIMESTAMPTZ,
			failed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (domain, url_path)
		)`, ks),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.crawled_pages (
			domain TEXT NOT NULL,
			url_path TEXT NOT NULL,
			url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			storage_id TEXT NOT NULL,
			storage_compressed BOOLEAN NOT NULL DEFAULT FALSE,
			http_status INT NOT NULL,
			content_hash TEXT NOT NULL,
			content_length BIGINT NOT NULL,
			crawl_count INT NOT NULL DEFAULT 1,
			last_crawled_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (domain, url_path)
		)`, ks),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.crawl_errors (
			domain TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			url_path TEXT NOT NULL,
			url TEXT NOT NULL,
			error_kind TEXT NOT NULL,
			error_message TEXT NOT NULL,
			attempt_count INT NOT NULL,
			PRIMARY KEY (domain, occurred_at, url_path)
		)`, ks),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.allowed_domains (
			domain TEXT PRIMARY KEY,
			added_at TIMESTAMPTZ NOT NULL,
			added_by TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT ''
		)`, ks),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.robots_cache (
			domain TEXT PRIMARY KEY,
			rules TEXT NOT NULL,
			cached_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`, ks),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.crawl_settings (
			name TEXT PRIMARY KEY,
			enabled BOOLEAN NOT NULL
		)`, ks),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.crawl_stats (
			day DATE NOT NULL,
			hour INT NOT NULL,
			domain TEXT NOT NULL,
			pages_crawled BIGINT NOT NULL DEFAULT 0,
			pages_failed BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (day, hour, domain)
		)`, ks),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure keyspace %s: %w", ks, err)
		}
	}
	return nil
}
