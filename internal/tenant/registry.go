package tenant

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quarrysearch/quarry-agent/internal/crawl"
)

// registryPool is the subset of pgxpool.Pool the registry needs. pgxmock
// satisfies it in tests.
type registryPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Registry is the multi-tenant ScopeResolver. Tenants live in a process-wide
// registry table; every cycle the processor asks it which tenants to serve.
type Registry struct {
	pool  registryPool
	table string
}

// NewRegistry builds a registry resolver over the system namespace.
func NewRegistry(pool registryPool) (*Registry, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Registry{pool: pool, table: "quarry_system.tenants"}, nil
}

// EnsureSchema creates the registry table if missing.
func (r *Registry) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS quarry_system`,
		`CREATE TABLE IF NOT EXISTS quarry_system.tenants (
			tenant_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure registry schema: %w", err)
		}
	}
	return nil
}

// Register validates the identifier and inserts the tenant row. The caller
// is responsible for provisioning the tenant's keyspace and search index
// afterwards.
func (r *Registry) Register(ctx context.Context, tenantID, displayName string, now time.Time) error {
	if err := ValidateID(tenantID); err != nil {
		return err
	}
	if displayName == "" {
		displayName = tenantID
	}
	query := `INSERT INTO quarry_system.tenants (tenant_id, display_name, created_at)
VALUES ($1, $2, $3) ON CONFLICT (tenant_id) DO NOTHING`
	if _, err := r.pool.Exec(ctx, query, tenantID, displayName, now); err != nil {
		return fmt.Errorf("register tenant %s: %w", tenantID, err)
	}
	return nil
}

// Scope composes the tenant's namespace identifiers.
func (r *Registry) Scope(tenantID string) (crawl.Scope, error) {
	if err := ValidateID(tenantID); err != nil {
		return crawl.Scope{}, err
	}
	return scopeFor(tenantID), nil
}

// Tenants lists all registered tenant identifiers.
func (r *Registry) Tenants(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT tenant_id FROM quarry_system.tenants ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenant rows: %w", err)
	}
	return ids, nil
}
