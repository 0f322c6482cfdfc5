// Package tenant resolves tenant identifiers to isolated data scopes.
//
// Scopes are built by deterministic string composition from the tenant id,
// never by switching an "active namespace" on a shared connection. The same
// pool therefore serves all tenants concurrently.
package tenant

import (
	"context"
	"fmt"
	"regexp"

	"github.com/quarrysearch/quarry-agent/internal/crawl"
)

// maxIdentLen bounds tenant identifiers so composed keyspace names stay
// inside backend naming limits.
const maxIdentLen = 48

var validIdent = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateID checks a tenant identifier against the namespace naming rules:
// lowercase alphanumeric plus underscore, must not start with a digit,
// bounded length. Invalid identifiers fail here, at registration time, not
// later at query time.
func ValidateID(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if len(tenantID) > maxIdentLen {
		return fmt.Errorf("tenant id %q exceeds %d characters", tenantID, maxIdentLen)
	}
	if !validIdent.MatchString(tenantID) {
		return fmt.Errorf("invalid tenant id %q: must match %s", tenantID, validIdent.String())
	}
	return nil
}

// scopeFor composes the per-backend namespace identifiers for a tenant.
func scopeFor(tenantID string) crawl.Scope {
	return crawl.Scope{
		TenantID:     tenantID,
		Keyspace:     "tenant_" + tenantID,
		IndexName:    "pages_" + tenantID,
		ObjectPrefix: tenantID + "/",
	}
}

// Single is the single-tenant ScopeResolver: exactly one implicit tenant,
// Scope is a passthrough that ignores the identifier argument.
type Single struct {
	scope crawl.Scope
}

// NewSingle builds a single-tenant resolver with a fixed namespace.
func NewSingle(keyspace, indexName string) *Single {
	return &Single{scope: crawl.Scope{
		TenantID:     "default",
		Keyspace:     keyspace,
		IndexName:    indexName,
		ObjectPrefix: "",
	}}
}

// Scope returns the fixed deployment scope.
func (s *Single) Scope(string) (crawl.Scope, error) {
	return s.scope, nil
}

// Tenants returns the single implicit tenant.
func (s *Single) Tenants(context.Context) ([]string, error) {
	return []string{s.scope.TenantID}, nil
}
