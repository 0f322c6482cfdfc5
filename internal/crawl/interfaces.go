package crawl

import (
	"context"
	"time"
)

// ScopeResolver maps tenant identifiers to isolated data scopes. Deployment
// modes (single-tenant, registry-backed multi-tenant) are implementations of
// this interface, selected once at startup.
type ScopeResolver interface {
	// Scope builds the namespace identifiers for a tenant by pure string
	// composition. It never mutates shared connection state.
	Scope(tenantID string) (Scope, error)
	// Tenants lists the tenant identifiers to service on each cycle.
	Tenants(ctx context.Context) ([]string, error)
}

// MetadataStore persists queue, page, error, allow-list, robots-cache, and
// settings entities. Every call is fully qualified by the given scope.
type MetadataStore interface {
	IsDomainAllowed(ctx context.Context, scope Scope, domain string) (bool, error)
	AddAllowedDomain(ctx context.Context, scope Scope, d AllowedDomain) error
	ListAllowedDomains(ctx context.Context, scope Scope) ([]AllowedDomain, error)
	RemoveAllowedDomain(ctx context.Context, scope Scope, domain string) error

	// InsertQueueEntry inserts a pending entry, failing with ErrConflict if
	// an entry for the same (domain, url path) is already pending.
	InsertQueueEntry(ctx context.Context, scope Scope, entry QueueEntry) error
	// ClaimNext atomically claims the highest-priority due entry using the
	// provided token and lease duration. ok is false when nothing is claimable
	// or crawling is disabled upstream.
	ClaimNext(ctx context.Context, scope Scope, token string, lease time.Duration) (QueueEntry, bool, error)
	// Release returns a claimed entry to the queue without penalty.
	Release(ctx context.Context, scope Scope, entry QueueEntry) error
	// ReleaseStaleClaims clears claims whose lease has expired so crashed
	// workers cannot strand entries.
	ReleaseStaleClaims(ctx context.Context, scope Scope) (int64, error)

	// RecordSuccess upserts the page, bumps stats, and removes the queue entry.
	RecordSuccess(ctx context.Context, scope Scope, entry QueueEntry, page Page) error
	// RecordDuplicate refreshes crawl timestamps for an unchanged page and
	// removes the queue entry without touching storage or the index.
	RecordDuplicate(ctx context.Context, scope Scope, entry QueueEntry) error
	// RecordFailure appends to the error trail and either reschedules the
	// entry with backoff or, for terminal failures and exhausted attempts,
	// marks it failed.
	RecordFailure(ctx context.Context, scope Scope, entry QueueEntry, kind ErrorKind, message string, terminal bool) error

	GetPage(ctx context.Context, scope Scope, domain, urlPath string) (Page, bool, error)
	PageExists(ctx context.Context, scope Scope, domain, urlPath string) (bool, error)

	RobotsRules(ctx context.Context, scope Scope, domain string) (string, bool, error)
	PutRobotsRules(ctx context.Context, scope Scope, domain, rules string, ttl time.Duration) error

	CrawlingEnabled(ctx context.Context, scope Scope) (bool, error)
	SetCrawlingEnabled(ctx context.Context, scope Scope, enabled bool) error
}

// ObjectStore writes raw fetched payloads and reads them back by reference.
type ObjectStore interface {
	Put(ctx context.Context, scope Scope, data []byte) (StorageRef, error)
	Get(ctx context.Context, scope Scope, ref StorageRef) ([]byte, error)
}

// SearchIndex maintains a per-tenant full-text index.
type SearchIndex interface {
	EnsureIndex(ctx context.Context, scope Scope) error
	Index(ctx context.Context, scope Scope, doc Document) error
	Search(ctx context.Context, scope Scope, query string, limit, offset int) ([]SearchResult, error)
}

// Fetcher fetches one URL and returns a normalized result or a typed Failure.
type Fetcher interface {
	Fetch(ctx context.Context, scope Scope, entry QueueEntry) (FetchResult, error)
}

// Hasher computes content fingerprints for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers (storage keys, claim tokens).
type IDGenerator interface {
	NewID() (string, error)
}
