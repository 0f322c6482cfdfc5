// Package crawl defines core types shared across subsystems.
package crawl

import "time"

// Scope addresses one tenant's slice of every backend. It is built by a
// ScopeResolver and passed explicitly on each call; no client ever switches
// a shared connection to an "active" tenant.
type Scope struct {
	TenantID     string
	Keyspace     string
	IndexName    string
	ObjectPrefix string
}

// QueueEntry is a pending unit of crawl work, keyed by (domain, url path)
// within a tenant scope.
type QueueEntry struct {
	Domain        string
	URLPath       string
	URL           string
	Priority      int
	ScheduledAt   time.Time
	LastAttemptAt *time.Time
	AttemptCount  int
	ClaimToken    string
	CreatedAt     time.Time
}

// Page is the metadata persisted for each successfully crawled page.
// One row per (domain, url path); re-crawls overwrite.
type Page struct {
	Domain        string
	URLPath       string
	URL           string
	Title         string
	StorageID     string
	Compressed    bool
	HTTPStatus    int
	ContentHash   string
	ContentLength int64
	CrawlCount    int
	LastCrawledAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AllowedDomain gates queue insertion and link discovery.
type AllowedDomain struct {
	Domain  string
	AddedAt time.Time
	AddedBy string
	Notes   string
}

// StorageRef identifies a stored payload. Compressed records the decision
// made at upload time so retrieval never probes multiple keys.
type StorageRef struct {
	ID         string
	Compressed bool
}

// Document is the searchable projection of a crawled page.
type Document struct {
	URL        string
	Domain     string
	Title      string
	Content    string
	Excerpt    string
	CrawledAt  time.Time
	HTTPStatus int
}

// SearchResult is one ranked hit from a tenant's index.
type SearchResult struct {
	URL     string
	Domain  string
	Title   string
	Excerpt string
	Score   float64
}

// FetchResult is produced by the Fetcher for a successfully fetched page.
type FetchResult struct {
	URL         string
	StatusCode  int
	Body        []byte
	Title       string
	Text        string
	Excerpt     string
	Links       []string
	Fingerprint string
	// Duplicate is set when the fingerprint matches the stored page; the
	// pipeline then refreshes metadata without re-storing or re-indexing.
	Duplicate bool
	NoIndex   bool
	NoFollow  bool
}
