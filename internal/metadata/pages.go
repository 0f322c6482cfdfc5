package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quarrysearch/quarry-agent/internal/crawl"
)

// GetPage fetches a crawled page by its primary key.
func (s *Store) GetPage(ctx context.Context, scope crawl.Scope, domain, urlPath string) (crawl.Page, bool, error) {
	ks, err := keyspace(scope)
	if err != nil {
		return crawl.Page{}, false, err
	}
	query := fmt.Sprintf(`SELECT domain, url_path, url, title, storage_id, storage_compressed,
	http_status, content_hash, content_length, crawl_count, last_crawled_at, created_at, updated_at
FROM %s.crawled_pages WHERE domain = $1 AND url_path = $2`, ks)

	var p crawl.Page
	err = s.pool.QueryRow(ctx, query, domain, urlPath).Scan(
		&p.Domain, &p.URLPath, &p.URL, &p.Title, &p.StorageID, &p.Compressed,
		&p.HTTPStatus, &p.ContentHash, &p.ContentLength, &p.CrawlCount,
		&p.LastCrawledAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.Page{}, false, nil
	}
	if err != nil {
		return crawl.Page{}, false, fmt.Errorf("get crawled page: %w", err)
	}
	return p, true, nil
}

// PageExists reports whether a page row exists for (domain, url path).
func (s *Store) PageExists(ctx context.Context, scope crawl.Scope, domain, urlPath string) (bool, error) {
	_, ok, err := s.GetPage(ctx, scope, domain, urlPath)
	return ok, err
}

// IsDomainAllowed reports whether the domain is on the tenant's allow-list.
func (s *Store) IsDomainAllowed(ctx context.Context, scope crawl.Scope, domain string) (bool, error) {
	ks, err := keyspace(scope)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`SELECT domain FROM %s.allowed_domains WHERE domain = $1`, ks)

	var found string
	err = s.pool.QueryRow(ctx, query, domain).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check allowed domain: %w", err)
	}
	return true, nil
}

// AddAllowedDomain upserts a domain onto the allow-list.
func (s *Store) AddAllowedDomain(ctx context.Context, scope crawl.Scope, d crawl.AllowedDomain) error {
	ks, err := keyspace(scope)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s.allowed_domains (domain, added_at, added_by, notes)
VALUES ($1, $2, $3, $4)
ON CONFLICT (domain) DO UPDATE SET notes = EXCLUDED.notes`, ks)

	if _, err := s.pool.Exec(ctx, query, d.Domain, d.AddedAt, d.AddedBy, d.Notes); err != nil {
		return fmt.Errorf("add allowed domain: %w", err)
	}
	return nil
}

// ListAllowedDomains returns the tenant's allow-list.
func (s *Store) ListAllowedDomains(ctx context.Context, scope crawl.Scope) ([]crawl.AllowedDomain, error) {
	ks, err := keyspace(scope)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT domain, added_at, added_by, notes FROM %s.allowed_domains ORDER BY domain`, ks)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list allowed domains: %w", err)
	}
	defer rows.Close()

	var domains []crawl.AllowedDomain
	for rows.Next() {
		var d crawl.AllowedDomain
		if err := rows.Scan(&d.Domain, &d.AddedAt, &d.AddedBy, &d.Notes); err != nil {
			return nil, fmt.Errorf("scan allowed domain: %w", err)
		}
		domains = append(domains, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allowed domains: %w", err)
	}
	return domains, nil
}

// RemoveAllowedDomain deletes a domain from the allow-list.
func (s *Store) RemoveAllowedDomain(ctx context.Context, scope crawl.Scope, domain string) error {
	ks, err := keyspace(scope)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s.allowed_domains WHERE domain = $1`, ks)
	if _, err := s.pool.Exec(ctx, query, domain); err != nil {
		return fmt.Errorf("remove allowed domain: %w", err)
	}
	return nil
}

// RobotsRules returns cached robots.txt rules for the domain, with ok false
// on a miss or expired entry.
func (s *Store) RobotsRules(ctx context.Context, scope crawl.Scope, domain string) (string, bool, error) {
	ks, err := keyspace(scope)
	if err != nil {
		return "", false, err
	}
	query := fmt.Sprintf(`SELECT rules, expires_at FROM %s.robots_cache WHERE domain = $1`, ks)

	var rules string
	var expiresAt time.Time
	err = s.pool.QueryRow(ctx, query, domain).Scan(&rules, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get robots cache: %w", err)
	}
	if !expiresAt.After(s.clock.Now()) {
		return "", false, nil
	}
	return rules, true, nil
}

// PutRobotsRules caches robots.txt rules for the domain with a TTL.
func (s *Store) PutRobotsRules(ctx context.Context, scope crawl.Scope, domain, rules string, ttl time.Duration) error {
	ks, err := keyspace(scope)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	query := fmt.Sprintf(`INSERT INTO %s.robots_cache (domain, rules, cached_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (domain) DO UPDATE SET
	rules = EXCLUDED.rules, cached_at = EXCLUDED.cached_at, expires_at = EXCLUDED.expires_at`, ks)

	if _, err := s.pool.Exec(ctx, query, domain, rules, now, now.Add(ttl)); err != nil {
		return fmt.Errorf("put robots cache: %w", err)
	}
	return nil
}

// CrawlingEnabled reads the per-tenant crawling toggle. Missing row means
// enabled: a fresh tenant crawls by default.
func (s *Store) CrawlingEnabled(ctx context.Context, scope crawl.Scope) (bool, error) {
	ks, err := keyspace(scope)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`SELECT enabled FROM %s.crawl_settings WHERE name = 'crawling_enabled'`, ks)

	var enabled bool
	err = s.pool.QueryRow(ctx, query).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("get crawling enabled: %w", err)
	}
	return enabled, nil
}

// SetCrawlingEnabled flips the per-tenant crawling toggle.
func (s *Store) SetCrawlingEnabled(ctx context.Context, scope crawl.Scope, enabled bool) error {
	ks, err := keyspace(scope)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s.crawl_settings (name, enabled)
VALUES ('crawling_enabled', $1)
ON CONFLICT (name) DO UPDATE SET enabled = EXCLUDED.enabled`, ks)

	if _, err := s.pool.Exec(ctx, query, enabled); err != nil {
		return fmt.Errorf("set crawling enabled: %w", err)
	}
	return nil
}
