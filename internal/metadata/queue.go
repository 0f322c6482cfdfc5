package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/quarrysearch/quarry-agent/internal/crawl"
)

// InsertQueueEntry inserts a pending entry. A still-pending entry for the
// same (domain, url path) yields crawl.ErrConflict; an entry that exhausted
// its retries is re-armed so the URL can be resubmitted.
func (s *Store) InsertQueueEntry(ctx context.Context, scope crawl.Scope, entry crawl.QueueEntry) error {
	ks, err := keyspace(scope)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s.crawl_queue
	(domain, url_path, url, priority, scheduled_at, last_attempt_at, attempt_count, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (domain, url_path) DO UPDATE SET
	url = EXCLUDED.url,
	priority = EXCLUDED.priority,
	scheduled_at = EXCLUDED.scheduled_at,
	last_attempt_at = NULL,
	attempt_count = 0,
	failed = FALSE,
	claim_token = NULL,
	claim_expires_at = NULL
WHERE crawl_queue.failed`, ks)

	tag, err := s.pool.Exec(ctx, query,
		entry.Domain,
		entry.URLPath,
		entry.URL,
		entry.Priority,
		entry.ScheduledAt,
		entry.LastAttemptAt,
		entry.AttemptCount,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrConflict
	}
	return nil
}

// ClaimNext claims the highest-priority due entry for this worker.
//
// The claim is an optimistic compare-and-set: a short ordered scan selects
// candidates, then a single conditional UPDATE marks one in-flight only if
// it is still unclaimed (or its previous lease expired). Two concurrent
// workers can select the same candidate, but exactly one UPDATE wins; the
// loser moves to the next candidate.
func (s *Store) ClaimNext(ctx context.Context, scope crawl.Scope, token string, lease time.Duration) (crawl.QueueEntry, bool, error) {
	ks, err := keyspace(scope)
	if err != nil {
		return crawl.QueueEntry{}, false, err
	}
	now := s.clock.Now()

	query := fmt.Sprintf(`SELECT domain, url_path, url, priority, scheduled_at, last_attempt_at, attempt_count, created_at
FROM %s.crawl_queue
WHERE failed = FALSE
  AND scheduled_at <= $1
  AND (claim_token IS NULL OR claim_expires_at < $1)
ORDER BY priority, scheduled_at
LIMIT $2`, ks)

	rows, err := s.pool.Query(ctx, query, now, s.claimBatch)
	if err != nil {
		return crawl.QueueEntry{}, false, fmt.Errorf("select claim candidates: %w", err)
	}
	var candidates []crawl.QueueEntry
	for rows.Next() {
		var e crawl.QueueEntry
		if err := rows.Scan(&e.Domain, &e.URLPath, &e.URL, &e.Priority, &e.ScheduledAt,
			&e.LastAttemptAt, &e.AttemptCount, &e.CreatedAt); err != nil {
			rows.Close()
			return crawl.QueueEntry{}, false, fmt.Errorf("scan claim candidate: %w", err)
		}
		candidates = append(candidates, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return crawl.QueueEntry{}, false, fmt.Errorf("iterate claim candidates: %w", err)
	}

	claim := fmt.Sprintf(`UPDATE %s.crawl_queue
SET claim_token = $1, claim_expires_at = $2, last_attempt_at = $3
WHERE domain = $4 AND url_path = $5
  AND failed = FALSE
  AND (claim_token IS NULL OR claim_expires_at < $3)`, ks)

	for _, candidate := range candidates {
		tag, err := s.pool.Exec(ctx, claim, token, now.Add(lease), now, candidate.Domain, candidate.URLPath)
		if err != nil {
			return crawl.QueueEntry{}, false, fmt.Errorf("claim queue entry: %w", err)
		}
		if tag.RowsAffected() == 1 {
			candidate.ClaimToken = token
			attempt := now
			candidate.LastAttemptAt = &attempt
			return candidate, true, nil
		}
		// Lost the race for this candidate; try the next one.
	}
	return crawl.QueueEntry{}, false, nil
}

// Release returns a claimed entry to the queue without recording a failure.
// Used on clean shutdown while an item is in flight.
func (s *Store) Release(ctx context.Context, scope crawl.Scope, entry crawl.QueueEntry) error {
	ks, err := keyspace(scope)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s.crawl_queue
SET claim_token = NULL, claim_expires_at = NULL
WHERE domain = $1 AND url_path = $2 AND claim_token = $3`, ks)

	if _, err := s.pool.Exec(ctx, query, entry.Domain, entry.URLPath, entry.ClaimToken); err != nil {
		return fmt.Errorf("release queue entry: %w", err)
	}
	return nil
}

// ReleaseStaleClaims clears claims whose lease expired, making entries from
// crashed workers claimable again.
func (s *Store) ReleaseStaleClaims(ctx context.Context, scope crawl.Scope) (int64, error) {
	ks, err := keyspace(scope)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE %s.crawl_queue
SET claim_token = NULL, claim_expires_at = NULL
WHERE claim_token IS NOT NULL AND claim_expires_at < $1`, ks)

	tag, err := s.pool.Exec(ctx, query, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecordSuccess upserts the crawled page, bumps the stats counter, and
// removes the queue entry. The steps are individually idempotent, so a crash
// between them converges on retry.
func (s *Store) RecordSuccess(ctx context.Context, scope crawl.Scope, entry crawl.QueueEntry, page crawl.Page) error {
	ks, err := keyspace(scope)
	if err != nil {
		return err
	}
	upsert := fmt.Sprintf(`INSERT INTO %s.crawled_pages
	(domain, url_path, url, title, storage_id, storage_compressed, http_status,
	 content_hash, content_length, crawl_count, last_crawled_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11, $12)
ON CONFLICT (domain, url_path) DO UPDATE SET
	url = EXCLUDED.url,
	title = EXCLUDED.title,
	storage_id = EXCLUDED.storage_id,
	storage_compressed = EXCLUDED.storage_compressed,
	http_status = EXCLUDED.http_status,
	content_hash = EXCLUDED.content_hash,
	content_length = EXCLUDED.content_length,
	crawl_count = %s.crawled_pages.crawl_count + 1,
	last_crawled_at = EXCLUDED.last_crawled_at,
	updated_at = EXCLUDED.updated_at`, ks, ks)

	now := s.clock.Now()
	if _, err := s.pool.Exec(ctx, upsert,
		page.Domain,
		page.URLPath,
		page.URL,
		page.Title,
		page.StorageID,
		page.Compressed,
		page.HTTPStatus,
		page.ContentHash,
		page.ContentLength,
		page.LastCrawledAt,
		now,
		now,
	); err != nil {
		return fmt.Errorf("upsert crawled page: %w", err)
	}

	if err := s.bumpStats(ctx, ks, page.Domain, "pages_crawled"); err != nil {
		return err
	}
	return s.deleteQueueEntry(ctx, ks, entry)
}

// RecordDuplicate refreshes crawl timestamps for an unchanged page and
// removes the queue entry; storage and index are untouched.
func (s *Store) RecordDuplicate(ctx context.Context, scope crawl.Scope, entry crawl.QueueEntry) error {
	ks, err := keyspace(scope)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	refresh := fmt.Sprintf(`UPDATE %s.crawled_pages
SET last_crawled_at = $1, updated_at = $1, crawl_count = crawl_count + 1
WHERE domain = $2 AND url_path = $3`, ks)

	if _, err := s.pool.Exec(ctx, refresh, now, entry.Domain, entry.URLPath); err != nil {
		return fmt.Errorf("refresh crawled page: %w", err)
	}
	return s.deleteQueueEntry(ctx, ks, entry)
}

// RecordFailure appends an error-trail row, bumps the failure counter, and
// either reschedules with exponential backoff or marks the entry terminal.
// The entry row is never deleted on failure. The queue updates match the
// caller's claim token, so a worker whose lease lapsed cannot disturb an
// entry another worker has since claimed.
func (s *Store) RecordFailure(ctx context.Context, scope crawl.Scope, entry crawl.QueueEntry, kind crawl.ErrorKind, message string, terminal bool) error {
	ks, err := keyspace(scope)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	attempts := entry.AttemptCount + 1

	insert := fmt.Sprintf(`INSERT INTO %s.crawl_errors
	(domain, occurred_at, url_path, url, error_kind, error_message, attempt_count)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, ks)

	if _, err := s.pool.Exec(ctx, insert,
		entry.Domain, now, entry.URLPath, entry.URL, string(kind), message, attempts,
	); err != nil {
		return fmt.Errorf("insert crawl error: %w", err)
	}
	if err := s.bumpStats(ctx, ks, entry.Domain, "pages_failed"); err != nil {
		return err
	}

	if terminal || attempts >= s.maxAttempts {
		giveUp := fmt.Sprintf(`UPDATE %s.crawl_queue
SET failed = TRUE, attempt_count = $1, last_attempt_at = $2,
    claim_token = NULL, claim_expires_at = NULL
WHERE domain = $3 AND url_path = $4 AND claim_token = $5`, ks)
		if _, err := s.pool.Exec(ctx, giveUp, attempts, now, entry.Domain, entry.URLPath, entry.ClaimToken); err != nil {
			return fmt.Errorf("mark queue entry failed: %w", err)
		}
		return nil
	}

	// Backoff doubles per attempt: 2min, 4min, 8min, ... Retries are also
	// demoted one priority level so fresh work goes first.
	backoff := time.Duration(1<<uint(attempts)) * time.Minute
	requeue := fmt.Sprintf(`UPDATE %s.crawl_queue
SET attempt_count = $1, priority = priority + 1, scheduled_at = $2,
    last_attempt_at = $3, claim_token = NULL, claim_expires_at = NULL
WHERE domain = $4 AND url_path = $5 AND claim_token = $6`, ks)

	if _, err := s.pool.Exec(ctx, requeue, attempts, now.Add(backoff), now, entry.Domain, entry.URLPath, entry.ClaimToken); err != nil {
		return fmt.Errorf("reschedule queue entry: %w", err)
	}
	return nil
}

// deleteQueueEntry removes a completed entry, but only while the caller still
// holds its claim. A no-op delete leaves the entry to whichever worker
// claimed it after the lease expired.
func (s *Store) deleteQueueEntry(ctx context.Context, ks string, entry crawl.QueueEntry) error {
	query := fmt.Sprintf(`DELETE FROM %s.crawl_queue
WHERE domain = $1 AND url_path = $2 AND claim_token = $3`, ks)
	if _, err := s.pool.Exec(ctx, query, entry.Domain, entry.URLPath, entry.ClaimToken); err != nil {
		return fmt.Errorf("delete queue entry: %w", err)
	}
	return nil
}

// bumpStats increments an hourly per-domain counter in the stats table.
func (s *Store) bumpStats(ctx context.Context, ks, domain, counter string) error {
	if counter != "pages_crawled" && counter != "pages_failed" {
		return fmt.Errorf("unknown stats counter %q", counter)
	}
	now := s.clock.Now()
	query := fmt.Sprintf(`INSERT INTO %s.crawl_stats (day, hour, domain, %s)
VALUES ($1, $2, $3, 1)
ON CONFLICT (day, hour, domain) DO UPDATE SET %s = %s.crawl_stats.%s + 1`,
		ks, counter, counter, ks, counter)

	if _, err := s.pool.Exec(ctx, query, now.Truncate(24*time.Hour), now.Hour(), domain); err != nil {
		return fmt.Errorf("bump %s: %w", counter, err)
	}
	return nil
}
