// Package processor drives the crawl pipeline: claim, fetch, store, index,
// commit.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/remeh/sizedwaitgroup"
	"go.uber.org/zap"

	"github.com/quarrysearch/quarry-agent/internal/crawl"
	"github.com/quarrysearch/quarry-agent/internal/metrics"
)

// Config controls the processing loop.
type Config struct {
	PollInterval time.Duration
	// LeaseTTL bounds how long a claimed entry stays invisible to other
	// workers before the reaper returns it.
	LeaseTTL       time.Duration
	ReaperInterval time.Duration
	// TenantConcurrency caps how many tenant pipelines run at once.
	TenantConcurrency int
	// DiscoveredPriority is assigned to queue entries created from links
	// found on crawled pages.
	DiscoveredPriority int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = time.Minute
	}
	if c.TenantConcurrency <= 0 {
		c.TenantConcurrency = 4
	}
	if c.DiscoveredPriority <= 0 {
		c.DiscoveredPriority = 5
	}
	return c
}

// Processor owns the crawl loop across all tenant scopes.
type Processor struct {
	cfg      Config
	resolver crawl.ScopeResolver
	meta     crawl.MetadataStore
	objects  crawl.ObjectStore
	index    crawl.SearchIndex
	fetcher  crawl.Fetcher
	clock    crawl.Clock
	idGen    crawl.IDGenerator
	logger   *zap.Logger
}

// New wires a Processor from its collaborators.
func New(cfg Config, resolver crawl.ScopeResolver, meta crawl.MetadataStore,
	objects crawl.ObjectStore, index crawl.SearchIndex, fetcher crawl.Fetcher,
	clock crawl.Clock, idGen crawl.IDGenerator, logger *zap.Logger) (*Processor, error) {
	switch {
	case resolver == nil:
		return nil, fmt.Errorf("scope resolver is required")
	case meta == nil:
		return nil, fmt.Errorf("metadata store is required")
	case objects == nil:
		return nil, fmt.Errorf("object store is required")
	case index == nil:
		return nil, fmt.Errorf("search index is required")
	case fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case clock == nil:
		return nil, fmt.Errorf("clock is required")
	case idGen == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		cfg:      cfg.withDefaults(),
		resolver: resolver,
		meta:     meta,
		objects:  objects,
		index:    index,
		fetcher:  fetcher,
		clock:    clock,
		idGen:    idGen,
		logger:   logger,
	}, nil
}

// Run executes the processing loop until the context is canceled.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("processor started",
		zap.Duration("poll_interval", p.cfg.PollInterval),
		zap.Duration("lease_ttl", p.cfg.LeaseTTL),
		zap.Int("tenant_concurrency", p.cfg.TenantConcurrency))

	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()
	reap := time.NewTicker(p.cfg.ReaperInterval)
	defer reap.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("processor stopping")
			return ctx.Err()
		case <-reap.C:
			p.reapStaleClaims(ctx)
		case <-poll.C:
			p.tick(ctx)
		}
	}
}

// tick runs one pipeline pass per tenant, bounded by TenantConcurrency.
func (p *Processor) tick(ctx context.Context) {
	tenants, err := p.resolver.Tenants(ctx)
	if err != nil {
		p.logger.Error("list tenants", zap.Error(err))
		return
	}

	swg := sizedwaitgroup.New(p.cfg.TenantConcurrency)
	for _, tenantID := range tenants {
		scope, err := p.resolver.Scope(tenantID)
		if err != nil {
			p.logger.Error("resolve tenant scope", zap.String("tenant", tenantID), zap.Error(err))
			continue
		}
		if err := swg.AddWithContext(ctx); err != nil {
			break
		}
		go func(scope crawl.Scope) {
			defer swg.Done()
			p.drainTenant(ctx, scope)
		}(scope)
	}
	swg.Wait()
}

// drainTenant claims and processes entries for one tenant until the queue
// has nothing due or the context is canceled. The crawling toggle is re-read
// before every claim so an operator pause takes effect mid-backlog rather
// than after the queue drains.
func (p *Processor) drainTenant(ctx context.Context, scope crawl.Scope) {
	for ctx.Err() == nil {
		enabled, err := p.meta.CrawlingEnabled(ctx, scope)
		if err != nil {
			p.logger.Error("read crawling toggle", zap.String("tenant", scope.TenantID), zap.Error(err))
			return
		}
		if !enabled {
			return
		}
		token, err := p.idGen.NewID()
		if err != nil {
			p.logger.Error("generate claim token", zap.String("tenant", scope.TenantID), zap.Error(err))
			return
		}
		entry, ok, err := p.meta.ClaimNext(ctx, scope, token, p.cfg.LeaseTTL)
		if err != nil {
			p.logger.Error("claim queue entry", zap.String("tenant", scope.TenantID), zap.Error(err))
			return
		}
		if !ok {
			metrics.ObserveClaim(scope.TenantID, "empty")
			return
		}
		metrics.ObserveClaim(scope.TenantID, "won")
		p.processEntry(ctx, scope, entry)
	}
}

// processEntry runs the full pipeline for one claimed entry. Failure at any
// stage records a typed error and leaves the entry to the retry policy; no
// partial work is committed to metadata.
func (p *Processor) processEntry(ctx context.Context, scope crawl.Scope, entry crawl.QueueEntry) {
	metrics.IncActivePipelines()
	start := p.clock.Now()
	defer func() {
		metrics.DecActivePipelines()
		metrics.ObservePipeline(scope.TenantID, p.clock.Now().Sub(start))
	}()

	log := p.logger.With(
		zap.String("tenant", scope.TenantID),
		zap.String("domain", entry.Domain),
		zap.String("url", entry.URL),
	)

	result, err := p.fetcher.Fetch(ctx, scope, entry)
	if err != nil {
		if ctx.Err() != nil {
			p.releaseOnShutdown(scope, entry)
			return
		}
		p.fail(ctx, scope, entry, crawl.AsFailure(err, crawl.KindNetworkError), log)
		return
	}

	if result.Duplicate {
		if err := p.meta.RecordDuplicate(ctx, scope, entry); err != nil {
			p.fail(ctx, scope, entry, crawl.NewFailure(crawl.KindMetadataCommit, err), log)
			return
		}
		metrics.ObservePage(scope.TenantID, "duplicate")
		log.Debug("page unchanged, refreshed metadata")
		return
	}

	ref, err := p.objects.Put(ctx, scope, result.Body)
	if err != nil {
		p.fail(ctx, scope, entry, crawl.NewFailure(crawl.KindStorageWrite, err), log)
		return
	}
	metrics.ObserveBytesStored(scope.TenantID, len(result.Body))

	if !result.NoIndex {
		doc := crawl.Document{
			URL:        result.URL,
			Domain:     entry.Domain,
			Title:      result.Title,
			Content:    result.Text,
			Excerpt:    result.Excerpt,
			CrawledAt:  p.clock.Now(),
			HTTPStatus: result.StatusCode,
		}
		if err := p.index.Index(ctx, scope, doc); err != nil {
			p.fail(ctx, scope, entry, crawl.NewFailure(crawl.KindIndexWrite, err), log)
			return
		}
	}

	page := crawl.Page{
		Domain:        entry.Domain,
		URLPath:       entry.URLPath,
		URL:           result.URL,
		Title:         result.Title,
		StorageID:     ref.ID,
		Compressed:    ref.Compressed,
		HTTPStatus:    result.StatusCode,
		ContentHash:   result.Fingerprint,
		ContentLength: int64(len(result.Body)),
		LastCrawledAt: p.clock.Now(),
	}
	if err := p.meta.RecordSuccess(ctx, scope, entry, page); err != nil {
		p.fail(ctx, scope, entry, crawl.NewFailure(crawl.KindMetadataCommit, err), log)
		return
	}
	metrics.ObservePage(scope.TenantID, "crawled")
	log.Info("page crawled",
		zap.Int("status", result.StatusCode),
		zap.Int("bytes", len(result.Body)),
		zap.Int("links", len(result.Links)))

	p.discoverLinks(ctx, scope, result.Links, log)
}

// fail records a pipeline failure in the error trail and applies the retry
// policy: terminal failures give up, everything else reschedules with
// backoff.
func (p *Processor) fail(ctx context.Context, scope crawl.Scope, entry crawl.QueueEntry, failure *crawl.Failure, log *zap.Logger) {
	metrics.ObservePage(scope.TenantID, "failed")
	log.Warn("pipeline failed",
		zap.String("kind", string(failure.Kind)),
		zap.Bool("terminal", failure.Terminal()),
		zap.String("reason", failure.Message))

	if err := p.meta.RecordFailure(ctx, scope, entry, failure.Kind, failure.Message, failure.Terminal()); err != nil {
		// The lease reaper will recover the entry once the claim expires.
		log.Error("record failure", zap.Error(err))
	}
}

// releaseOnShutdown returns an in-flight entry to the queue without penalty.
// The run context is already canceled, so a short detached context covers
// the release write.
func (p *Processor) releaseOnShutdown(scope crawl.Scope, entry crawl.QueueEntry) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.meta.Release(releaseCtx, scope, entry); err != nil {
		p.logger.Error("release claim on shutdown",
			zap.String("tenant", scope.TenantID),
			zap.String("url", entry.URL),
			zap.Error(err))
	}
}

// discoverLinks enqueues links found on a crawled page. Only allow-listed
// domains qualify, already-crawled pages are skipped, and a pending entry
// for the same page is not an error.
func (p *Processor) discoverLinks(ctx context.Context, scope crawl.Scope, links []string, log *zap.Logger) {
	now := p.clock.Now()
	enqueued := 0
	for _, link := range links {
		parsed, err := url.Parse(link)
		if err != nil || parsed.Host == "" {
			continue
		}
		domain := parsed.Hostname()
		urlPath := parsed.RequestURI()

		allowed, err := p.meta.IsDomainAllowed(ctx, scope, domain)
		if err != nil {
			log.Error("check discovered domain", zap.String("link", link), zap.Error(err))
			continue
		}
		if !allowed {
			continue
		}
		exists, err := p.meta.PageExists(ctx, scope, domain, urlPath)
		if err != nil {
			log.Error("check discovered page", zap.String("link", link), zap.Error(err))
			continue
		}
		if exists {
			continue
		}

		err = p.meta.InsertQueueEntry(ctx, scope, crawl.QueueEntry{
			Domain:      domain,
			URLPath:     urlPath,
			URL:         link,
			Priority:    p.cfg.DiscoveredPriority,
			ScheduledAt: now,
			CreatedAt:   now,
		})
		if errors.Is(err, crawl.ErrConflict) {
			continue
		}
		if err != nil {
			log.Error("enqueue discovered link", zap.String("link", link), zap.Error(err))
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		log.Debug("discovered links enqueued", zap.Int("count", enqueued))
	}
}

// reapStaleClaims sweeps every tenant for expired leases.
func (p *Processor) reapStaleClaims(ctx context.Context) {
	tenants, err := p.resolver.Tenants(ctx)
	if err != nil {
		p.logger.Error("list tenants for reaper", zap.Error(err))
		return
	}
	for _, tenantID := range tenants {
		scope, err := p.resolver.Scope(tenantID)
		if err != nil {
			continue
		}
		released, err := p.meta.ReleaseStaleClaims(ctx, scope)
		if err != nil {
			p.logger.Error("release stale claims", zap.String("tenant", tenantID), zap.Error(err))
			continue
		}
		if released > 0 {
			metrics.ObserveStaleClaims(tenantID, released)
			p.logger.Info("stale claims released",
				zap.String("tenant", tenantID), zap.Int64("count", released))
		}
	}
}
