// Package crawler fetches pages politely and extracts their content.
package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quarrysearch/quarry-agent/internal/crawl"
)

const defaultUserAgent = "QuarryAgent/1.0 (+https://quarrysearch.github.io/agent)"

// Config controls fetch behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize caps how many bytes of a response body are read.
	MaxBodySize int64
	RobotsTTL   time.Duration
}

// Fetcher implements crawl.Fetcher over net/http. Each fetch re-checks the
// allow-list and robots.txt, so a domain removed mid-flight stops being
// crawled even for entries already queued.
type Fetcher struct {
	client    *http.Client
	meta      crawl.MetadataStore
	hasher    crawl.Hasher
	logger    *zap.Logger
	userAgent string
	maxBody   int64
	robotsTTL time.Duration
	extract   func(body []byte, base *url.URL) (extracted, error)
}

// New builds a Fetcher.
func New(cfg Config, meta crawl.MetadataStore, hasher crawl.Hasher, logger *zap.Logger) (*Fetcher, error) {
	if meta == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBody := cfg.MaxBodySize
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	robotsTTL := cfg.RobotsTTL
	if robotsTTL <= 0 {
		robotsTTL = 24 * time.Hour
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		meta:      meta,
		hasher:    hasher,
		logger:    logger,
		userAgent: ua,
		maxBody:   maxBody,
		robotsTTL: robotsTTL,
		extract:   extract,
	}, nil
}

// Fetch downloads one queued URL and returns the extracted result. Errors are
// typed crawl.Failures so the caller can decide retry vs give-up.
func (f *Fetcher) Fetch(ctx context.Context, scope crawl.Scope, entry crawl.QueueEntry) (crawl.FetchResult, error) {
	target, err := url.Parse(entry.URL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return crawl.FetchResult{}, &crawl.Failure{
			Kind:    crawl.KindInvalidURL,
			Message: fmt.Sprintf("unparseable url %q", entry.URL),
		}
	}

	allowed, err := f.meta.IsDomainAllowed(ctx, scope, target.Hostname())
	if err != nil {
		return crawl.FetchResult{}, crawl.NewFailure(crawl.KindMetadataCommit, err)
	}
	if !allowed {
		return crawl.FetchResult{}, &crawl.Failure{
			Kind:    crawl.KindNotAllowed,
			Message: fmt.Sprintf("domain %s is not on the allow-list", target.Hostname()),
		}
	}

	robotsOK, err := f.robotsAllowed(ctx, scope, target)
	if err != nil {
		return crawl.FetchResult{}, err
	}
	if !robotsOK {
		return crawl.FetchResult{}, &crawl.Failure{
			Kind:    crawl.KindRobotsDisallowed,
			Message: fmt.Sprintf("robots.txt disallows %s", target.Path),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return crawl.FetchResult{}, crawl.NewFailure(crawl.KindInvalidURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return crawl.FetchResult{}, crawl.NewFailure(crawl.KindNetworkError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return crawl.FetchResult{}, &crawl.Failure{
			Kind:       crawl.KindHTTPError,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("fetch %s returned %s", entry.URL, resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return crawl.FetchResult{}, crawl.NewFailure(crawl.KindNetworkError, err)
	}

	fingerprint, err := f.hasher.Hash(body)
	if err != nil {
		return crawl.FetchResult{}, crawl.NewFailure(crawl.KindMetadataCommit, err)
	}

	result := crawl.FetchResult{
		URL:         target.String(),
		StatusCode:  resp.StatusCode,
		Body:        body,
		Fingerprint: fingerprint,
	}

	existing, ok, err := f.meta.GetPage(ctx, scope, entry.Domain, entry.URLPath)
	if err != nil {
		return crawl.FetchResult{}, crawl.NewFailure(crawl.KindMetadataCommit, err)
	}
	if ok && existing.ContentHash == fingerprint {
		result.Duplicate = true
		result.Title = existing.Title
		return result, nil
	}

	page, err := f.extract(body, target)
	if err != nil {
		// Keep the raw payload but never index an empty projection.
		f.logger.Warn("content extraction failed, storing raw page unindexed",
			zap.String("url", entry.URL), zap.Error(err))
		result.NoIndex = true
		return result, nil
	}
	result.Title = page.title
	result.Text = page.text
	result.Excerpt = page.excerpt
	result.NoIndex = page.noIndex
	result.NoFollow = page.noFollow

	// The X-Robots-Tag header and the meta tag merge most-restrictive.
	headerNoIndex, headerNoFollow := parseRobotsTag(resp.Header.Get("X-Robots-Tag"))
	result.NoIndex = result.NoIndex || headerNoIndex
	result.NoFollow = result.NoFollow || headerNoFollow

	if !result.NoFollow {
		result.Links = page.links
	}
	return result, nil
}

// parseRobotsTag reads noindex/nofollow directives from an X-Robots-Tag
// header value. "none" implies both.
func parseRobotsTag(value string) (noIndex, noFollow bool) {
	for _, part := range strings.Split(value, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "noindex":
			noIndex = true
		case "nofollow":
			noFollow = true
		case "none":
			noIndex = true
			noFollow = true
		}
	}
	return noIndex, noFollow
}
