package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/quarrysearch/quarry-agent/internal/crawl"
)

// robotsAllowed checks robots.txt for the target URL, consulting the
// per-tenant cache first. An unreachable or missing robots.txt allows
// everything; a parse failure also allows, since a broken file should not
// block a site its owner wants crawled.
func (f *Fetcher) robotsAllowed(ctx context.Context, scope crawl.Scope, target *url.URL) (bool, error) {
	host := target.Hostname()
	rules, ok, err := f.meta.RobotsRules(ctx, scope, host)
	if err != nil {
		return false, crawl.NewFailure(crawl.KindMetadataCommit, err)
	}
	if !ok {
		rules = f.fetchRobots(ctx, target)
		if err := f.meta.PutRobotsRules(ctx, scope, host, rules, f.robotsTTL); err != nil {
			return false, crawl.NewFailure(crawl.KindMetadataCommit, err)
		}
	}
	if rules == "" {
		return true, nil
	}

	data, err := robotstxt.FromString(rules)
	if err != nil {
		f.logger.Warn("unparseable robots.txt, allowing crawl",
			zap.String("domain", host), zap.Error(err))
		return true, nil
	}
	return data.TestAgent(target.Path, f.userAgent), nil
}

// fetchRobots retrieves robots.txt for the target's host. Any failure
// (network error, 4xx, 5xx) yields empty rules, i.e. allow-all.
func (f *Fetcher) fetchRobots(ctx context.Context, target *url.URL) string {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", target.Scheme, target.Host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Debug("robots.txt unreachable, allowing crawl",
			zap.String("url", robotsURL), zap.Error(err))
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return ""
	}
	return string(body)
}
