package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrysearch/quarry-agent/internal/crawl"
	"github.com/quarrysearch/quarry-agent/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDGen struct{ n int }

func (g *seqIDGen) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("token-%04d", g.n), nil
}

type stubResolver struct{ scope crawl.Scope }

func (r stubResolver) Scope(string) (crawl.Scope, error) { return r.scope, nil }

func (r stubResolver) Tenants(context.Context) ([]string, error) {
	return []string{r.scope.TenantID}, nil
}

type recordedFailure struct {
	entry    crawl.QueueEntry
	kind     crawl.ErrorKind
	terminal bool
}

// stubMeta implements crawl.MetadataStore with recording hooks.
type stubMeta struct {
	enabled  bool
	claims   []crawl.QueueEntry
	onClaim  func()
	allowed  map[string]bool
	existing map[string]bool

	inserted   []crawl.QueueEntry
	insertErr  error
	successes  []crawl.Page
	successErr error
	duplicates []crawl.QueueEntry
	failures   []recordedFailure
	released   []crawl.QueueEntry
	stale      int64
}

func newStubMeta() *stubMeta {
	return &stubMeta{
		enabled:  true,
		allowed:  make(map[string]bool),
		existing: make(map[string]bool),
	}
}

func (m *stubMeta) IsDomainAllowed(_ context.Context, _ crawl.Scope, domain string) (bool, error) {
	return m.allowed[domain], nil
}

func (m *stubMeta) AddAllowedDomain(context.Context, crawl.Scope, crawl.AllowedDomain) error {
	return nil
}

func (m *stubMeta) ListAllowedDomains(context.Context, crawl.Scope) ([]crawl.AllowedDomain, error) {
	return nil, nil
}

func (m *stubMeta) RemoveAllowedDomain(context.Context, crawl.Scope, string) error { return nil }

func (m *stubMeta) InsertQueueEntry(_ context.Context, _ crawl.Scope, entry crawl.QueueEntry) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.inserted = append(m.inserted, entry)
	return nil
}

func (m *stubMeta) ClaimNext(_ context.Context, _ crawl.Scope, token string, _ time.Duration) (crawl.QueueEntry, bool, error) {
	if len(m.claims) == 0 {
		return crawl.QueueEntry{}, false, nil
	}
	entry := m.claims[0]
	m.claims = m.claims[1:]
	entry.ClaimToken = token
	if m.onClaim != nil {
		m.onClaim()
	}
	return entry, true, nil
}

func (m *stubMeta) Release(_ context.Context, _ crawl.Scope, entry crawl.QueueEntry) error {
	m.released = append(m.released, entry)
	return nil
}

func (m *stubMeta) ReleaseStaleClaims(context.Context, crawl.Scope) (int64, error) {
	return m.stale, nil
}

func (m *stubMeta) RecordSuccess(_ context.Context, _ crawl.Scope, _ crawl.QueueEntry, page crawl.Page) error {
	if m.successErr != nil {
		return m.successErr
	}
	m.successes = append(m.successes, page)
	return nil
}

func (m *stubMeta) RecordDuplicate(_ context.Context, _ crawl.Scope, entry crawl.QueueEntry) error {
	m.duplicates = append(m.duplicates, entry)
	return nil
}

func (m *stubMeta) RecordFailure(_ context.Context, _ crawl.Scope, entry crawl.QueueEntry, kind crawl.ErrorKind, _ string, terminal bool) error {
	m.failures = append(m.failures, recordedFailure{entry: entry, kind: kind, terminal: terminal})
	return nil
}

func (m *stubMeta) GetPage(context.Context, crawl.Scope, string, string) (crawl.Page, bool, error) {
	return crawl.Page{}, false, nil
}

func (m *stubMeta) PageExists(_ context.Context, _ crawl.Scope, domain, urlPath string) (bool, error) {
	return m.existing[domain+urlPath], nil
}

func (m *stubMeta) RobotsRules(context.Context, crawl.Scope, string) (string, bool, error) {
	return "", false, nil
}

func (m *stubMeta) PutRobotsRules(context.Context, crawl.Scope, string, string, time.Duration) error {
	return nil
}

func (m *stubMeta) CrawlingEnabled(context.Context, crawl.Scope) (bool, error) {
	return m.enabled, nil
}

func (m *stubMeta) SetCrawlingEnabled(context.Context, crawl.Scope, bool) error { return nil }

type stubObjects struct {
	puts [][]byte
	err  error
}

func (o *stubObjects) Put(_ context.Context, _ crawl.Scope, data []byte) (crawl.StorageRef, error) {
	if o.err != nil {
		return crawl.StorageRef{}, o.err
	}
	o.puts = append(o.puts, data)
	return crawl.StorageRef{ID: fmt.Sprintf("obj-%d", len(o.puts)), Compressed: true}, nil
}

func (o *stubObjects) Get(context.Context, crawl.Scope, crawl.StorageRef) ([]byte, error) {
	return nil, errors.New("not implemented")
}

type stubIndex struct {
	docs []crawl.Document
	err  error
}

func (i *stubIndex) EnsureIndex(context.Context, crawl.Scope) error { return nil }

func (i *stubIndex) Index(_ context.Context, _ crawl.Scope, doc crawl.Document) error {
	if i.err != nil {
		return i.err
	}
	i.docs = append(i.docs, doc)
	return nil
}

func (i *stubIndex) Search(context.Context, crawl.Scope, string, int, int) ([]crawl.SearchResult, error) {
	return nil, nil
}

type stubFetcher struct {
	result crawl.FetchResult
	err    error
}

func (f *stubFetcher) Fetch(context.Context, crawl.Scope, crawl.QueueEntry) (crawl.FetchResult, error) {
	return f.result, f.err
}

type fixture struct {
	proc    *Processor
	meta    *stubMeta
	objects *stubObjects
	index   *stubIndex
	fetcher *stubFetcher
	scope   crawl.Scope
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	scope := crawl.Scope{TenantID: "acme", Keyspace: "tenant_acme", IndexName: "pages_acme"}
	meta := newStubMeta()
	objects := &stubObjects{}
	index := &stubIndex{}
	fetcher := &stubFetcher{}

	proc, err := New(Config{}, stubResolver{scope: scope}, meta, objects, index, fetcher,
		fixedClock{now: time.Unix(1700000000, 0).UTC()}, &seqIDGen{}, zap.NewNop())
	require.NoError(t, err)

	return &fixture{proc: proc, meta: meta, objects: objects, index: index, fetcher: fetcher, scope: scope}
}

func queuedEntry() crawl.QueueEntry {
	return crawl.QueueEntry{
		Domain:  "example.com",
		URLPath: "/about",
		URL:     "https://example.com/about",
	}
}

func okResult() crawl.FetchResult {
	return crawl.FetchResult{
		URL:         "https://example.com/about",
		StatusCode:  200,
		Body:        []byte("<html>body</html>"),
		Title:       "About",
		Text:        "body text",
		Excerpt:     "body text",
		Fingerprint: "fp-1",
	}
}

func TestProcessEntrySuccess(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.fetcher.result = okResult()

	fx.proc.processEntry(context.Background(), fx.scope, queuedEntry())

	require.Len(t, fx.objects.puts, 1)
	require.Len(t, fx.index.docs, 1)
	require.Equal(t, "About", fx.index.docs[0].Title)
	require.Len(t, fx.meta.successes, 1)
	page := fx.meta.successes[0]
	require.Equal(t, "obj-1", page.StorageID)
	require.True(t, page.Compressed)
	require.Equal(t, "fp-1", page.ContentHash)
	require.Empty(t, fx.meta.failures)
}

func TestProcessEntryDuplicateSkipsStorageAndIndex(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	result := okResult()
	result.Duplicate = true
	fx.fetcher.result = result

	fx.proc.processEntry(context.Background(), fx.scope, queuedEntry())

	require.Len(t, fx.meta.duplicates, 1)
	require.Empty(t, fx.objects.puts)
	require.Empty(t, fx.index.docs)
	require.Empty(t, fx.meta.successes)
}

func TestProcessEntryStorageFailureAbortsPipeline(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.fetcher.result = okResult()
	fx.objects.err = errors.New("bucket unavailable")

	fx.proc.processEntry(context.Background(), fx.scope, queuedEntry())

	require.Empty(t, fx.index.docs)
	require.Empty(t, fx.meta.successes)
	require.Len(t, fx.meta.failures, 1)
	require.Equal(t, crawl.KindStorageWrite, fx.meta.failures[0].kind)
	require.False(t, fx.meta.failures[0].terminal)
}

func TestProcessEntryIndexFailureAbortsCommit(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.fetcher.result = okResult()
	fx.index.err = errors.New("index unavailable")

	fx.proc.processEntry(context.Background(), fx.scope, queuedEntry())

	require.Len(t, fx.objects.puts, 1)
	require.Empty(t, fx.meta.successes)
	require.Len(t, fx.meta.failures, 1)
	require.Equal(t, crawl.KindIndexWrite, fx.meta.failures[0].kind)
}

func TestProcessEntryMetadataCommitFailure(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.fetcher.result = okResult()
	fx.meta.successErr = errors.New("connection lost")

	fx.proc.processEntry(context.Background(), fx.scope, queuedEntry())

	require.Len(t, fx.meta.failures, 1)
	require.Equal(t, crawl.KindMetadataCommit, fx.meta.failures[0].kind)
	require.False(t, fx.meta.failures[0].terminal)
}

func TestProcessEntryTerminalFetchFailure(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.fetcher.err = &crawl.Failure{Kind: crawl.KindRobotsDisallowed, Message: "disallow /"}

	fx.proc.processEntry(context.Background(), fx.scope, queuedEntry())

	require.Len(t, fx.meta.failures, 1)
	require.Equal(t, crawl.KindRobotsDisallowed, fx.meta.failures[0].kind)
	require.True(t, fx.meta.failures[0].terminal)
	require.Empty(t, fx.objects.puts)
}

func TestProcessEntryNoIndexSkipsIndexingOnly(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	result := okResult()
	result.NoIndex = true
	fx.fetcher.result = result

	fx.proc.processEntry(context.Background(), fx.scope, queuedEntry())

	require.Len(t, fx.objects.puts, 1)
	require.Empty(t, fx.index.docs)
	require.Len(t, fx.meta.successes, 1)
}

func TestProcessEntryReleasesClaimOnCancellation(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.fetcher.err = errors.New("context canceled")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fx.proc.processEntry(ctx, fx.scope, queuedEntry())

	require.Len(t, fx.meta.released, 1)
	require.Empty(t, fx.meta.failures)
}

func TestDiscoverLinksFiltersAndEnqueues(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.meta.allowed["example.com"] = true
	fx.meta.existing["example.com/known"] = true

	result := okResult()
	result.Links = []string{
		"https://example.com/new",
		"https://example.com/known",
		"https://offsite.example/page",
	}
	fx.fetcher.result = result

	fx.proc.processEntry(context.Background(), fx.scope, queuedEntry())

	require.Len(t, fx.meta.inserted, 1)
	entry := fx.meta.inserted[0]
	require.Equal(t, "example.com", entry.Domain)
	require.Equal(t, "/new", entry.URLPath)
	require.Equal(t, fx.proc.cfg.DiscoveredPriority, entry.Priority)
}

func TestDiscoverLinksToleratesPendingConflict(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.meta.allowed["example.com"] = true
	fx.meta.insertErr = crawl.ErrConflict

	result := okResult()
	result.Links = []string{"https://example.com/new"}
	fx.fetcher.result = result

	fx.proc.processEntry(context.Background(), fx.scope, queuedEntry())

	// The conflict is swallowed; the crawl itself still succeeded.
	require.Len(t, fx.meta.successes, 1)
	require.Empty(t, fx.meta.failures)
}

func TestDrainTenantProcessesUntilQueueEmpty(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.fetcher.result = okResult()
	fx.meta.claims = []crawl.QueueEntry{
		{Domain: "example.com", URLPath: "/a", URL: "https://example.com/a"},
		{Domain: "example.com", URLPath: "/b", URL: "https://example.com/b"},
	}

	fx.proc.drainTenant(context.Background(), fx.scope)

	require.Len(t, fx.meta.successes, 2)
	require.Empty(t, fx.meta.claims)
}

func TestDrainTenantStopsWhenCrawlingDisabledMidBacklog(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.fetcher.result = okResult()
	fx.meta.claims = []crawl.QueueEntry{
		{Domain: "example.com", URLPath: "/a", URL: "https://example.com/a"},
		{Domain: "example.com", URLPath: "/b", URL: "https://example.com/b"},
		{Domain: "example.com", URLPath: "/c", URL: "https://example.com/c"},
	}
	// An operator pauses crawling while the first entry is in flight.
	fx.meta.onClaim = func() { fx.meta.enabled = false }

	fx.proc.drainTenant(context.Background(), fx.scope)

	require.Len(t, fx.meta.successes, 1, "toggle must be honored between entries, not per poll")
	require.Len(t, fx.meta.claims, 2)
}

func TestTickSkipsDisabledTenant(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.meta.enabled = false
	fx.meta.claims = []crawl.QueueEntry{queuedEntry()}
	fx.fetcher.result = okResult()

	fx.proc.tick(context.Background())

	require.Len(t, fx.meta.claims, 1, "disabled tenant must not be drained")
	require.Empty(t, fx.meta.successes)
}
