package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
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

type stubResolver struct{}

func (stubResolver) Scope(tenantID string) (crawl.Scope, error) {
	if strings.ContainsAny(tenantID, "-;A") {
		return crawl.Scope{}, fmt.Errorf("invalid tenant id %q", tenantID)
	}
	return crawl.Scope{
		TenantID:  tenantID,
		Keyspace:  "tenant_" + tenantID,
		IndexName: "pages_" + tenantID,
	}, nil
}

func (stubResolver) Tenants(context.Context) ([]string, error) {
	return []string{"default"}, nil
}

type stubMeta struct {
	allowed   map[string]bool
	insertErr error
	inserted  []crawl.QueueEntry
	domains   []crawl.AllowedDomain
	enabled   bool
	pages     map[string]crawl.Page
	setCalls  []bool
}

func newStubMeta() *stubMeta {
	return &stubMeta{
		allowed: make(map[string]bool),
		enabled: true,
		pages:   make(map[string]crawl.Page),
	}
}

func (m *stubMeta) IsDomainAllowed(_ context.Context, _ crawl.Scope, domain string) (bool, error) {
	return m.allowed[domain], nil
}

func (m *stubMeta) AddAllowedDomain(_ context.Context, _ crawl.Scope, d crawl.AllowedDomain) error {
	m.domains = append(m.domains, d)
	return nil
}

func (m *stubMeta) ListAllowedDomains(context.Context, crawl.Scope) ([]crawl.AllowedDomain, error) {
	return m.domains, nil
}

func (m *stubMeta) RemoveAllowedDomain(context.Context, crawl.Scope, string) error { return nil }

func (m *stubMeta) InsertQueueEntry(_ context.Context, _ crawl.Scope, entry crawl.QueueEntry) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.inserted = append(m.inserted, entry)
	return nil
}

func (m *stubMeta) ClaimNext(context.Context, crawl.Scope, string, time.Duration) (crawl.QueueEntry, bool, error) {
	return crawl.QueueEntry{}, false, nil
}

func (m *stubMeta) Release(context.Context, crawl.Scope, crawl.QueueEntry) error { return nil }

func (m *stubMeta) ReleaseStaleClaims(context.Context, crawl.Scope) (int64, error) { return 0, nil }

func (m *stubMeta) RecordSuccess(context.Context, crawl.Scope, crawl.QueueEntry, crawl.Page) error {
	return nil
}

func (m *stubMeta) RecordDuplicate(context.Context, crawl.Scope, crawl.QueueEntry) error { return nil }

func (m *stubMeta) RecordFailure(context.Context, crawl.Scope, crawl.QueueEntry, crawl.ErrorKind, string, bool) error {
	return nil
}

func (m *stubMeta) GetPage(_ context.Context, _ crawl.Scope, domain, urlPath string) (crawl.Page, bool, error) {
	page, ok := m.pages[domain+urlPath]
	return page, ok, nil
}

func (m *stubMeta) PageExists(ctx context.Context, scope crawl.Scope, domain, urlPath string) (bool, error) {
	_, ok, err := m.GetPage(ctx, scope, domain, urlPath)
	return ok, err
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

func (m *stubMeta) SetCrawlingEnabled(_ context.Context, _ crawl.Scope, enabled bool) error {
	m.setCalls = append(m.setCalls, enabled)
	return nil
}

type stubObjects struct {
	data map[string][]byte
}

func (o *stubObjects) Put(context.Context, crawl.Scope, []byte) (crawl.StorageRef, error) {
	return crawl.StorageRef{}, errors.New("not implemented")
}

func (o *stubObjects) Get(_ context.Context, _ crawl.Scope, ref crawl.StorageRef) ([]byte, error) {
	data, ok := o.data[ref.ID]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

type stubIndex struct {
	results []crawl.SearchResult
	err     error
}

func (i *stubIndex) EnsureIndex(context.Context, crawl.Scope) error { return nil }

func (i *stubIndex) Index(context.Context, crawl.Scope, crawl.Document) error { return nil }

func (i *stubIndex) Search(context.Context, crawl.Scope, string, int, int) ([]crawl.SearchResult, error) {
	return i.results, i.err
}

type serverFixture struct {
	server  *Server
	meta    *stubMeta
	objects *stubObjects
	index   *stubIndex
}

func newServerFixture(t *testing.T, provisioner TenantProvisioner) *serverFixture {
	t.Helper()
	meta := newStubMeta()
	objects := &stubObjects{data: make(map[string][]byte)}
	index := &stubIndex{}
	server := NewServer(Config{}, stubResolver{}, meta, objects, index, provisioner,
		fixedClock{now: time.Unix(1700000000, 0).UTC()}, zap.NewNop())
	return &serverFixture{server: server, meta: meta, objects: objects, index: index}
}

func (f *serverFixture) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *strings.Reader
	if body == "" {
		reqBody = strings.NewReader("")
	} else {
		reqBody = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reqBody)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)
	rec := fx.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok"`)
}

func TestEnqueueAccepted(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)
	fx.meta.allowed["example.com"] = true

	rec := fx.do(t, http.MethodPost, "/v1/queue",
		`{"url": "https://example.com/about?ref=1", "priority": 2}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, fx.meta.inserted, 1)

	entry := fx.meta.inserted[0]
	require.Equal(t, "example.com", entry.Domain)
	require.Equal(t, "/about?ref=1", entry.URLPath)
	require.Equal(t, 2, entry.Priority)
}

func TestEnqueueRejectsUnlistedDomain(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)
	rec := fx.do(t, http.MethodPost, "/v1/queue", `{"url": "https://evil.example/x"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "allow-list")
	require.Empty(t, fx.meta.inserted)
}

func TestEnqueueRejectsBadPayloads(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)

	rec := fx.do(t, http.MethodPost, "/v1/queue", `not json`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodPost, "/v1/queue", `{"url": "ftp://example.com/x"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueConflict(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)
	fx.meta.allowed["example.com"] = true
	fx.meta.insertErr = crawl.ErrConflict

	rec := fx.do(t, http.MethodPost, "/v1/queue", `{"url": "https://example.com/about"}`, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestDomainLifecycle(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)

	rec := fx.do(t, http.MethodPost, "/v1/domains/",
		`{"domain": "example.com", "added_by": "ops", "notes": "docs site"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, fx.meta.domains, 1)
	require.Equal(t, "ops", fx.meta.domains[0].AddedBy)

	rec = fx.do(t, http.MethodGet, "/v1/domains/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "example.com")

	rec = fx.do(t, http.MethodDelete, "/v1/domains/example.com", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCrawlingToggle(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)

	rec := fx.do(t, http.MethodGet, "/v1/settings/crawling/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "true")

	rec = fx.do(t, http.MethodPut, "/v1/settings/crawling/", `{"enabled": false}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []bool{false}, fx.meta.setCalls)

	rec = fx.do(t, http.MethodPut, "/v1/settings/crawling/", `{}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearch(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)
	fx.index.results = []crawl.SearchResult{
		{URL: "https://example.com/a", Title: "A", Score: 2.0},
	}

	rec := fx.do(t, http.MethodPost, "/v1/search", `{"query": "company"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"count":1`)

	rec = fx.do(t, http.MethodPost, "/v1/search", `{}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetPage(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)
	fx.meta.pages["example.com/about"] = crawl.Page{
		Domain:    "example.com",
		URLPath:   "/about",
		Title:     "About",
		StorageID: "obj-1",
	}
	fx.objects.data["obj-1"] = []byte("<html>about</html>")

	rec := fx.do(t, http.MethodGet, "/v1/pages/example.com/about", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"About"`)
	require.NotContains(t, rec.Body.String(), "<html>")

	rec = fx.do(t, http.MethodGet, "/v1/pages/example.com/about?content=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "about\\u003c/html\\u003e")

	rec = fx.do(t, http.MethodGet, "/v1/pages/example.com/missing", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTenantHeaderScopesRequests(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)

	rec := fx.do(t, http.MethodGet, "/v1/settings/crawling/", "",
		map[string]string{"X-Tenant-ID": "acme"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(t, http.MethodGet, "/v1/settings/crawling/", "",
		map[string]string{"X-Tenant-ID": "Bad-Tenant;"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type stubProvisioner struct {
	created []string
	err     error
}

func (p *stubProvisioner) CreateTenant(_ context.Context, id, _ string) error {
	if p.err != nil {
		return p.err
	}
	p.created = append(p.created, id)
	return nil
}

func TestCreateTenant(t *testing.T) {
	t.Parallel()

	prov := &stubProvisioner{}
	fx := newServerFixture(t, prov)

	rec := fx.do(t, http.MethodPost, "/v1/tenants", `{"id": "acme", "display_name": "Acme"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, []string{"acme"}, prov.created)
}

func TestCreateTenantRequiresMultiTenantMode(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)
	rec := fx.do(t, http.MethodPost, "/v1/tenants", `{"id": "acme"}`, nil)
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestRequestIDHeaderIsSet(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)
	rec := fx.do(t, http.MethodGet, "/healthz", "", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
