// Package api exposes the HTTP interface for the crawl agent.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/quarrysearch/quarry-agent/internal/crawl"
	"github.com/quarrysearch/quarry-agent/internal/metrics"
)

// tenantHeader selects the tenant scope for a request. Absent means the
// default tenant.
const tenantHeader = "X-Tenant-ID"

const defaultTenant = "default"

// TenantProvisioner creates a tenant together with its backing namespaces
// (metadata keyspace, search index). Nil when running single-tenant.
type TenantProvisioner interface {
	CreateTenant(ctx context.Context, id, displayName string) error
}

// Config controls the HTTP server.
type Config struct {
	Addr           string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the stores and resolver.
type Server struct {
	router      chi.Router
	resolver    crawl.ScopeResolver
	meta        crawl.MetadataStore
	objects     crawl.ObjectStore
	index       crawl.SearchIndex
	provisioner TenantProvisioner
	clock       crawl.Clock
	logger      *zap.Logger
	cfg         Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	cfg Config,
	resolver crawl.ScopeResolver,
	meta crawl.MetadataStore,
	objects crawl.ObjectStore,
	index crawl.SearchIndex,
	provisioner TenantProvisioner,
	clock crawl.Clock,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		resolver:    resolver,
		meta:        meta,
		objects:     objects,
		index:       index,
		provisioner: provisioner,
		clock:       clock,
		logger:      logger,
		cfg:         cfg,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tenants", s.createTenant)
		r.Group(func(r chi.Router) {
			r.Use(s.tenantMiddleware)
			r.Post("/queue", s.enqueue)
			r.Route("/domains", func(r chi.Router) {
				r.Get("/", s.listDomains)
				r.Post("/", s.addDomain)
				r.Delete("/{domain}", s.removeDomain)
			})
			r.Route("/settings/crawling", func(r chi.Router) {
				r.Get("/", s.getCrawlingEnabled)
				r.Put("/", s.setCrawlingEnabled)
			})
			r.Post("/search", s.search)
			r.Get("/pages/{domain}/*", s.getPage)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	scope, err := s.resolver.Scope(defaultTenant)
	if err == nil {
		_, err = s.meta.CrawlingEnabled(r.Context(), scope)
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "metadata store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
