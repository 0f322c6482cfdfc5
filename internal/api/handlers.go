package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/quarrysearch/quarry-agent/internal/crawl"
)

type enqueueRequest struct {
	URL      string `json:"url"`
	Priority *int   `json:"priority"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r.Context())

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "missing url")
		return
	}
	target, err := url.Parse(req.URL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	}
	domain := target.Hostname()

	allowed, err := s.meta.IsDomainAllowed(r.Context(), scope, domain)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "allow-list check failed")
		return
	}
	if !allowed {
		writeError(w, http.StatusBadRequest, "domain is not on the allow-list")
		return
	}

	priority := 1
	if req.Priority != nil {
		priority = *req.Priority
	}
	now := s.clock.Now()
	entry := crawl.QueueEntry{
		Domain:      domain,
		URLPath:     target.RequestURI(),
		URL:         target.String(),
		Priority:    priority,
		ScheduledAt: now,
		CreatedAt:   now,
	}
	err = s.meta.InsertQueueEntry(r.Context(), scope, entry)
	if errors.Is(err, crawl.ErrConflict) {
		writeError(w, http.StatusConflict, "entry already pending for this url")
		return
	}
	if err != nil {
		s.logger.Error("enqueue failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"domain":   entry.Domain,
		"url_path": entry.URLPath,
		"priority": entry.Priority,
	})
}

type domainRequest struct {
	Domain  string `json:"domain"`
	AddedBy string `json:"added_by"`
	Notes   string `json:"notes"`
}

type domainResponse struct {
	Domain  string    `json:"domain"`
	AddedAt time.Time `json:"added_at"`
	AddedBy string    `json:"added_by"`
	Notes   string    `json:"notes"`
}

func (s *Server) listDomains(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r.Context())
	domains, err := s.meta.ListAllowedDomains(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list domains failed")
		return
	}
	out := make([]domainResponse, 0, len(domains))
	for _, d := range domains {
		out = append(out, domainResponse{
			Domain:  d.Domain,
			AddedAt: d.AddedAt,
			AddedBy: d.AddedBy,
			Notes:   d.Notes,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": out})
}

func (s *Server) addDomain(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r.Context())

	var req domainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Domain == "" {
		writeError(w, http.StatusBadRequest, "missing domain")
		return
	}
	d := crawl.AllowedDomain{
		Domain:  req.Domain,
		AddedAt: s.clock.Now(),
		AddedBy: req.AddedBy,
		Notes:   req.Notes,
	}
	if err := s.meta.AddAllowedDomain(r.Context(), scope, d); err != nil {
		writeError(w, http.StatusInternalServerError, "add domain failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"domain": d.Domain})
}

func (s *Server) removeDomain(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r.Context())
	domain := chi.URLParam(r, "domain")
	if err := s.meta.RemoveAllowedDomain(r.Context(), scope, domain); err != nil {
		writeError(w, http.StatusInternalServerError, "remove domain failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"domain": domain})
}

func (s *Server) getCrawlingEnabled(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r.Context())
	enabled, err := s.meta.CrawlingEnabled(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read setting failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (s *Server) setCrawlingEnabled(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r.Context())

	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "missing enabled flag")
		return
	}
	if err := s.meta.SetCrawlingEnabled(r.Context(), scope, *req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, "write setting failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

type searchRequest struct {
	Query  string `json:"query"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r.Context())

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "missing query")
		return
	}
	results, err := s.index.Search(r.Context(), scope, req.Query, req.Limit, req.Offset)
	if err != nil {
		s.logger.Error("search failed",
			zap.String("tenant", scope.TenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

type pageResponse struct {
	Domain        string    `json:"domain"`
	URLPath       string    `json:"url_path"`
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	HTTPStatus    int       `json:"http_status"`
	ContentLength int64     `json:"content_length"`
	CrawlCount    int       `json:"crawl_count"`
	LastCrawledAt time.Time `json:"last_crawled_at"`
	Content       string    `json:"content,omitempty"`
}

func (s *Server) getPage(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r.Context())
	domain := chi.URLParam(r, "domain")
	urlPath := "/" + chi.URLParam(r, "*")

	page, ok, err := s.meta.GetPage(r.Context(), scope, domain, urlPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "page lookup failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "page not found")
		return
	}

	resp := pageResponse{
		Domain:        page.Domain,
		URLPath:       page.URLPath,
		URL:           page.URL,
		Title:         page.Title,
		HTTPStatus:    page.HTTPStatus,
		ContentLength: page.ContentLength,
		CrawlCount:    page.CrawlCount,
		LastCrawledAt: page.LastCrawledAt,
	}
	if r.URL.Query().Get("content") == "true" {
		ref := crawl.StorageRef{ID: page.StorageID, Compressed: page.Compressed}
		body, err := s.objects.Get(r.Context(), scope, ref)
		if err != nil {
			s.logger.Error("page content fetch failed",
				zap.String("storage_id", page.StorageID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "content fetch failed")
			return
		}
		resp.Content = string(body)
	}
	writeJSON(w, http.StatusOK, resp)
}

type createTenantRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	if s.provisioner == nil {
		writeError(w, http.StatusNotImplemented, "tenant registration requires multi-tenant mode")
		return
	}
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "missing tenant id")
		return
	}
	if err := s.provisioner.CreateTenant(r.Context(), req.ID, req.DisplayName); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}
