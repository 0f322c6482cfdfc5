// Package elastic provides the per-tenant full-text index client.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"

	"github.com/quarrysearch/quarry-agent/internal/crawl"
)

// Config captures the Elasticsearch connection parameters.
type Config struct {
	Addresses []string
	Username  string
	Password  string
}

// Index implements crawl.SearchIndex. One logical index per tenant; the
// index name comes from the scope, so a query can never cross tenants.
type Index struct {
	client *es.Client
	hasher crawl.Hasher
}

// New builds an Elasticsearch-backed index client.
func New(cfg Config, hasher crawl.Hasher) (*Index, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("search.addresses is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	client, err := es.NewClient(es.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create search client: %w", err)
	}
	return &Index{client: client, hasher: hasher}, nil
}

// NewWithClient constructs an Index from an existing client (primarily for
// testing).
func NewWithClient(client *es.Client, hasher crawl.Hasher) (*Index, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	return &Index{client: client, hasher: hasher}, nil
}

var indexMappings = map[string]any{
	"mappings": map[string]any{
		"properties": map[string]any{
			"url":         map[string]any{"type": "keyword"},
			"domain":      map[string]any{"type": "keyword"},
			"title":       map[string]any{"type": "text"},
			"content":     map[string]any{"type": "text"},
			"excerpt":     map[string]any{"type": "text"},
			"crawled_at":  map[string]any{"type": "date"},
			"http_status": map[string]any{"type": "integer"},
		},
	},
}

// EnsureIndex creates the tenant's index with mappings if it is missing.
func (i *Index) EnsureIndex(ctx context.Context, scope crawl.Scope) error {
	res, err := i.client.Indices.Exists(
		[]string{scope.IndexName},
		i.client.Indices.Exists.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("check index %s: %w", scope.IndexName, err)
	}
	defer res.Body.Close()
	if res.StatusCode == 200 {
		return nil
	}

	body, err := json.Marshal(indexMappings)
	if err != nil {
		return fmt.Errorf("marshal index mappings: %w", err)
	}
	createRes, err := i.client.Indices.Create(
		scope.IndexName,
		i.client.Indices.Create.WithContext(ctx),
		i.client.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", scope.IndexName, err)
	}
	defer createRes.Body.Close()
	if createRes.IsError() {
		return fmt.Errorf("create index %s: %s", scope.IndexName, createRes.Status())
	}
	return nil
}

type indexedDocument struct {
	URL        string `json:"url"`
	Domain     string `json:"domain"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Excerpt    string `json:"excerpt"`
	CrawledAt  string `json:"crawled_at"`
	HTTPStatus int    `json:"http_status"`
}

// Index upserts a document into the tenant's index. The document ID is
// derived from the URL, so re-crawling a page replaces its document.
func (i *Index) Index(ctx context.Context, scope crawl.Scope, doc crawl.Document) error {
	docID, err := i.hasher.Hash([]byte(doc.URL))
	if err != nil {
		return fmt.Errorf("hash document id: %w", err)
	}
	body, err := json.Marshal(indexedDocument{
		URL:        doc.URL,
		Domain:     doc.Domain,
		Title:      doc.Title,
		Content:    doc.Content,
		Excerpt:    doc.Excerpt,
		CrawledAt:  doc.CrawledAt.UTC().Format(time.RFC3339),
		HTTPStatus: doc.HTTPStatus,
	})
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	res, err := i.client.Index(
		scope.IndexName,
		bytes.NewReader(body),
		i.client.Index.WithDocumentID(docID),
		i.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("index document %s: %w", doc.URL, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index document %s: %s", doc.URL, res.Status())
	}
	return nil
}

// Search runs a ranked full-text query against the tenant's index.
func (i *Index) Search(ctx context.Context, scope crawl.Scope, query string, limit, offset int) ([]crawl.SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	body, err := json.Marshal(map[string]any{
		"query": map[string]any{
			"multi_match": map[string]any{
				"query":  query,
				"fields": []string{"title^3", "content", "url"},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal search query: %w", err)
	}

	res, err := i.client.Search(
		i.client.Search.WithContext(ctx),
		i.client.Search.WithIndex(scope.IndexName),
		i.client.Search.WithBody(bytes.NewReader(body)),
		i.client.Search.WithFrom(offset),
		i.client.Search.WithSize(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", scope.IndexName, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search %s: %s", scope.IndexName, res.Status())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Score  float64         `json:"_score"`
				Source indexedDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]crawl.SearchResult, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		results = append(results, crawl.SearchResult{
			URL:     hit.Source.URL,
			Domain:  hit.Source.Domain,
			Title:   hit.Source.Title,
			Excerpt: hit.Source.Excerpt,
			Score:   hit.Score,
		})
	}
	return results, nil
}
