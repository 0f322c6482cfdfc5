// Package metrics exposes Prometheus collectors for the crawl agent.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	agentPagesTotal            *prometheus.CounterVec
	agentBytesStoredTotal      *prometheus.CounterVec
	agentClaimAttemptsTotal    *prometheus.CounterVec
	agentStaleClaimsTotal      *prometheus.CounterVec
	agentPipelineSeconds       *prometheus.HistogramVec
	agentActivePipelines       prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		agentPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_pages_total",
				Help: "Total pages processed, labeled by tenant and outcome.",
			},
			[]string{"tenant", "outcome"},
		)

		agentBytesStoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_bytes_stored_total",
				Help: "Total payload bytes written to object storage, labeled by tenant.",
			},
			[]string{"tenant"},
		)

		agentClaimAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_claim_attempts_total",
				Help: "Queue claim attempts, labeled by tenant and result (won, empty).",
			},
			[]string{"tenant", "result"},
		)

		agentStaleClaimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_stale_claims_released_total",
				Help: "Expired claims returned to the queue by the reaper, labeled by tenant.",
			},
			[]string{"tenant"},
		)

		agentPipelineSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_pipeline_duration_seconds",
				Help:    "Histogram of end-to-end pipeline latencies, labeled by tenant.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"tenant"},
		)

		agentActivePipelines = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_active_pipelines",
				Help: "Number of crawl pipelines currently in flight.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one processed page with its outcome
// (crawled, duplicate, failed).
func ObservePage(tenant, outcome string) {
	agentPagesTotal.WithLabelValues(tenant, outcome).Inc()
}

// ObserveBytesStored adds to the stored-bytes counter.
func ObserveBytesStored(tenant string, n int) {
	if n > 0 {
		agentBytesStoredTotal.WithLabelValues(tenant).Add(float64(n))
	}
}

// ObserveClaim records a claim attempt result.
func ObserveClaim(tenant, result string) {
	agentClaimAttemptsTotal.WithLabelValues(tenant, result).Inc()
}

// ObserveStaleClaims records expired claims released by the reaper.
func ObserveStaleClaims(tenant string, n int64) {
	if n > 0 {
		agentStaleClaimsTotal.WithLabelValues(tenant).Add(float64(n))
	}
}

// ObservePipeline records the duration of one pipeline run.
func ObservePipeline(tenant string, duration time.Duration) {
	agentPipelineSeconds.WithLabelValues(tenant).Observe(duration.Seconds())
}

// IncActivePipelines increments the in-flight pipeline gauge.
func IncActivePipelines() {
	agentActivePipelines.Inc()
}

// DecActivePipelines decrements the in-flight pipeline gauge.
func DecActivePipelines() {
	agentActivePipelines.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
