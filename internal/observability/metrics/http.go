package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reviewxiv"

// HTTPServerMetrics owns the API registry: request metrics plus search and
// context assembly outcomes.
type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	searchTotal      *prometheus.CounterVec
	searchDuration   *prometheus.HistogramVec
	searchChunks     *prometheus.HistogramVec
	searchEmptyTotal *prometheus.CounterVec
	contextTokens    *prometheus.HistogramVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &HTTPServerMetrics{
		registry: registry,
		requestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total HTTP requests processed.",
		}, []string{"service", "method", "path", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method", "path"}),
		requestInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "in_flight_requests",
			Help:        "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{"service": service},
		}),
		searchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "search", Name: "requests_total",
			Help: "Total successful searches by retrieval method and re-ranking.",
		}, []string{"service", "endpoint", "method", "reranked"}),
		searchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "search", Name: "duration_seconds",
			Help:    "Search duration in seconds by retrieval method.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}, []string{"service", "endpoint", "method"}),
		searchChunks: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "search", Name: "returned_chunks",
			Help:    "Distribution of chunks returned per search.",
			Buckets: []float64{0, 1, 2, 4, 8, 12, 16, 20, 32},
		}, []string{"service", "endpoint"}),
		searchEmptyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "search", Name: "empty_total",
			Help: "Total searches that returned no chunks.",
		}, []string{"service", "endpoint"}),
		contextTokens: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "context", Name: "estimated_tokens",
			Help:    "Estimated token size of assembled contexts.",
			Buckets: []float64{256, 512, 1024, 2048, 4096, 8192, 16384},
		}, []string{"service", "endpoint"}),
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registerer exposes the registry for collectors owned by other packages.
func (m *HTTPServerMetrics) Registerer() prometheus.Registerer {
	return m.registry
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		snoop := httpsnoop.CaptureMetrics(next, w, r)
		path := normalizePath(r.URL.Path)
		m.requestTotal.WithLabelValues(service, r.Method, path, strconv.Itoa(snoop.Code)).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(snoop.Duration.Seconds())
	})
}

// normalizePath folds paper ids out of the path label.
func normalizePath(path string) string {
	if strings.HasPrefix(path, "/v1/papers/") && strings.HasSuffix(path, "/embeddings") {
		return "/v1/papers/{paperId}/embeddings"
	}
	return path
}

func (m *HTTPServerMetrics) RecordSearch(service, endpoint, method string, reranked bool, chunkCount int, duration time.Duration) {
	if method == "" {
		method = "unknown"
	}
	m.searchTotal.WithLabelValues(service, endpoint, method, strconv.FormatBool(reranked)).Inc()
	m.searchDuration.WithLabelValues(service, endpoint, method).Observe(duration.Seconds())
	m.searchChunks.WithLabelValues(service, endpoint).Observe(float64(chunkCount))
	if chunkCount == 0 {
		m.searchEmptyTotal.WithLabelValues(service, endpoint).Inc()
	}
}

func (m *HTTPServerMetrics) RecordContextTokens(service, endpoint string, tokens int) {
	m.contextTokens.WithLabelValues(service, endpoint).Observe(float64(tokens))
}
