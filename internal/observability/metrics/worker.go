package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
)

type WorkerMetrics struct {
	registry *prometheus.Registry

	jobTotal    *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobInFlight prometheus.Gauge
	chunksTotal *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	jobTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "embedding_jobs_total",
			Help:      "Total embedding jobs by status.",
		},
		[]string{"service", "status"},
	)
	jobDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "embedding_job_duration_seconds",
			Help:      "Embedding job duration in seconds by status.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service", "status"},
	)
	jobInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "embedding_jobs_in_flight",
			Help:      "Number of in-flight embedding jobs.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	chunksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "chunks_total",
			Help:      "Chunks handled by embedding jobs by outcome.",
		},
		[]string{"service", "outcome"},
	)

	registry.MustRegister(jobTotal, jobDuration, jobInFlight, chunksTotal)

	return &WorkerMetrics{
		registry:    registry,
		jobTotal:    jobTotal,
		jobDuration: jobDuration,
		jobInFlight: jobInFlight,
		chunksTotal: chunksTotal,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) Registerer() prometheus.Registerer {
	return m.registry
}

func (m *WorkerMetrics) StartJob() {
	m.jobInFlight.Inc()
}

// FinishJob records a finished job. report may be nil when the job failed
// before producing one.
func (m *WorkerMetrics) FinishJob(service string, report *domain.IndexReport, duration time.Duration, err error) {
	m.jobInFlight.Dec()

	status := "success"
	switch {
	case err != nil:
		status = "error"
	case report != nil && report.Skipped:
		status = "skipped"
	}

	m.jobTotal.WithLabelValues(service, status).Inc()
	m.jobDuration.WithLabelValues(service, status).Observe(duration.Seconds())
	if report != nil {
		m.chunksTotal.WithLabelValues(service, "embedded").Add(float64(report.Embedded))
		m.chunksTotal.WithLabelValues(service, "failed").Add(float64(report.Failed))
	}
}
