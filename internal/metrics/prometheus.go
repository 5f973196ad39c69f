package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go-link-downloader/internal/models"
)

const namespace = "link_downloader"

// PrometheusSink turns visit records into counters on its own registry.
type PrometheusSink struct {
	registry *prometheus.Registry

	sessionsTotal  *prometheus.CounterVec
	urlsSubmitted  prometheus.Counter
	urlsRejected   prometheus.Counter
	filesProduced  prometheus.Counter
	urlErrorsTotal *prometheus.CounterVec
	archiveBytes   prometheus.Histogram
}

// NewPrometheusSink registers the collectors on reg, or on a fresh registry
// when reg is nil.
func NewPrometheusSink(reg *prometheus.Registry) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p := &PrometheusSink{
		registry: reg,
		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Finished download sessions by result.",
			},
			[]string{"result"},
		),
		urlsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "urls_submitted_total",
			Help:      "URLs submitted across all sessions.",
		}),
		urlsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "urls_rejected_total",
			Help:      "URLs rejected by budget validation.",
		}),
		filesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_produced_total",
			Help:      "Audio files placed in session archives.",
		}),
		urlErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "url_errors_total",
				Help:      "Per-URL download failures by kind.",
			},
			[]string{"kind"},
		),
		archiveBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_bytes",
			Help:      "Size of assembled session archives.",
			// 1MB .. 1GB
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 6),
		}),
	}

	for _, c := range []prometheus.Collector{
		p.sessionsTotal, p.urlsSubmitted, p.urlsRejected,
		p.filesProduced, p.urlErrorsTotal, p.archiveBytes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PrometheusSink) Name() string { return "prometheus" }

func (p *PrometheusSink) Record(_ context.Context, rec models.VisitRecord) error {
	result := "failure"
	if rec.Success {
		result = "success"
	}
	p.sessionsTotal.WithLabelValues(result).Inc()
	p.urlsSubmitted.Add(float64(rec.Submitted))
	p.urlsRejected.Add(float64(rec.Rejected))
	p.filesProduced.Add(float64(rec.FilesProduced))
	for _, kind := range rec.ErrorKinds {
		p.urlErrorsTotal.WithLabelValues(kind).Inc()
	}
	if rec.ArchiveBytes > 0 {
		p.archiveBytes.Observe(float64(rec.ArchiveBytes))
	}
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
