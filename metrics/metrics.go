// Package metrics holds the Prometheus instruments of an ingestion run.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "antique_scraper"

// Metrics groups every instrument the pipeline updates. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	pagesFetched      prometheus.Counter
	detailFailures    prometheus.Counter
	recordsCollected  prometheus.Counter
	assetsDownloaded  prometheus.Counter
	assetFailures     prometheus.Counter
	inferenceAttempts prometheus.Counter
	rateLimitHits     prometheus.Counter
	fallbacks         prometheus.Counter

	queueWait     *prometheus.HistogramVec
	queueInflight *prometheus.GaugeVec
}

// New creates the instruments on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		registry:          reg,
		pagesFetched:      counter("search_pages_fetched_total", "Search result pages navigated."),
		detailFailures:    counter("detail_fetch_failures_total", "Detail page fetches that produced no record because of an error."),
		recordsCollected:  counter("records_collected_total", "Records extracted from detail pages."),
		assetsDownloaded:  counter("assets_downloaded_total", "Assets written to local storage."),
		assetFailures:     counter("asset_failures_total", "Asset downloads that were discarded."),
		inferenceAttempts: counter("inference_attempts_total", "Requests sent to the inference API."),
		rateLimitHits:     counter("inference_rate_limited_total", "Inference responses signalling rate limiting."),
		fallbacks:         counter("enrichment_fallbacks_total", "Enrichments replaced by the fallback value."),
		queueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time a task waited for admission.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"queue"}),
		queueInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_inflight",
			Help:      "Tasks currently executing.",
		}, []string{"queue"}),
	}
	reg.MustRegister(m.queueWait, m.queueInflight)
	return m
}

func inc(c prometheus.Counter) {
	c.Inc()
}

func (m *Metrics) PageFetched() {
	if m != nil {
		inc(m.pagesFetched)
	}
}

func (m *Metrics) DetailFailed() {
	if m != nil {
		inc(m.detailFailures)
	}
}

func (m *Metrics) RecordCollected() {
	if m != nil {
		inc(m.recordsCollected)
	}
}

func (m *Metrics) AssetDownloaded() {
	if m != nil {
		inc(m.assetsDownloaded)
	}
}

func (m *Metrics) AssetFailed() {
	if m != nil {
		inc(m.assetFailures)
	}
}

func (m *Metrics) InferenceAttempt() {
	if m != nil {
		inc(m.inferenceAttempts)
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		inc(m.rateLimitHits)
	}
}

func (m *Metrics) EnrichmentFallback() {
	if m != nil {
		inc(m.fallbacks)
	}
}

func (m *Metrics) ObserveQueueWait(queue string, wait time.Duration) {
	if m == nil {
		return
	}
	m.queueWait.WithLabelValues(queue).Observe(wait.Seconds())
}

func (m *Metrics) SetQueueInflight(queue string, n int) {
	if m == nil {
		return
	}
	m.queueInflight.WithLabelValues(queue).Set(float64(n))
}

// Registry exposes the registry for scraping and tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
