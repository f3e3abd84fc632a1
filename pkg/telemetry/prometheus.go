package telemetry

import (
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-governor/pkg/domain"
)

// StatsSource is the read side of the governor scraped on every collection.
type StatsSource interface {
	Stats() map[string]domain.BucketStats
	Paused() bool
}

// PrometheusMetrics holds the Prometheus registry for the governor: counters
// fed by admission events plus bucket gauges read at scrape time once a
// source is attached with WatchBuckets.
type PrometheusMetrics struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
	waits    *prometheus.HistogramVec
}

// NewPrometheusMetrics creates the registry with the admission counters and
// the Go runtime and process collectors.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	m := &PrometheusMetrics{
		registry: registry,
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_admission_events_total",
				Help: "Admission transitions by resource and event",
			},
			[]string{"resource", "event"},
		),
		waits: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_wait_duration_seconds",
				Help:    "Time spent queued before release or cancellation",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"resource", "event"},
		),
	}

	registry.MustRegister(
		m.events,
		m.waits,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// WatchBuckets exports the bucket and gate gauges of source. It may be called once.
func (m *PrometheusMetrics) WatchBuckets(source StatsSource) error {
	return m.registry.Register(newBucketCollector(source))
}

// ObserveAdmission implements domain.AdmissionObserver.
func (m *PrometheusMetrics) ObserveAdmission(event domain.AdmissionEvent) {
	m.events.WithLabelValues(event.Resource, string(event.Kind)).Inc()
	if event.Kind == domain.EventReleased || event.Kind == domain.EventCancelled {
		m.waits.WithLabelValues(event.Resource, string(event.Kind)).Observe(event.Waited.Seconds())
	}
}

// Registry returns the underlying registry.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type bucketCollector struct {
	source     StatsSource
	available  *prometheus.Desc
	capacity   *prometheus.Desc
	refillRate *prometheus.Desc
	queued     *prometheus.Desc
	paused     *prometheus.Desc
}

func newBucketCollector(source StatsSource) *bucketCollector {
	labels := []string{"resource"}
	return &bucketCollector{
		source:     source,
		available:  prometheus.NewDesc("governor_bucket_tokens", "Tokens currently available in the bucket", labels, nil),
		capacity:   prometheus.NewDesc("governor_bucket_capacity", "Maximum tokens the bucket can hold", labels, nil),
		refillRate: prometheus.NewDesc("governor_bucket_refill_rate", "Tokens added per second", labels, nil),
		queued:     prometheus.NewDesc("governor_bucket_queue_depth", "Callers waiting for a token", labels, nil),
		paused:     prometheus.NewDesc("governor_paused", "1 while the global hard stop is engaged", nil, nil),
	}
}

func (c *bucketCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.available
	ch <- c.capacity
	ch <- c.refillRate
	ch <- c.queued
	ch <- c.paused
}

func (c *bucketCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := stats[name]
		ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, s.Available, name)
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, s.Capacity, name)
		ch <- prometheus.MustNewConstMetric(c.refillRate, prometheus.GaugeValue, s.RefillRate, name)
		ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(s.Queued), name)
	}

	paused := 0.0
	if c.source.Paused() {
		paused = 1
	}
	ch <- prometheus.MustNewConstMetric(c.paused, prometheus.GaugeValue, paused)
}
