package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus metrics of the query cache. It satisfies
// the observer interfaces of the cache chain, the query engine and the
// precompute runner. A nil Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	// Admin HTTP
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// Cache chain
	tierHits   *prometheus.CounterVec
	chainMiss  prometheus.Counter
	tierErrors *prometheus.CounterVec

	// Listings
	recomputes        *prometheus.CounterVec
	recomputeDuration *prometheus.HistogramVec
	inserted          *prometheus.CounterVec
	deleted           *prometheus.CounterVec
	pruned            *prometheus.CounterVec
	staleRows         *prometheus.CounterVec

	// Precompute
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

// NewCollector creates a collector on its own registry.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of admin HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		tierHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits by tier",
		}, []string{"tier"}),
		chainMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Lookups that missed every tier",
		}),
		tierErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_tier_errors_total",
			Help:      "Failed tier operations",
		}, []string{"tier", "op"}),
		recomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_recomputes_total",
			Help:      "Listings recomputed from the primary store",
		}, []string{"family", "status"}),
		recomputeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_recompute_duration_seconds",
			Help:      "Listing recompute duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"family"}),
		inserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_items_inserted_total",
			Help:      "Items inserted into cached listings",
		}, []string{"family"}),
		deleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_items_deleted_total",
			Help:      "Items deleted from cached listings",
		}, []string{"family"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_items_pruned_total",
			Help:      "Items pruned beyond the retention cap",
		}, []string{"family"}),
		staleRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_stale_rows_total",
			Help:      "Cached rows discarded for a format mismatch",
		}, []string{"family"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precompute_jobs_total",
			Help:      "Precompute jobs by outcome",
		}, []string{"identity", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "precompute_job_duration_seconds",
			Help:      "Precompute job duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120},
		}, []string{"identity"}),
	}

	c.registry.MustRegister(
		c.requests,
		c.requestDuration,
		c.tierHits,
		c.chainMiss,
		c.tierErrors,
		c.recomputes,
		c.recomputeDuration,
		c.inserted,
		c.deleted,
		c.pruned,
		c.staleRows,
		c.jobs,
		c.jobDuration,
	)
	return c
}

// Registry returns the registry the collector exports.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest records an admin HTTP request.
func (c *Collector) RecordRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) TierHit(tier string) {
	if c == nil {
		return
	}
	c.tierHits.WithLabelValues(tier).Inc()
}

func (c *Collector) ChainMiss() {
	if c == nil {
		return
	}
	c.chainMiss.Inc()
}

func (c *Collector) TierError(tier, op string) {
	if c == nil {
		return
	}
	c.tierErrors.WithLabelValues(tier, op).Inc()
}

func (c *Collector) Recomputed(family string, d time.Duration, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.recomputes.WithLabelValues(family, status).Inc()
	c.recomputeDuration.WithLabelValues(family).Observe(d.Seconds())
}

func (c *Collector) Inserted(family string, n int) {
	if c == nil {
		return
	}
	c.inserted.WithLabelValues(family).Add(float64(n))
}

func (c *Collector) Deleted(family string, n int) {
	if c == nil {
		return
	}
	c.deleted.WithLabelValues(family).Add(float64(n))
}

func (c *Collector) Pruned(family string, n int) {
	if c == nil {
		return
	}
	c.pruned.WithLabelValues(family).Add(float64(n))
}

func (c *Collector) StaleRow(family string) {
	if c == nil {
		return
	}
	c.staleRows.WithLabelValues(family).Inc()
}

func (c *Collector) JobFinished(identity, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobs.WithLabelValues(identity, outcome).Inc()
	c.jobDuration.WithLabelValues(identity).Observe(d.Seconds())
}
