// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the feed.
type Metrics struct {
	// Stream metrics
	StreamMessages   prometheus.Counter
	StreamReconnects prometheus.Counter

	// Historical loader metrics
	RESTRequests   *prometheus.CounterVec
	RESTLatency    prometheus.Histogram
	RateLimitWaits prometheus.Counter

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Timeframe metrics
	CandlesIngested   *prometheus.CounterVec
	AggregatesEmitted *prometheus.CounterVec
	SeriesLength      *prometheus.GaugeVec

	// Consumer surface metrics
	UpdatesCoalesced  prometheus.Counter
	UpdatesDelivered  prometheus.Counter
	TimeframeSwitches prometheus.Counter
}

// NewMetrics creates a Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "chartfeed"
	}

	return &Metrics{
		StreamMessages: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "messages_total",
			Help:      "Total number of websocket messages received",
		}),
		StreamReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Total number of reconnect attempts",
		}),
		RESTRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "rest_requests_total",
			Help:      "Total number of historical REST requests by outcome",
		}, []string{"outcome"}),
		RESTLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "rest_latency_seconds",
			Help:      "Historical REST request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		RateLimitWaits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "rate_limit_waits_total",
			Help:      "Total number of requests delayed by the rate limiter",
		}),
		CacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits by tier",
		}, []string{"tier"}),
		CacheMisses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses by tier",
		}, []string{"tier"}),
		CandlesIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timeframe",
			Name:      "candles_ingested_total",
			Help:      "Total number of candles ingested by resolution",
		}, []string{"interval"}),
		AggregatesEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timeframe",
			Name:      "aggregates_emitted_total",
			Help:      "Total number of aggregated candles emitted by target resolution",
		}, []string{"interval"}),
		SeriesLength: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "timeframe",
			Name:      "series_length",
			Help:      "Current candle buffer length by resolution",
		}, []string{"interval"}),
		UpdatesCoalesced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "updates_coalesced_total",
			Help:      "Total number of live updates absorbed by the debounce window",
		}),
		UpdatesDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "updates_delivered_total",
			Help:      "Total number of consumer data notifications delivered",
		}),
		TimeframeSwitches: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "timeframe_switches_total",
			Help:      "Total number of active resolution switches",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordStreamMessage increments the stream message counter.
func RecordStreamMessage() {
	DefaultMetrics.StreamMessages.Inc()
}

// RecordStreamReconnect increments the reconnect counter.
func RecordStreamReconnect() {
	DefaultMetrics.StreamReconnects.Inc()
}

// RecordRESTRequest records one historical request with its outcome.
func RecordRESTRequest(outcome string, seconds float64) {
	DefaultMetrics.RESTRequests.WithLabelValues(outcome).Inc()
	DefaultMetrics.RESTLatency.Observe(seconds)
}

// RecordRateLimitWait increments the rate limit delay counter.
func RecordRateLimitWait() {
	DefaultMetrics.RateLimitWaits.Inc()
}

// RecordCacheHit increments the hit counter for a cache tier.
func RecordCacheHit(tier string) {
	DefaultMetrics.CacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss increments the miss counter for a cache tier.
func RecordCacheMiss(tier string) {
	DefaultMetrics.CacheMisses.WithLabelValues(tier).Inc()
}

// RecordCandleIngested increments the ingest counter for a resolution.
func RecordCandleIngested(interval string) {
	DefaultMetrics.CandlesIngested.WithLabelValues(interval).Inc()
}

// RecordAggregateEmitted increments the aggregation counter for a target.
func RecordAggregateEmitted(interval string) {
	DefaultMetrics.AggregatesEmitted.WithLabelValues(interval).Inc()
}

// UpdateSeriesLength updates the buffer length gauge for a resolution.
func UpdateSeriesLength(interval string, n int) {
	DefaultMetrics.SeriesLength.WithLabelValues(interval).Set(float64(n))
}

// RecordUpdateCoalesced increments the debounce absorption counter.
func RecordUpdateCoalesced() {
	DefaultMetrics.UpdatesCoalesced.Inc()
}

// RecordUpdateDelivered increments the delivered notification counter.
func RecordUpdateDelivered() {
	DefaultMetrics.UpdatesDelivered.Inc()
}

// RecordTimeframeSwitch increments the resolution switch counter.
func RecordTimeframeSwitch() {
	DefaultMetrics.TimeframeSwitches.Inc()
}
